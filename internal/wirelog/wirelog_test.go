package wirelog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/apex/log"
)

func TestNewDefaultsToTextAndInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("", "", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger.Level != log.InfoLevel {
		t.Fatalf("expected info level, got %v", logger.Level)
	}
	logger.Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Fatalf("expected text output to contain the message, got %q", buf.String())
	}
}

func TestNewJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(FormatJSON, "debug", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger.Level != log.DebugLevel {
		t.Fatalf("expected debug level, got %v", logger.Level)
	}
	logger.Debug("hello")
	if !strings.Contains(buf.String(), `"message":"hello"`) {
		t.Fatalf("expected json output with a message field, got %q", buf.String())
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	var buf bytes.Buffer
	if _, err := New(FormatText, "not-a-level", &buf); err == nil {
		t.Fatalf("expected an error for an invalid level")
	}
}

func TestConnFieldsCarriesPeerAndProto(t *testing.T) {
	fields := ConnFields("10.0.0.1:443")
	if fields["peer"] != "10.0.0.1:443" {
		t.Fatalf("expected peer field to be set, got %v", fields["peer"])
	}
	if fields["proto"] != "cstp" {
		t.Fatalf("expected proto field to be cstp, got %v", fields["proto"])
	}
	if _, ok := fields["conn_id"].(string); !ok {
		t.Fatalf("expected a string conn_id field")
	}
}

func TestConnFieldsGeneratesDistinctIDs(t *testing.T) {
	a := ConnFields("peer")
	b := ConnFields("peer")
	if a["conn_id"] == b["conn_id"] {
		t.Fatalf("expected distinct conn_ids across calls")
	}
}

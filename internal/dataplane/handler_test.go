package dataplane

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/anyconnectd/worker/internal/wireframe"
	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
)

func testEntry() *log.Entry {
	return log.NewEntry(&log.Logger{Handler: discard.Default, Level: log.InfoLevel})
}

type recordingSender struct {
	sent [][]byte
	err  error
}

func (r *recordingSender) Send(frame []byte) error {
	r.sent = append(r.sent, append([]byte{}, frame...))
	return r.err
}

func TestHandleCommonDPDOutSendsResponseAndStampsClock(t *testing.T) {
	var tun bytes.Buffer
	sender := &recordingSender{}
	var lastDPD time.Time

	err := HandleCommon(testEntry(), ChannelTLS, wireframe.PacketDPDOut, nil, &tun, sender, &lastDPD)
	if err != nil {
		t.Fatalf("HandleCommon: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected exactly one DPD response sent, got %d", len(sender.sent))
	}
	if lastDPD.IsZero() {
		t.Fatalf("expected lastDPD to be stamped")
	}
	typ, _, err := wireframe.DecodeCSTP(sender.sent[0])
	if err != nil || typ != wireframe.PacketDPDResp {
		t.Fatalf("expected a CSTP DPD_RESP frame, got typ=%v err=%v", typ, err)
	}
}

func TestHandleCommonDataWritesToTun(t *testing.T) {
	var tun bytes.Buffer
	sender := &recordingSender{}
	var lastDPD time.Time
	payload := []byte("ip packet bytes")

	err := HandleCommon(testEntry(), ChannelTLS, wireframe.PacketData, payload, &tun, sender, &lastDPD)
	if err != nil {
		t.Fatalf("HandleCommon: %v", err)
	}
	if !bytes.Equal(tun.Bytes(), payload) {
		t.Fatalf("expected payload written to tun, got %q", tun.Bytes())
	}
	if len(sender.sent) != 0 {
		t.Fatalf("DATA must not trigger a reply send")
	}
}

func TestHandleCommonTunWriteErrorPropagates(t *testing.T) {
	sender := &recordingSender{}
	var lastDPD time.Time
	wantErr := errors.New("tun write failed")

	err := HandleCommon(testEntry(), ChannelTLS, wireframe.PacketData, []byte("x"), failingWriter{wantErr}, sender, &lastDPD)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected tun write error to propagate, got %v", err)
	}
}

type failingWriter struct{ err error }

func (f failingWriter) Write(p []byte) (int, error) { return 0, f.err }

func TestHandleCommonKeepaliveAndDisconnectAreLogOnly(t *testing.T) {
	var tun bytes.Buffer
	sender := &recordingSender{}
	var lastDPD time.Time

	for _, typ := range []wireframe.PacketType{wireframe.PacketKeepalive, wireframe.PacketDisconnect, wireframe.PacketDPDResp} {
		if err := HandleCommon(testEntry(), ChannelDTLS, typ, nil, &tun, sender, &lastDPD); err != nil {
			t.Fatalf("HandleCommon(%v): %v", typ, err)
		}
	}
	if len(sender.sent) != 0 || tun.Len() != 0 {
		t.Fatalf("expected no sends or tun writes for log-only packet types")
	}
}

func TestHandleCommonUnknownTypeIsIgnored(t *testing.T) {
	var tun bytes.Buffer
	sender := &recordingSender{}
	var lastDPD time.Time
	if err := HandleCommon(testEntry(), ChannelTLS, wireframe.PacketType(0x7F), nil, &tun, sender, &lastDPD); err != nil {
		t.Fatalf("HandleCommon: %v", err)
	}
}

func TestDPDExpiredRespectsThreeTimesInterval(t *testing.T) {
	orig := now
	defer func() { now = orig }()

	base := time.Unix(1_700_000_000, 0)
	now = func() time.Time { return base }
	lastDPD := base.Add(-89 * time.Second)
	if DPDExpired(lastDPD, 30) {
		t.Fatalf("89s < 3*30s=90s must not be expired")
	}
	lastDPD = base.Add(-91 * time.Second)
	if !DPDExpired(lastDPD, 30) {
		t.Fatalf("91s > 90s must be expired")
	}
}

func TestDPDExpiredDisabledWhenDPDZero(t *testing.T) {
	if DPDExpired(time.Unix(0, 0), 0) {
		t.Fatalf("dpd=0 must disable the liveness check")
	}
}

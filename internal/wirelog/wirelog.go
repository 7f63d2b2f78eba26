// Package wirelog builds the apex/log.Logger cmd/anyconnectd-worker
// hands each forked connection, and the base field set every
// connection's log entries carry. It is the one place that picks
// between a human-readable handler for local/debug runs and a
// machine-parseable one for a supervisor that pipes worker stderr into
// its own aggregator.
package wirelog

import (
	"fmt"
	"io"

	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/text"
	"github.com/google/uuid"
)

// Format names the output handler. Anything other than FormatJSON
// falls back to FormatText.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// New builds a logger writing to w at the given level. An empty level
// defaults to "info".
func New(format Format, level string, w io.Writer) (*log.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("wirelog: parsing log level %q: %w", level, err)
	}

	var handler log.Handler
	switch format {
	case FormatJSON:
		handler = json.New(w)
	default:
		handler = text.New(w)
	}

	return &log.Logger{Handler: handler, Level: lvl}, nil
}

// ConnFields builds the base field set every line logged for one
// connection carries: a fresh correlation id, the peer address, and
// the protocol this worker speaks. internal/worker binds these once,
// at the top of Run, onto the *log.Entry threaded through every
// component call for that connection.
func ConnFields(peer string) log.Fields {
	return log.Fields{
		"conn_id": uuid.New().String(),
		"peer":    peer,
		"proto":   "cstp",
	}
}

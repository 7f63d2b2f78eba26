package dataplane

import (
	"io"
	"time"

	"github.com/anyconnectd/worker/internal/wireframe"
	"github.com/apex/log"
)

// Channel identifies which of the two wire channels a frame arrived on
// or should be sent on, for logging and for the DPD reply.
type Channel int

const (
	ChannelTLS Channel = iota
	ChannelDTLS
)

func (c Channel) String() string {
	if c == ChannelDTLS {
		return "dtls"
	}
	return "tls"
}

// Sender writes a reply frame on the same channel a packet arrived on.
// The Loop supplies one bound to whichever channel is active for a
// given call.
type Sender interface {
	Send(frame []byte) error
}

// HandleCommon implements spec §4.G's "common packet handler": the
// dispatch shared by both the CSTP and DTLS receive paths once a frame
// has been decoded into a type and payload.
//
//   - DPD_OUT: reply with DPD_RESP on the same channel, stamp lastDPD.
//   - DPD_RESP, KEEPALIVE, DISCONN: log only.
//   - DATA: write payload to tun; an error here is fatal for the loop.
//   - unknown: log and ignore.
func HandleCommon(entry *log.Entry, ch Channel, typ wireframe.PacketType, payload []byte, tun io.Writer, sender Sender, lastDPD *time.Time) error {
	switch typ {
	case wireframe.PacketDPDOut:
		var reply []byte
		if ch == ChannelDTLS {
			reply = wireframe.DPDResponseDTLS()
		} else {
			reply = wireframe.DPDResponseCSTP()
		}
		*lastDPD = now()
		if err := sender.Send(reply); err != nil {
			entry.WithError(err).Warn("failed to send DPD response")
		}
		return nil

	case wireframe.PacketDPDResp, wireframe.PacketKeepalive, wireframe.PacketDisconnect:
		entry.WithField("channel", ch.String()).WithField("type", typ.String()).Info("peer liveness/control packet")
		return nil

	case wireframe.PacketData:
		if _, err := tun.Write(payload); err != nil {
			return err
		}
		return nil

	default:
		entry.WithField("channel", ch.String()).WithField("type", int(typ)).Warn("unknown packet type, ignoring")
		return nil
	}
}

// now is a seam so DPD timing tests don't depend on wall-clock timing.
var now = time.Now

// DPDExpired reports whether the peer should be considered dead: no
// answered DPD in more than 3*dpd seconds (spec §4.G "Timeouts and
// DPD").
func DPDExpired(lastDPD time.Time, dpdSeconds int) bool {
	if dpdSeconds <= 0 {
		return false
	}
	return now().Sub(lastDPD) > time.Duration(3*dpdSeconds)*time.Second
}

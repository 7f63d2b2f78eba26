// Package controlchan implements the control-channel client (spec
// component H): a small, typed, length-delimited protocol over the
// in-process pipe the supervisor hands the worker, used to publish tun
// MTU changes and to receive opaque supervisor commands.
package controlchan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/anyconnectd/worker/internal/external"
)

// MessageType tags the single byte following the length prefix.
type MessageType byte

const (
	// MsgSendTunMTU is the one outbound message this spec names (spec
	// §4.H): "publish-tun-MTU (send_tun_mtu) is an outbound message
	// sent whenever the effective tun MTU changes."
	MsgSendTunMTU MessageType = 0x01

	// MsgUDPFdReady is the one inbound message this spec names (spec
	// §4.G's WAIT_FD -> SETUP transition, "supervisor delivers
	// udp_fd"): the supervisor's signal that the UDP descriptor it
	// handed over at startup is now the one the peer will speak DTLS
	// on, and the worker may begin treating a UDP datagram as the
	// client's ClientHello rather than ignoring the channel.
	MsgUDPFdReady MessageType = 0x81
)

// maxMessageBody bounds a single command-pipe message; the supervisor
// is a trusted local peer but the wire format still refuses rather
// than allocates unboundedly on a corrupt length prefix.
const maxMessageBody = 1 << 20

var (
	ErrMessageTooLarge = errors.New("controlchan: message body exceeds limit")
	// ErrDispatcherExit is returned by a Handler passed to
	// Client.Dispatch when it reports a negative result; the data-plane loop
	// must exit (spec §4.H: "negative return from the dispatcher =>
	// exit").
	ErrDispatcherExit = errors.New("controlchan: dispatcher requested exit")
)

// Client wraps the supervisor's pipe endpoint with the length-delimited
// framing: a big-endian u32 length prefix covering the type byte plus
// body, followed by the u8 type tag and the body itself.
type Client struct {
	peer external.ControlPeer
}

// New wraps peer, the in-process pipe endpoint (spec §6's ControlPeer).
func New(peer external.ControlPeer) *Client {
	return &Client{peer: peer}
}

// SendTunMTU publishes the effective tun MTU (spec §4.H), computed by
// the caller as min(dtls_mtu, tls_mtu) or tls_mtu alone when DTLS is
// disabled (spec §4.E, §8 invariant 7).
func (c *Client) SendTunMTU(mtu uint32) error {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, mtu)
	return c.writeMessage(MsgSendTunMTU, body)
}

func (c *Client) writeMessage(typ MessageType, body []byte) error {
	frame := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(1+len(body)))
	frame[4] = byte(typ)
	copy(frame[5:], body)
	_, err := c.peer.Write(frame)
	return err
}

// Handler processes one inbound supervisor message (opaque per spec
// §4.H) and returns an error to signal the dispatcher should exit
// (wrapping ErrDispatcherExit), or nil to continue.
type Handler func(typ MessageType, body []byte) error

// Dispatch reads exactly one length-delimited message from the peer and
// invokes handle. Unknown message types are not filtered here — spec
// §4.H says inbound messages are opaque to this layer; handle decides
// what "unknown" means and logs accordingly.
func (c *Client) Dispatch(handle Handler) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.peer, lenBuf[:]); err != nil {
		return fmt.Errorf("controlchan: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxMessageBody {
		return ErrMessageTooLarge
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(c.peer, msg); err != nil {
		return fmt.Errorf("controlchan: read message body: %w", err)
	}
	return handle(MessageType(msg[0]), msg[1:])
}

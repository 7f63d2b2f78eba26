package dataplane

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/anyconnectd/worker/internal/controlchan"
	"github.com/anyconnectd/worker/internal/dtlssession"
	"github.com/anyconnectd/worker/internal/mtu"
	"github.com/anyconnectd/worker/internal/wireframe"
	"github.com/apex/log"
)

// FdReaderWriter is implemented by the concrete descriptors the
// supervisor hands the worker (plain *os.File-backed sockets/pipes/tun
// handles): enough to multiplex with golang.org/x/sys/unix.Select
// alongside ordinary Read/Write. This is the one place the otherwise
// fd-opaque external.Tun/external.ControlPeer interfaces need to expose
// their underlying descriptor, mirroring the original's raw select()
// loop over plain file descriptors.
type FdReaderWriter interface {
	io.ReadWriter
	Fd() int
}

// Loop owns the four descriptors and the session/controller state of
// spec §3 needed to run the event loop of spec §4.G.
type Loop struct {
	Entry *log.Entry

	TLS FdReaderWriter
	UDP FdReaderWriter
	Tun FdReaderWriter
	Cmd FdReaderWriter

	DPDSeconds int
	Terminated func() bool
	Control    *controlchan.Client
	MTU        *mtu.Controller
	DTLS       *dtlssession.Session
	TLSMTU     int

	udpState    UDPState
	udpRecvTime time.Time
	lastDPD     time.Time
	tlsReader   *bufio.Reader
}

// NewLoop returns a loop ready to Run, with the UDP state seeded per
// whether DTLS negotiation is even possible for this connection.
func NewLoop(entry *log.Entry, tlsConn, udpConn, tun, cmd FdReaderWriter, dtlsable bool) *Loop {
	state := UDPDisabled
	if dtlsable {
		state = UDPWaitFD
	}
	return &Loop{
		Entry:     entry,
		TLS:       tlsConn,
		UDP:       udpConn,
		Tun:       tun,
		Cmd:       cmd,
		udpState:  state,
		lastDPD:   now(),
		tlsReader: bufio.NewReader(tlsConn),
	}
}

// tlsSender/dtlsSender adapt each channel's raw write to the Sender
// interface HandleCommon expects. The frame HandleCommon passes in is
// already a complete, correctly framed CSTP or DTLS frame (built by
// wireframe.DPDResponseCSTP/DPDResponseDTLS); TLS write goes straight
// to the wire since crypto/tls already owns record encryption, while
// DTLS write must additionally pass through the session's own record
// layer (component D), which this worker implements itself.
type tlsSender struct{ l *Loop }

func (s tlsSender) Send(frame []byte) error {
	_, err := s.l.TLS.Write(frame)
	return err
}

// Run drives the event loop until termination, a fatal condition, or
// DPD expiry. It returns nil on a graceful shutdown and an error
// otherwise (spec §7: "within the data loop, exit means jump to a
// single cleanup label... and exits the process" — here, return to the
// caller, who performs that exit).
func (l *Loop) Run() error {
	for {
		if l.Terminated != nil && l.Terminated() {
			l.shutdown()
			return nil
		}
		if DPDExpired(l.lastDPD, l.DPDSeconds) {
			return errors.New("dataplane: peer considered dead (DPD expired)")
		}

		readFDs := []int{l.TLS.Fd(), l.Cmd.Fd(), l.Tun.Fd()}
		if l.udpState > UDPWaitFD {
			readFDs = append(readFDs, l.UDP.Fd())
		}

		skipWait := l.tlsReader.Buffered() > 0
		if !skipWait {
			ready, err := waitReadable(readFDs, ReadinessTimeoutSeconds*time.Second)
			if err != nil {
				return fmt.Errorf("dataplane: readiness wait: %w", err)
			}
			if len(ready) == 0 {
				continue // timeout, loop back to re-check termination/DPD
			}
			if err := l.handleReady(ready); err != nil {
				return err
			}
			continue
		}
		if err := l.handleTLSReadable(); err != nil {
			return err
		}
	}
}

func (l *Loop) handleReady(ready map[int]bool) error {
	if ready[l.Tun.Fd()] {
		if err := l.handleTunReadable(); err != nil {
			return err
		}
	}
	if ready[l.TLS.Fd()] {
		if err := l.handleTLSReadable(); err != nil {
			return err
		}
	}
	if l.udpState > UDPWaitFD && ready[l.UDP.Fd()] {
		if err := l.handleUDPReadable(); err != nil {
			return err
		}
	}
	if ready[l.Cmd.Fd()] {
		if err := l.handleCmdReadable(); err != nil {
			return err
		}
	}
	return nil
}

// handleTunReadable implements spec §4.G's "tun readable" action.
func (l *Loop) handleTunReadable() error {
	readLimit := l.TLSMTU
	if l.udpState == UDPActive {
		readLimit = l.MTU.Current()
	}
	buf := make([]byte, readLimit)
	n, err := l.Tun.Read(buf)
	if err != nil {
		if isTransient(err) {
			return nil
		}
		return fmt.Errorf("dataplane: tun read: %w", err)
	}
	if n == 0 {
		return errors.New("dataplane: tun closed")
	}
	payload := buf[:n]

	sentOverDTLS := false
	if l.udpState == UDPActive {
		result, record := l.DTLS.Encrypt(wireframe.EncodeDTLS(wireframe.PacketData, payload))
		switch result {
		case dtlssession.LargePacket:
			if !l.MTU.NotOk(l.MTU.Current()) {
				l.udpState = UDPDisabled
				l.Entry.Warn("DTLS MTU fell below minimum, disabling UDP channel")
			}
		default:
			if _, err := l.UDP.Write(record); err != nil {
				l.Entry.WithError(err).Warn("DTLS send failed, falling back to TLS")
			} else {
				l.MTU.Ok(n, l.MTU.Current())
				sentOverDTLS = true
			}
		}
	}
	if !sentOverDTLS {
		frame := wireframe.EncodeCSTP(wireframe.PacketData, payload)
		if _, err := l.TLS.Write(frame); err != nil {
			return fmt.Errorf("dataplane: tls send: %w", err)
		}
	}
	return nil
}

// handleTLSReadable implements spec §4.G's "TLS readable or pending"
// action.
func (l *Loop) handleTLSReadable() error {
	header := make([]byte, wireframe.HeaderLen)
	if _, err := io.ReadFull(l.tlsReader, header); err != nil {
		if errors.Is(err, io.EOF) {
			return errDisconnected
		}
		return fmt.Errorf("dataplane: tls read: %w", err)
	}
	payloadLen := int(header[4])<<8 | int(header[5])
	frame := make([]byte, wireframe.HeaderLen+payloadLen)
	copy(frame, header)
	if payloadLen > 0 {
		if _, err := io.ReadFull(l.tlsReader, frame[wireframe.HeaderLen:]); err != nil {
			return fmt.Errorf("dataplane: tls read payload: %w", err)
		}
	}
	typ, payload, err := wireframe.DecodeCSTP(frame)
	if err != nil {
		l.Entry.WithError(err).Info("CSTP framing error")
		return err
	}

	if typ == wireframe.PacketData && l.udpState == UDPActive &&
		now().Sub(l.udpRecvTime) > UDPSwitchTimeSeconds*time.Second {
		l.udpState = UDPInactive
	}

	return HandleCommon(l.Entry, ChannelTLS, typ, payload, l.Tun, tlsSender{l}, &l.lastDPD)
}

// handleUDPReadable implements spec §4.G's "UDP readable or
// DTLS-pending" action, dispatching on the UDP state.
func (l *Loop) handleUDPReadable() error {
	buf := make([]byte, 65536)
	n, err := l.UDP.Read(buf)
	if err != nil {
		if isTransient(err) {
			return nil
		}
		return fmt.Errorf("dataplane: udp read: %w", err)
	}
	datagram := buf[:n]

	switch l.udpState {
	case UDPSetup:
		// This datagram is the client's first flight (ClientHello).
		// The worker constructs l.DTLS (from the premaster handed over
		// the TLS control channel) before ever reaching SETUP; an unset
		// session here is a fatal configuration error, not something to
		// discard and retry.
		if l.DTLS == nil {
			return errors.New("dataplane: UDP in SETUP with no DTLS session configured")
		}
		clientRandom, err := l.DTLS.ReceiveClientHello(datagram)
		if err != nil {
			l.Entry.WithError(err).Warn("malformed ClientHello, disabling UDP")
			l.udpState = UDPDisabled
			return nil
		}
		if err := l.DTLS.BeginHandshake(clientRandom); err != nil {
			if errors.Is(err, dtlssession.ErrHandshakeTooLarge) {
				if !l.MTU.NotOk(l.MTU.Current()) {
					l.udpState = UDPDisabled
				}
				return nil
			}
			l.Entry.WithError(err).Warn("DTLS handshake setup failed, disabling UDP")
			l.udpState = UDPDisabled
			return nil
		}
		for _, out := range l.DTLS.PendingOutbound() {
			if _, err := l.UDP.Write(out); err != nil {
				return fmt.Errorf("dataplane: udp write during handshake setup: %w", err)
			}
		}
		l.udpState = UDPHandshake
		return nil

	case UDPHandshake:
		result, err := l.DTLS.Advance(datagram)
		if err != nil {
			l.Entry.WithError(err).Warn("DTLS handshake failed, disabling UDP")
			l.udpState = UDPDisabled
			return nil
		}
		switch result {
		case dtlssession.LargePacket:
			if !l.MTU.NotOk(l.MTU.Current()) {
				l.udpState = UDPDisabled
			}
		case dtlssession.Complete:
			l.udpState = UDPActive
			l.udpRecvTime = now()
			l.MTU.Set(l.DTLS.MTU())
		}
		return nil

	case UDPActive, UDPInactive:
		result, err := l.DTLS.Advance(datagram)
		if err != nil {
			l.Entry.WithError(err).Info("DTLS record error")
			return nil
		}
		if result != dtlssession.Data {
			return nil
		}
		typ, payload, err := wireframe.DecodeDTLS(l.DTLS.LastPayload())
		if err != nil {
			l.Entry.WithError(err).Info("DTLS framing error")
			return nil
		}
		l.udpState = UDPActive
		l.udpRecvTime = now()
		return HandleCommon(l.Entry, ChannelDTLS, typ, payload, l.Tun, dtlsSender{l}, &l.lastDPD)

	default:
		return nil
	}
}

type dtlsSender struct{ l *Loop }

func (s dtlsSender) Send(frame []byte) error {
	result, out := s.l.DTLS.Encrypt(frame)
	if result == dtlssession.LargePacket {
		return errors.New("dataplane: DPD response exceeds DTLS MTU")
	}
	_, err := s.l.UDP.Write(out)
	return err
}

// handleCmdReadable implements spec §4.H's inbound dispatch, including
// the spec §4.G WAIT_FD -> SETUP transition: the supervisor's
// MsgUDPFdReady is what arms the UDP descriptor for the readiness wait
// above and lets the first ClientHello land in the SETUP branch of
// handleUDPReadable instead of being silently skipped.
func (l *Loop) handleCmdReadable() error {
	err := l.Control.Dispatch(func(typ controlchan.MessageType, body []byte) error {
		switch typ {
		case controlchan.MsgUDPFdReady:
			if l.udpState == UDPWaitFD {
				l.udpState = UDPSetup
				l.Entry.Info("UDP channel armed for DTLS setup")
			}
		default:
			l.Entry.WithField("type", int(typ)).Info("supervisor command")
		}
		return nil
	})
	if errors.Is(err, controlchan.ErrDispatcherExit) {
		return err
	}
	return err
}

// shutdown implements spec §4.G's graceful-shutdown sequence: a
// DTLS TERM_SERVER if active, then a CSTP TERM_SERVER, best-effort.
func (l *Loop) shutdown() {
	if l.udpState == UDPActive && l.DTLS != nil {
		record := wireframe.EncodeDTLS(wireframe.PacketTermServer, nil)
		if result, out := l.DTLS.Encrypt(record); result != dtlssession.LargePacket {
			_, _ = l.UDP.Write(out)
		}
	}
	frame := wireframe.EncodeCSTP(wireframe.PacketTermServer, nil)
	_, _ = l.TLS.Write(frame)
}

var errDisconnected = errors.New("dataplane: peer closed TLS connection")

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)
}

// fdSetBits is the number of bits packed per unix.FdSet.Bits word
// (int64 on every platform x/sys/unix targets here).
const fdSetBits = 64

func fdSetAdd(set *unix.FdSet, fd int) {
	set.Bits[fd/fdSetBits] |= 1 << (uint(fd) % fdSetBits)
}

func fdSetHas(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/fdSetBits]&(1<<(uint(fd)%fdSetBits)) != 0
}

// waitReadable blocks until at least one of fds is readable or timeout
// elapses, using unix.Select — the direct Go analogue of the C
// original's select() loop and the only idiomatic way to multiplex raw
// non-net.Conn descriptors (tun, pipe) together with socket fds.
func waitReadable(fds []int, timeout time.Duration) (map[int]bool, error) {
	var set unix.FdSet
	maxFd := 0
	for _, fd := range fds {
		fdSetAdd(&set, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	_, err := unix.Select(maxFd+1, &set, nil, nil, &tv)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, err
	}
	ready := make(map[int]bool, len(fds))
	for _, fd := range fds {
		if fdSetHas(&set, fd) {
			ready[fd] = true
		}
	}
	return ready, nil
}

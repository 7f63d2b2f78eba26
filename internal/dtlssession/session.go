package dtlssession

import (
	"crypto/subtle"
	"errors"

	"github.com/google/uuid"
)

// Result reports what Advance did with an incoming datagram.
type Result int

const (
	// NeedMore means the handshake is still in progress; no application
	// data is available yet.
	NeedMore Result = iota
	// Complete means the handshake finished on this call; the session is
	// now in the Active state, Encrypt may be used, and Advance decrypts
	// application data.
	Complete
	// Data means a decrypted application-data payload is available via
	// LastPayload.
	Data
	// DTLSKeepwarm means a non-data, non-handshake record was consumed
	// (e.g. a stray ChangeCipherSpec) with nothing actionable to return.
	DTLSKeepwarm
	// LargePacket means the peer's datagram (or our own handshake flight)
	// could not fit the negotiated MTU; the caller should fall back to
	// treating it as an oversized-packet event against the MTU
	// controller rather than a protocol error.
	LargePacket
)

// state is the session's position in the abbreviated handshake, per
// spec component D: HELLO (waiting for the trigger to send ServerHello)
// through ACTIVE (application data flowing both ways).
type state int

const (
	stateHello state = iota
	stateWaitFinished
	stateActive
)

var (
	// ErrFatal is returned by Advance when the peer sent something the
	// session cannot recover from; the caller should tear the channel
	// down and fall back to CSTP-only operation.
	ErrFatal = errors.New("dtlssession: fatal handshake error")
)

// Session is one server-role DTLS session resumed from a premaster
// handed over the TLS control channel (spec component D). It is not
// safe for concurrent use; the worker's single-threaded event loop owns
// it exclusively.
type Session struct {
	state state
	mtu   int

	premaster    []byte
	clientRandom [randomLen]byte
	serverRandom [randomLen]byte
	sessionID    []byte

	masterSecret []byte
	keys         keyMaterial

	read  *direction
	write *direction

	transcript []byte
	msgSeq     uint16

	lastPayload []byte
	pendingOut  [][]byte
}

// NewServerSession creates a session that will resume using premaster
// (the 48-byte X-DTLS-Master-Secret value) once the client's first
// handshake flight arrives. mtu is the initial DTLS MTU published by
// the negotiator (spec component F). The session id advertised to the
// client as X-DTLS-Session-ID is generated here, once, via
// github.com/google/uuid — this is the factory spec §4.D describes as
// "a server-chosen session id"; callers needing the id before the
// handshake starts (to emit the header) read it back via SessionID.
func NewServerSession(premaster []byte, mtu int) (*Session, error) {
	if len(premaster) != masterSecretLen {
		return nil, errors.New("dtlssession: premaster must be 48 bytes")
	}
	id := uuid.New()
	s := &Session{
		premaster:    append([]byte{}, premaster...),
		serverRandom: newRandom(),
		sessionID:    append([]byte{}, id[:]...),
		mtu:          mtu,
	}
	return s, nil
}

// SessionID returns the server-chosen DTLS session id generated at
// construction time.
func (s *Session) SessionID() []byte { return s.sessionID }

// SetMTU updates the MTU used to decide whether an outbound record
// would be oversized. Called by the MTU controller (component E)
// whenever the bisection adjusts dtls_mtu.
func (s *Session) SetMTU(mtu int) { s.mtu = mtu }

// MTU returns the session's current notion of the usable DTLS MTU.
func (s *Session) MTU() int { return s.mtu }

// Active reports whether the handshake has completed and application
// data may be exchanged.
func (s *Session) Active() bool { return s.state == stateActive }

// LastPayload returns the payload decoded by the most recent Advance
// call that returned Data.
func (s *Session) LastPayload() []byte { return s.lastPayload }

// PendingOutbound drains datagrams the session needs written to the UDP
// socket (handshake flights). The caller must send each one, in order,
// before waiting on the next readiness cycle.
func (s *Session) PendingOutbound() [][]byte {
	out := s.pendingOut
	s.pendingOut = nil
	return out
}

// ReceiveClientHello parses the client's first flight — sent
// unencrypted under epoch 0, since no cipher state exists yet — and
// returns the client random BeginHandshake needs to derive keys.
// Matches the worker's SETUP-to-HANDSHAKE transition in spec component
// G: "SETUP runs §4.D then sets DTLS MTU and seeds the MTU controller."
func (s *Session) ReceiveClientHello(datagram []byte) ([randomLen]byte, error) {
	contentType, fragment, err := parsePlaintextRecord(datagram)
	if err != nil {
		return [randomLen]byte{}, err
	}
	if contentType != contentHandshake {
		return [randomLen]byte{}, ErrFatal
	}
	typ, _, body, err := parseHandshakeFragment(fragment)
	if err != nil {
		return [randomLen]byte{}, err
	}
	if typ != handshakeClientHello {
		return [randomLen]byte{}, ErrFatal
	}
	return parseClientHello(body)
}

// BeginHandshake triggers the server's first flight: ServerHello,
// ServerHelloDone, ChangeCipherSpec, Finished, all produced in one go since this is an
// abbreviated handshake with no certificate or key-exchange round
// trip. Matches the worker's DTLS_SETUP-to-DTLS_HANDSHAKE transition
// in spec component G.
func (s *Session) BeginHandshake(clientRandom [randomLen]byte) error {
	s.clientRandom = clientRandom

	hello := buildServerHello(s.serverRandom, s.sessionID)
	helloFrag := buildHandshakeFragment(handshakeServerHello, s.nextSeq(), hello)
	if len(helloFrag)+recordHeaderLen > s.mtu {
		return ErrHandshakeTooLarge
	}
	s.transcript = append(s.transcript, helloFrag...)

	doneFrag := buildHandshakeFragment(handshakeServerHelloDone, s.nextSeq(), nil)
	s.transcript = append(s.transcript, doneFrag...)

	s.masterSecret = deriveMasterSecret(s.premaster, s.clientRandom[:], s.serverRandom[:])
	s.keys = deriveKeyMaterial(s.masterSecret, s.clientRandom[:], s.serverRandom[:])

	version := [2]byte{254, 255}
	var err error
	s.write, err = newDirection(s.keys.serverKey, s.keys.serverMAC, 1, version)
	if err != nil {
		return err
	}
	s.read, err = newDirection(s.keys.clientKey, s.keys.clientMAC, 1, version)
	if err != nil {
		return err
	}

	// ServerHello, ServerHelloDone and ChangeCipherSpec all go out under
	// epoch 0, unencrypted, per the handshake record layer; only the
	// Finished message that follows is protected under the newly
	// installed keys.
	s.pendingOut = append(s.pendingOut,
		wrapPlaintextHandshake(contentHandshake, version, 0, helloFrag),
		wrapPlaintextHandshake(contentHandshake, version, 0, doneFrag),
		wrapPlaintextHandshake(contentChangeCipherSpec, version, 0, buildChangeCipherSpecBody()),
	)

	verifyData := finishedVerifyData(s.masterSecret, "server finished", s.transcript)
	finFrag := buildHandshakeFragment(handshakeFinished, s.nextSeq(), verifyData)
	if len(finFrag)+recordHeaderLen > s.mtu {
		return ErrHandshakeTooLarge
	}
	s.transcript = append(s.transcript, finFrag...)
	s.pendingOut = append(s.pendingOut, s.write.sealRecord(contentHandshake, finFrag))

	s.state = stateWaitFinished
	return nil
}

// Advance feeds one received DTLS datagram (a single record, per the
// worker's one-record-per-datagram assumption matching its CSTP
// counterpart) into the session.
func (s *Session) Advance(datagram []byte) (Result, error) {
	switch s.state {
	case stateWaitFinished:
		contentType, plaintext, err := s.read.openRecord(datagram)
		if err != nil {
			return 0, err
		}
		if contentType != contentHandshake {
			return DTLSKeepwarm, nil
		}
		typ, _, body, err := parseHandshakeFragment(plaintext)
		if err != nil {
			if errors.Is(err, errBadHandshake) {
				return LargePacket, nil
			}
			return 0, err
		}
		if typ != handshakeFinished {
			return 0, ErrFatal
		}
		want := finishedVerifyData(s.masterSecret, "client finished", s.transcript)
		if subtle.ConstantTimeCompare(body, want) != 1 {
			return 0, ErrFatal
		}
		s.state = stateActive
		return Complete, nil

	case stateActive:
		contentType, plaintext, err := s.read.openRecord(datagram)
		if err != nil {
			return 0, err
		}
		switch contentType {
		case contentApplicationData:
			s.lastPayload = plaintext
			return Data, nil
		default:
			return DTLSKeepwarm, nil
		}

	default:
		return 0, ErrFatal
	}
}

// Encrypt seals payload as application data for transmission. Returns
// LargePacket instead of a record when the sealed record would not fit
// the current MTU, mirroring the worker's oversized-DTLS-packet path
// into the MTU controller (component E).
func (s *Session) Encrypt(payload []byte) (Result, []byte) {
	record := s.write.sealRecord(contentApplicationData, payload)
	if len(record) > s.mtu {
		return LargePacket, nil
	}
	return Data, record
}

func (s *Session) nextSeq() uint16 {
	seq := s.msgSeq
	s.msgSeq++
	return seq
}

func wrapPlaintextHandshake(contentType byte, version [2]byte, epoch uint16, fragment []byte) []byte {
	out := make([]byte, 0, recordHeaderLen+len(fragment))
	out = append(out, contentType, version[0], version[1])
	out = appendUint16(out, epoch)
	seq := seq48(0)
	out = append(out, seq[:]...)
	out = appendUint16(out, uint16(len(fragment)))
	out = append(out, fragment...)
	return out
}

// ErrHandshakeTooLarge is returned by BeginHandshake when the initial
// flight does not fit the session's current MTU; the caller should
// treat this the same as an oversized DTLS application packet and
// drive the MTU controller's NotOk path before retrying.
var ErrHandshakeTooLarge = errors.New("dtlssession: handshake flight exceeds mtu")

package dtlssession

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// Legacy DTLS v0.9 handshake message types. server_hello_done and
// finished keep their RFC numbers; this worker never sends or expects a
// certificate, key exchange, or certificate-request message since the
// premaster is supplied out of band.
const (
	handshakeClientHello     byte = 1
	handshakeServerHello     byte = 2
	handshakeServerHelloDone byte = 14
	handshakeFinished        byte = 20
)

// handshakeHeaderLen is msg_type(1) + length(3) + message_seq(2) +
// fragment_offset(3) + fragment_length(3), the DTLS handshake fragment
// header. Grounded on the teacher's makeFragment/dtlsDoReadHandshake
// split between a logical handshake message and its wire fragments.
const handshakeHeaderLen = 1 + 3 + 2 + 3 + 3

var errBadHandshake = errors.New("dtlssession: malformed handshake message")

// randomLen is the fixed 32-byte client/server random used for PRF
// seeding, unchanged since SSLv3.
const randomLen = 32

func newRandom() [randomLen]byte {
	var r [randomLen]byte
	_, _ = rand.Read(r[:])
	return r
}

// buildHandshakeFragment wraps body in a single, unfragmented DTLS
// handshake record fragment. The worker only ever speaks to a single
// known peer over a channel it controls the MTU of, so fragmenting a
// handshake message across multiple DTLS records is never attempted;
// a handshake message that does not fit the session MTU instead makes
// BeginHandshake return ErrHandshakeTooLarge, which the data-plane loop
// feeds to the MTU controller like an oversized application packet.
func buildHandshakeFragment(msgType byte, msgSeq uint16, body []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(msgType)
	b.AddUint24(uint32(len(body)))
	b.AddUint16(msgSeq)
	b.AddUint24(0) // fragment_offset
	b.AddUint24(uint32(len(body)))
	b.AddBytes(body)
	return b.BytesOrPanic()
}

// parseHandshakeFragment extracts the logical message, rejecting any
// fragment that does not cover the whole message body (offset != 0 or
// fragment_length != length): reassembly of a genuinely fragmented
// handshake message is out of scope for the same reason construction
// never fragments one.
func parseHandshakeFragment(record []byte) (msgType byte, msgSeq uint16, body []byte, err error) {
	s := cryptobyte.String(record)
	var typ uint8
	var length, fragOffset, fragLen uint32
	var seq uint16
	if !s.ReadUint8(&typ) ||
		!s.ReadUint24(&length) ||
		!s.ReadUint16(&seq) ||
		!s.ReadUint24(&fragOffset) ||
		!s.ReadUint24(&fragLen) {
		return 0, 0, nil, errBadHandshake
	}
	if fragOffset != 0 || fragLen != length || uint32(len(s)) != length {
		return 0, 0, nil, errBadHandshake
	}
	return byte(typ), seq, []byte(s), nil
}

func buildServerHello(random [randomLen]byte, sessionID []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(254) // DTLS 1.0-compatible version major (legacy {254,255} encoding)
	b.AddUint8(255)
	b.AddBytes(random[:])
	b.AddUint8LengthPrefixed(func(s *cryptobyte.Builder) { s.AddBytes(sessionID) })
	b.AddUint16(0xFFFF) // cipher suite id: unused placeholder, CipherSuiteName is advertised out of band over HTTP
	b.AddUint8(0)       // compression: null
	return b.BytesOrPanic()
}

func buildChangeCipherSpecBody() []byte {
	return []byte{1}
}

// parseClientHello extracts the client random from a ClientHello body;
// this worker never looks at the proposed session id, cookie, cipher
// suite list, or compression methods it carries, since the cipher
// suite and session are both already fixed by the time a connection
// reaches this stage (out of band, over the TLS control channel).
func parseClientHello(body []byte) (random [randomLen]byte, err error) {
	s := cryptobyte.String(body)
	var versionMajor, versionMinor uint8
	var r []byte
	if !s.ReadUint8(&versionMajor) || !s.ReadUint8(&versionMinor) || !s.ReadBytes(&r, randomLen) {
		return random, errBadHandshake
	}
	copy(random[:], r)
	return random, nil
}

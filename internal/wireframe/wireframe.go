// Package wireframe implements the CSTP and DTLS packet framing codec
// (spec component A): an 8-byte length-prefixed header over the TLS
// channel, and a 1-byte header over the unreliable DTLS/UDP channel.
//
// Header encoding uses cryptobyte.Builder, the same binary-builder type
// the teacher's DTLS record layer reaches for (see dtlssession), since a
// fixed, length-prefixed record is exactly what it is for.
package wireframe

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// PacketType identifies the payload carried by a frame.
type PacketType byte

// Packet types understood by both CSTP and DTLS framing. Values match
// the wire constants of the AnyConnect-compatible protocol this worker
// speaks.
const (
	PacketData       PacketType = 0x00
	PacketDPDOut     PacketType = 0x03
	PacketDPDResp    PacketType = 0x04
	PacketDisconnect PacketType = 0x05
	PacketKeepalive  PacketType = 0x07
	PacketTermServer PacketType = 0x08
)

// String gives a short name for logging; unknown types print
// "UNKNOWN".
func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "DATA"
	case PacketDPDOut:
		return "DPD_OUT"
	case PacketDPDResp:
		return "DPD_RESP"
	case PacketDisconnect:
		return "DISCONN"
	case PacketKeepalive:
		return "KEEPALIVE"
	case PacketTermServer:
		return "TERM_SERVER"
	default:
		return "UNKNOWN"
	}
}

// CSTP frame layout constants.
const (
	cstpMagic0  = 'S'
	cstpMagic1  = 'T'
	cstpMagic2  = 'F'
	cstpVersion = 0x01
	// HeaderLen is the fixed CSTP header size.
	HeaderLen = 8
)

// Framing errors. The data-plane loop ends the connection on a CSTP
// framing error and logs and drops a DTLS datagram that fails to decode.
var (
	ErrTooShort  = errors.New("wireframe: frame shorter than header")
	ErrBadMagic  = errors.New("wireframe: bad CSTP magic or version")
	ErrBadLength = errors.New("wireframe: claimed length does not match available bytes")
)

// EncodeCSTP builds a full CSTP frame: `STF\x01` + big-endian u16 length
// + packet type + reserved byte + payload.
func EncodeCSTP(typ PacketType, payload []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(cstpMagic0)
	b.AddUint8(cstpMagic1)
	b.AddUint8(cstpMagic2)
	b.AddUint8(cstpVersion)
	b.AddUint16(uint16(len(payload)))
	b.AddUint8(uint8(typ))
	b.AddUint8(0) // reserved
	b.AddBytes(payload)
	return b.BytesOrPanic()
}

// DecodeCSTP parses a single CSTP frame out of buf. Per spec §9's Open
// Question, this assumes one frame per TLS record/read (a real
// implementation that needs to consume multiple frames batched into one
// TLS record should loop DecodeCSTP over the remainder).
func DecodeCSTP(buf []byte) (typ PacketType, payload []byte, err error) {
	if len(buf) < HeaderLen {
		return 0, nil, ErrTooShort
	}
	s := cryptobyte.String(buf)
	var m0, m1, m2, version, reserved uint8
	var length uint16
	var rawTyp uint8
	if !s.ReadUint8(&m0) || !s.ReadUint8(&m1) || !s.ReadUint8(&m2) ||
		!s.ReadUint8(&version) || !s.ReadUint16(&length) ||
		!s.ReadUint8(&rawTyp) || !s.ReadUint8(&reserved) {
		return 0, nil, ErrTooShort
	}
	if m0 != cstpMagic0 || m1 != cstpMagic1 || m2 != cstpMagic2 || version != cstpVersion {
		return 0, nil, ErrBadMagic
	}
	if int(length) != len(s) || len(buf) != HeaderLen+int(length) {
		return 0, nil, ErrBadLength
	}
	return PacketType(rawTyp), buf[HeaderLen:], nil
}

// EncodeDTLS builds a DTLS-channel frame: a single type byte followed by
// the payload. Length is implicit from the datagram, so no length field
// is encoded.
func EncodeDTLS(typ PacketType, payload []byte) []byte {
	var b cryptobyte.Builder
	b.AddUint8(uint8(typ))
	b.AddBytes(payload)
	return b.BytesOrPanic()
}

// DecodeDTLS parses a DTLS-channel frame out of a single datagram.
func DecodeDTLS(buf []byte) (typ PacketType, payload []byte, err error) {
	if len(buf) < 1 {
		return 0, nil, ErrTooShort
	}
	return PacketType(buf[0]), buf[1:], nil
}

// DPDResponseCSTP returns the full 8-byte CSTP frame for a DPD response.
// The original C source emits a 7-byte sequence here (`STF 01 00 00 04
// 00`, missing the trailing reserved byte) — spec §9 flags this as a
// transcription bug, not intended behaviour; this implementation emits
// the complete 8-byte frame.
func DPDResponseCSTP() []byte {
	return EncodeCSTP(PacketDPDResp, nil)
}

// DPDResponseDTLS returns the 1-byte DTLS-channel DPD response frame.
func DPDResponseDTLS() []byte {
	return EncodeDTLS(PacketDPDResp, nil)
}

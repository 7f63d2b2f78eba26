package dtlssession

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// Legacy DTLS v0.9 content types. Numerically identical to the
// IETF-standard ones this worker otherwise ignores; handshake and
// application_data are produced and consumed, change_cipher_spec is
// only produced (in the server's first flight).
const (
	contentChangeCipherSpec byte = 20
	contentHandshake        byte = 22
	contentApplicationData  byte = 23
)

// recordHeaderLen is the fixed DTLS record header: 1-byte content type,
// 2-byte version, 2-byte epoch, 6-byte sequence number, 2-byte length.
// Grounded on the teacher's dtlsRecordHeaderLen split of the same wire
// layout.
const recordHeaderLen = 1 + 2 + 2 + 6 + 2

var (
	errShortRecord = errors.New("dtlssession: record shorter than header")
	errBadRecord   = errors.New("dtlssession: record length mismatch")
	errBadMAC      = errors.New("dtlssession: record MAC verification failed")
	errBadPadding  = errors.New("dtlssession: record padding invalid")
)

// direction carries the keys and rolling sequence counter for one
// traffic direction (client->server or server->client) after the
// handshake has installed session keys.
type direction struct {
	block   cipher.Block
	mac     func([]byte) []byte
	epoch   uint16
	seq     uint64 // low 48 bits significant
	version [2]byte
}

func newDirection(key, macKey []byte, epoch uint16, version [2]byte) (*direction, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &direction{block: block, mac: newHMAC(macKey), epoch: epoch, version: version}, nil
}

// sealRecord builds one ciphertext DTLS record for contentType carrying
// plaintext, encrypting under CBC with an explicit random IV and a
// MAC-then-pad-then-encrypt construction (TLS 1.0-era CBC, not the
// encrypt-then-MAC variant later specs introduced).
func (d *direction) sealRecord(contentType byte, plaintext []byte) []byte {
	seqBytes := seq48(d.seq)
	d.seq++

	macInput := make([]byte, 0, 2+2+6+2+len(plaintext))
	macInput = append(macInput, byteOf(d.epoch>>8), byteOf(d.epoch))
	macInput = append(macInput, seqBytes[:]...)
	macInput = append(macInput, contentType, d.version[0], d.version[1])
	macInput = appendUint16(macInput, uint16(len(plaintext)))
	macInput = append(macInput, plaintext...)
	mac := d.mac(macInput)

	payload := append(append([]byte{}, plaintext...), mac...)
	padLen := ivLen - (len(payload)+1)%ivLen
	if padLen == 0 {
		padLen = ivLen
	}
	for i := 0; i <= padLen; i++ {
		payload = append(payload, byte(padLen))
	}

	iv := make([]byte, ivLen)
	_, _ = rand.Read(iv)
	ciphertext := make([]byte, len(payload))
	cipher.NewCBCEncrypter(d.block, iv).CryptBlocks(ciphertext, payload)

	var b cryptobyte.Builder
	b.AddUint8(contentType)
	b.AddBytes(d.version[:])
	b.AddUint16(d.epoch)
	b.AddBytes(seqBytes[:])
	b.AddUint16LengthPrefixed(func(body *cryptobyte.Builder) {
		body.AddBytes(iv)
		body.AddBytes(ciphertext)
	})
	return b.BytesOrPanic()
}

// openRecord reverses sealRecord, verifying the MAC and padding before
// returning the content type and plaintext.
func (d *direction) openRecord(record []byte) (byte, []byte, error) {
	s := cryptobyte.String(record)
	var contentType uint8
	var version [2]byte
	var epoch uint16
	var seqBytes []byte
	var fragment cryptobyte.String
	if !s.ReadUint8(&contentType) ||
		!s.ReadBytes(&version, 2) ||
		!s.ReadUint16(&epoch) ||
		!s.ReadBytes(&seqBytes, 6) ||
		!s.ReadUint16LengthPrefixed(&fragment) ||
		!s.Empty() {
		return 0, nil, errShortRecord
	}
	if len(fragment) < ivLen+macLen+1 {
		return 0, nil, errBadRecord
	}
	iv := []byte(fragment[:ivLen])
	ciphertext := []byte(fragment[ivLen:])
	if len(ciphertext)%ivLen != 0 {
		return 0, nil, errBadRecord
	}

	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(d.block, iv).CryptBlocks(plainPadded, ciphertext)

	padLen := int(plainPadded[len(plainPadded)-1])
	if padLen+1 > len(plainPadded) {
		return 0, nil, errBadPadding
	}
	for _, b := range plainPadded[len(plainPadded)-padLen-1:] {
		if int(b) != padLen {
			return 0, nil, errBadPadding
		}
	}
	unpadded := plainPadded[:len(plainPadded)-padLen-1]
	if len(unpadded) < macLen {
		return 0, nil, errBadRecord
	}
	plaintext := unpadded[:len(unpadded)-macLen]
	gotMAC := unpadded[len(unpadded)-macLen:]

	macInput := make([]byte, 0, 2+6+1+2+2+len(plaintext))
	macInput = append(macInput, byteOf(epoch>>8), byteOf(epoch))
	macInput = append(macInput, seqBytes...)
	macInput = append(macInput, contentType, version[0], version[1])
	macInput = appendUint16(macInput, uint16(len(plaintext)))
	macInput = append(macInput, plaintext...)
	wantMAC := d.mac(macInput)
	if subtle.ConstantTimeCompare(gotMAC, wantMAC) != 1 {
		return 0, nil, errBadMAC
	}
	return contentType, plaintext, nil
}

// parsePlaintextRecord reads a record under epoch 0 before any cipher
// state exists — the only place this worker ever trusts an unencrypted
// DTLS record, since the client's first flight (ClientHello) has
// nothing to be encrypted under yet.
func parsePlaintextRecord(record []byte) (contentType byte, fragment []byte, err error) {
	s := cryptobyte.String(record)
	var typ uint8
	var version [2]byte
	var epoch uint16
	var seqBytes []byte
	var body cryptobyte.String
	if !s.ReadUint8(&typ) ||
		!s.ReadBytes(&version, 2) ||
		!s.ReadUint16(&epoch) ||
		!s.ReadBytes(&seqBytes, 6) ||
		!s.ReadUint16LengthPrefixed(&body) ||
		!s.Empty() {
		return 0, nil, errShortRecord
	}
	return byte(typ), []byte(body), nil
}

func seq48(seq uint64) [6]byte {
	var out [6]byte
	out[0] = byte(seq >> 40)
	out[1] = byte(seq >> 32)
	out[2] = byte(seq >> 24)
	out[3] = byte(seq >> 16)
	out[4] = byte(seq >> 8)
	out[5] = byte(seq)
	return out
}

func byteOf(v uint16) byte { return byte(v) }

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

// Package dtlssession builds the resumed DTLS server session described
// in spec component D: legacy DTLS v0.9, RSA key exchange skipped in
// favour of a premaster handed over the TLS channel, AES-128-CBC/SHA-1,
// no compression, renegotiation disabled, client certificates ignored.
//
// No DTLS stack in the retrieval pack (pion/dtls, censys-oss/dtls,
// crypto/tls) implements this: they all speak modern, IETF-standard
// handshakes and none accept an externally supplied premaster in place
// of a key exchange. This package is therefore a from-scratch record
// layer and abbreviated-handshake state machine, directly grounded on
// the decomposition of the teacher's ssl/test/runner/dtls.go (its own
// "not even remotely production quality" DTLS implementation): separate
// record-header read/write, handshake fragment reassembly, and a pack/
// flush split between building a record and writing it to the wire.
package dtlssession

import (
	"crypto/hmac"
	"crypto/sha1"
)

// CipherSuiteName is the bare, peer-compatible cipher suite name
// advertised in X-DTLS-CipherSuite (spec §4.D, §4.F). It names a
// wire-compatibility string, not a negotiated TLS suite identifier.
const CipherSuiteName = "AES128-SHA"

const (
	keyLen = 16 // AES-128
	macLen = sha1.Size
	ivLen  = 16 // AES block size
)

// newHMAC returns a keyed HMAC-SHA1 function bound to macKey, used both
// for per-record MAC computation and for the Finished message's
// verify_data.
func newHMAC(macKey []byte) func([]byte) []byte {
	return func(data []byte) []byte {
		h := hmac.New(sha1.New, macKey)
		h.Write(data)
		return h.Sum(nil)
	}
}

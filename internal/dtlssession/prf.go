package dtlssession

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"hash"
)

// pHash implements the TLS 1.0/1.1-era P_hash construction: an
// arbitrary-length keyed expansion built from repeated HMAC application.
// This predates HKDF (RFC 5869) by years and is not implemented by any
// maintained cryptography package in the pack's dependency set — every
// DTLS/TLS stack retrieved (pion/dtls, censys-oss/dtls, crypto/tls,
// utls) targets TLS 1.2+ and has long since dropped it. crypto/hmac is
// the correct, and only, stdlib building block for it.
func pHash(newHash func() hash.Hash, secret, seed []byte, length int) []byte {
	out := make([]byte, 0, length)
	h := hmac.New(newHash, secret)
	h.Write(seed)
	a := h.Sum(nil)
	for len(out) < length {
		h := hmac.New(newHash, secret)
		h.Write(a)
		h.Write(seed)
		out = append(out, h.Sum(nil)...)

		h2 := hmac.New(newHash, secret)
		h2.Write(a)
		a = h2.Sum(nil)
	}
	return out[:length]
}

// prf12 is the legacy (pre-TLS-1.2) two-hash PRF: split the secret in
// half, run P_MD5 over one half and P_SHA1 over the other, and XOR the
// results together.
func prf12(secret, label, seed []byte, length int) []byte {
	full := append(append([]byte{}, label...), seed...)

	half := (len(secret) + 1) / 2
	s1 := secret[:half]
	s2 := secret[len(secret)-half:]

	md5Out := pHash(md5.New, s1, full, length)
	sha1Out := pHash(sha1.New, s2, full, length)

	out := make([]byte, length)
	for i := range out {
		out[i] = md5Out[i] ^ sha1Out[i]
	}
	return out
}

// masterSecretLen is the fixed length of a TLS/DTLS master secret.
const masterSecretLen = 48

// deriveMasterSecret expands the 48-byte premaster (handed over the TLS
// channel per spec §1/§4.D) into the master secret, exactly as a normal
// handshake would, substituting the premaster the client would otherwise
// have established via RSA key exchange.
func deriveMasterSecret(premaster, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte{}, clientRandom...), serverRandom...)
	return prf12(premaster, []byte("master secret"), seed, masterSecretLen)
}

// keyMaterial holds the per-direction keys derived from the master
// secret (spec's "key_block" expansion): MAC keys and write keys for
// both client-to-server and server-to-client directions. CBC record IVs
// are generated per record rather than derived here, matching the
// explicit-IV convention used once CBC's implicit chaining IV was found
// to be unsafe (RFC 5246 err6989) — a detail the legacy wire format this
// worker still has to interoperate with left undefined either way, so
// the safer modern convention is used.
type keyMaterial struct {
	clientMAC  []byte
	serverMAC  []byte
	clientKey  []byte
	serverKey  []byte
}

func deriveKeyMaterial(masterSecret, clientRandom, serverRandom []byte) keyMaterial {
	seed := append(append([]byte{}, serverRandom...), clientRandom...)
	need := 2*macLen + 2*keyLen
	block := prf12(masterSecret, []byte("key expansion"), seed, need)

	off := 0
	next := func(n int) []byte {
		b := block[off : off+n]
		off += n
		return b
	}
	return keyMaterial{
		clientMAC: next(macLen),
		serverMAC: next(macLen),
		clientKey: next(keyLen),
		serverKey: next(keyLen),
	}
}

// finishedVerifyData computes the Finished message's verify_data: the
// legacy PRF applied to the master secret, the fixed label, and a
// combined MD5+SHA1 digest of the handshake transcript so far.
func finishedVerifyData(masterSecret []byte, label string, transcript []byte) []byte {
	md5Sum := md5.Sum(transcript)
	sha1Sum := sha1.Sum(transcript)
	seed := append(append([]byte{}, md5Sum[:]...), sha1Sum[:]...)
	return prf12(masterSecret, []byte(label), seed, 12)
}

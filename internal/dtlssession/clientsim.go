package dtlssession

import "errors"

// ClientSim plays the client role of the abbreviated handshake purely
// in-memory. internal/dataplane's loop tests use it to drive a real,
// server-role Session through SETUP/HANDSHAKE/ACTIVE end to end
// without a second, independent DTLS implementation on the other end
// of the wire. It understands exactly this worker's legacy wire
// format and nothing more — it is not a general DTLS client.
type ClientSim struct {
	ClientRandom [randomLen]byte

	masterSecret []byte
	keys         keyMaterial
	transcript   []byte
	read, write  *direction
}

// NewClientSim generates a fresh client random, as a real peer would.
func NewClientSim() *ClientSim {
	return &ClientSim{ClientRandom: newRandom()}
}

// ClientHello returns the plaintext first flight a real peer would
// send; ReceiveClientHello only inspects the version and random
// fields, so the session id/cipher suite/compression fields are left
// empty.
func (c *ClientSim) ClientHello() []byte {
	body := make([]byte, 0, 2+randomLen+1)
	body = append(body, 254, 255)
	body = append(body, c.ClientRandom[:]...)
	body = append(body, 0) // empty legacy session id
	frag := buildHandshakeFragment(handshakeClientHello, 0, body)
	return wrapPlaintextHandshake(contentHandshake, [2]byte{254, 255}, 0, frag)
}

// Observe replays the server's initial flight (ServerHello,
// ServerHelloDone, ChangeCipherSpec, encrypted Finished — in that
// order, as returned by Session.PendingOutbound after BeginHandshake)
// to rebuild the same key material and transcript the server holds,
// verifies the server's Finished message, and returns the client's own
// Finished record for the server's Advance to verify in turn.
func (c *ClientSim) Observe(premaster []byte, flight [][]byte) ([]byte, error) {
	if len(flight) != 4 {
		return nil, errors.New("dtlssession: expected a 4-record initial flight")
	}

	_, helloFrag, err := parsePlaintextRecord(flight[0])
	if err != nil {
		return nil, err
	}
	_, doneFrag, err := parsePlaintextRecord(flight[1])
	if err != nil {
		return nil, err
	}
	typ, _, helloBody, err := parseHandshakeFragment(helloFrag)
	if err != nil || typ != handshakeServerHello {
		return nil, errors.New("dtlssession: expected a server hello fragment")
	}
	serverRandom, err := parseServerHelloRandom(helloBody)
	if err != nil {
		return nil, err
	}

	c.transcript = append(c.transcript, helloFrag...)
	c.transcript = append(c.transcript, doneFrag...)

	c.masterSecret = deriveMasterSecret(premaster, c.ClientRandom[:], serverRandom[:])
	c.keys = deriveKeyMaterial(c.masterSecret, c.ClientRandom[:], serverRandom[:])

	version := [2]byte{254, 255}
	c.read, err = newDirection(c.keys.serverKey, c.keys.serverMAC, 1, version)
	if err != nil {
		return nil, err
	}
	c.write, err = newDirection(c.keys.clientKey, c.keys.clientMAC, 1, version)
	if err != nil {
		return nil, err
	}

	_, finPlain, err := c.read.openRecord(flight[3])
	if err != nil {
		return nil, err
	}
	typ, _, finBody, err := parseHandshakeFragment(finPlain)
	if err != nil || typ != handshakeFinished {
		return nil, errors.New("dtlssession: expected a server finished fragment")
	}
	wantServerVerify := finishedVerifyData(c.masterSecret, "server finished", c.transcript)
	if !constantTimeEqual(finBody, wantServerVerify) {
		return nil, errors.New("dtlssession: server finished verify_data mismatch")
	}
	c.transcript = append(c.transcript, finPlain...)

	clientVerify := finishedVerifyData(c.masterSecret, "client finished", c.transcript)
	clientFinFrag := buildHandshakeFragment(handshakeFinished, 0, clientVerify)
	return c.write.sealRecord(contentHandshake, clientFinFrag), nil
}

// SealApplicationData encrypts payload under the client's write
// direction, for the server Session's Advance to decode.
func (c *ClientSim) SealApplicationData(payload []byte) []byte {
	return c.write.sealRecord(contentApplicationData, payload)
}

// OpenApplicationData decrypts a record sealed by the server
// Session's Encrypt under the client's read direction.
func (c *ClientSim) OpenApplicationData(record []byte) ([]byte, error) {
	contentType, plaintext, err := c.read.openRecord(record)
	if err != nil {
		return nil, err
	}
	if contentType != contentApplicationData {
		return nil, errors.New("dtlssession: expected an application data record")
	}
	return plaintext, nil
}

func parseServerHelloRandom(body []byte) ([randomLen]byte, error) {
	var random [randomLen]byte
	if len(body) < 2+randomLen {
		return random, errors.New("dtlssession: server hello too short")
	}
	copy(random[:], body[2:2+randomLen])
	return random, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

package dtlssession

import (
	"bytes"
	"testing"
)

// testClient plays the client role of the abbreviated handshake purely
// in-memory, so the server-role Session above can be exercised without
// a real network peer or a second, independent DTLS implementation.
type testClient struct {
	clientRandom [randomLen]byte
	masterSecret []byte
	keys         keyMaterial
	transcript   []byte
	read, write  *direction
}

func newTestClient() *testClient {
	return &testClient{clientRandom: newRandom()}
}

// observe replays the server's plaintext flight (ServerHello,
// ServerHelloDone, ChangeCipherSpec) and its encrypted Finished record
// to rebuild the same key material and transcript the server holds,
// then returns the client's own Finished record for the server to
// verify.
func (c *testClient) observe(t *testing.T, premaster []byte, flight [][]byte) []byte {
	t.Helper()
	if len(flight) != 4 {
		t.Fatalf("expected 4 records in initial flight, got %d", len(flight))
	}

	_, helloBody, err := parseRecordBody(flight[0])
	if err != nil {
		t.Fatalf("parse server hello record: %v", err)
	}
	serverRandom, sessionID := parseServerHello(t, helloBody)

	_, doneBody, err := parseRecordBody(flight[1])
	if err != nil {
		t.Fatalf("parse server hello done record: %v", err)
	}
	c.transcript = append(c.transcript, helloBody...)
	c.transcript = append(c.transcript, doneBody...)

	c.masterSecret = deriveMasterSecret(premaster, c.clientRandom[:], serverRandom[:])
	c.keys = deriveKeyMaterial(c.masterSecret, c.clientRandom[:], serverRandom[:])

	version := [2]byte{254, 255}
	var derr error
	c.read, derr = newDirection(c.keys.serverKey, c.keys.serverMAC, 1, version)
	if derr != nil {
		t.Fatalf("new read direction: %v", derr)
	}
	c.write, derr = newDirection(c.keys.clientKey, c.keys.clientMAC, 1, version)
	if derr != nil {
		t.Fatalf("new write direction: %v", derr)
	}

	_, finPlain, err := c.read.openRecord(flight[3])
	if err != nil {
		t.Fatalf("open server finished record: %v", err)
	}
	typ, _, body, err := parseHandshakeFragment(finPlain)
	if err != nil || typ != handshakeFinished {
		t.Fatalf("expected server finished fragment: typ=%v err=%v", typ, err)
	}
	wantServerVerify := finishedVerifyData(c.masterSecret, "server finished", c.transcript)
	if !bytes.Equal(body, wantServerVerify) {
		t.Fatalf("server finished verify_data mismatch")
	}
	c.transcript = append(c.transcript, finPlain...)

	_ = sessionID
	clientVerify := finishedVerifyData(c.masterSecret, "client finished", c.transcript)
	clientFinFrag := buildHandshakeFragment(handshakeFinished, 0, clientVerify)
	return c.write.sealRecord(contentHandshake, clientFinFrag)
}

func parseRecordBody(record []byte) (byte, []byte, error) {
	return (&direction{}).openPlaintextForTest(record)
}

// openPlaintextForTest extracts a content type and fragment body from a
// still-plaintext (epoch 0) record without requiring installed keys.
func (d *direction) openPlaintextForTest(record []byte) (byte, []byte, error) {
	if len(record) < recordHeaderLen {
		return 0, nil, errShortRecord
	}
	contentType := record[0]
	length := int(record[11])<<8 | int(record[12])
	if len(record) != recordHeaderLen+length {
		return 0, nil, errBadRecord
	}
	return contentType, record[recordHeaderLen:], nil
}

func parseServerHello(t *testing.T, body []byte) ([randomLen]byte, []byte) {
	t.Helper()
	typ, _, hello, err := parseHandshakeFragment(body)
	if err != nil || typ != handshakeServerHello {
		t.Fatalf("expected server hello fragment: typ=%v err=%v", typ, err)
	}
	if len(hello) < 2+randomLen+1 {
		t.Fatalf("server hello too short")
	}
	var random [randomLen]byte
	copy(random[:], hello[2:2+randomLen])
	sessIDLen := int(hello[2+randomLen])
	sessionID := hello[2+randomLen+1 : 2+randomLen+1+sessIDLen]
	return random, sessionID
}

func TestAbbreviatedHandshakeCompletes(t *testing.T) {
	premaster := bytes.Repeat([]byte{0x11}, masterSecretLen)
	srv, err := NewServerSession(premaster, 1400)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}

	client := newTestClient()
	if err := srv.BeginHandshake(client.clientRandom); err != nil {
		t.Fatalf("BeginHandshake: %v", err)
	}
	flight := srv.PendingOutbound()

	clientFinRecord := client.observe(t, premaster, flight)

	result, err := srv.Advance(clientFinRecord)
	if err != nil {
		t.Fatalf("Advance(client finished): %v", err)
	}
	if result != Complete {
		t.Fatalf("expected Complete, got %v", result)
	}
	if !srv.Active() {
		t.Fatalf("expected session to be active")
	}
}

func TestApplicationDataRoundTrip(t *testing.T) {
	premaster := bytes.Repeat([]byte{0x22}, masterSecretLen)
	srv, err := NewServerSession(premaster, 1400)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	client := newTestClient()
	if err := srv.BeginHandshake(client.clientRandom); err != nil {
		t.Fatalf("BeginHandshake: %v", err)
	}
	clientFinRecord := client.observe(t, premaster, srv.PendingOutbound())
	if _, err := srv.Advance(clientFinRecord); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	payload := []byte("tunnel packet payload")
	result, record := srv.Encrypt(payload)
	if result != Data {
		t.Fatalf("expected Data from Encrypt, got %v", result)
	}

	// The client decrypts with its own read direction, which is keyed
	// with the server's write keys — exactly what a real peer would do.
	_, got, err := client.read.openRecord(record)
	if err != nil {
		t.Fatalf("client failed to open server's application record: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got, payload)
	}

	clientPayload := []byte("client upstream packet")
	clientRecord := client.write.sealRecord(contentApplicationData, clientPayload)
	result, err2 := srv.Advance(clientRecord)
	if err2 != nil {
		t.Fatalf("server failed to open client's application record: %v", err2)
	}
	if result != Data {
		t.Fatalf("expected Data, got %v", result)
	}
	if !bytes.Equal(srv.LastPayload(), clientPayload) {
		t.Fatalf("server payload mismatch: got %q want %q", srv.LastPayload(), clientPayload)
	}
}

func TestEncryptReportsLargePacket(t *testing.T) {
	premaster := bytes.Repeat([]byte{0x33}, masterSecretLen)
	srv, err := NewServerSession(premaster, 64)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	client := newTestClient()
	srv.SetMTU(1400)
	if err := srv.BeginHandshake(client.clientRandom); err != nil {
		t.Fatalf("BeginHandshake: %v", err)
	}
	clientFinRecord := client.observe(t, premaster, srv.PendingOutbound())
	if _, err := srv.Advance(clientFinRecord); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	srv.SetMTU(48) // smaller than a sealed record can ever be
	result, record := srv.Encrypt(make([]byte, 64))
	if result != LargePacket {
		t.Fatalf("expected LargePacket, got %v", result)
	}
	if record != nil {
		t.Fatalf("expected nil record on LargePacket")
	}
}

func TestBeginHandshakeTooSmallMTU(t *testing.T) {
	premaster := bytes.Repeat([]byte{0x44}, masterSecretLen)
	srv, err := NewServerSession(premaster, 8)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	client := newTestClient()
	if err := srv.BeginHandshake(client.clientRandom); err != ErrHandshakeTooLarge {
		t.Fatalf("expected ErrHandshakeTooLarge, got %v", err)
	}
}

func TestAdvanceRejectsBadFinished(t *testing.T) {
	premaster := bytes.Repeat([]byte{0x55}, masterSecretLen)
	srv, err := NewServerSession(premaster, 1400)
	if err != nil {
		t.Fatalf("NewServerSession: %v", err)
	}
	client := newTestClient()
	if err := srv.BeginHandshake(client.clientRandom); err != nil {
		t.Fatalf("BeginHandshake: %v", err)
	}
	flight := srv.PendingOutbound()
	client.observe(t, premaster, flight)

	forged := client.write.sealRecord(contentHandshake, buildHandshakeFragment(handshakeFinished, 0, []byte("not the right verify data!!")))
	if _, err := srv.Advance(forged); err != ErrFatal {
		t.Fatalf("expected ErrFatal for forged finished, got %v", err)
	}
}

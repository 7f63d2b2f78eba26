package negotiate

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/anyconnectd/worker/internal/external"
	"github.com/anyconnectd/worker/internal/httpphase"
	"github.com/anyconnectd/worker/internal/workerconfig"
)

type fakeCookies struct{ err error }

func (f fakeCookies) AuthCookie(ctx context.Context, cookie [external.CookieSize]byte) error {
	return f.err
}

type fakeVPNInfo struct {
	info *external.VPNInfo
	err  error
}

func (f fakeVPNInfo) RuntimeVPNInfo(ctx context.Context) (*external.VPNInfo, error) {
	return f.info, f.err
}

func baseNegotiator() *Negotiator {
	return &Negotiator{
		Cookies: fakeCookies{},
		VPNInfo: fakeVPNInfo{info: &external.VPNInfo{MTU: 1500, IPv4: "10.0.0.2"}},
		Config:  &workerconfig.Config{DPD: 30, Keepalive: 20, CookieValidity: 86400, UDPPort: 443},
	}
}

func TestNegotiateFullTunnelWithoutDTLS(t *testing.T) {
	n := baseNegotiator()
	req := &httpphase.Request{Method: httpphase.MethodConnect, URL: httpphase.PathTunnel, CookieSet: true}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	result, err := n.Negotiate(context.Background(), req, w, false, nil, false)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if result.DTLSable {
		t.Fatalf("expected DTLS to be unavailable without a master secret")
	}
	if result.TLSMTU != 1492 { // vinfo.mtu=1500 - 8
		t.Fatalf("expected tls_mtu 1492, got %d", result.TLSMTU)
	}
	out := buf.String()
	if !bytes.Contains([]byte(out), []byte("200 CONNECTED")) {
		t.Fatalf("expected 200 CONNECTED, got %q", out)
	}
	if bytes.Contains([]byte(out), []byte("X-DTLS-")) {
		t.Fatalf("did not expect any X-DTLS- headers, got %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("X-CSTP-MTU: 1492")) {
		t.Fatalf("expected X-CSTP-MTU: 1492, got %q", out)
	}
}

func TestNegotiateWithDTLSMasterSecret(t *testing.T) {
	n := baseNegotiator()
	req := &httpphase.Request{
		Method: httpphase.MethodConnect, URL: httpphase.PathTunnel,
		CookieSet: true, MasterSecretSet: true, DTLSMTU: 1400,
	}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	result, err := n.Negotiate(context.Background(), req, w, false, []byte{1, 2, 3, 4}, false)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !result.DTLSable {
		t.Fatalf("expected DTLS to be available")
	}
	want := minInt(1500-OverheadIPv4, minInt(bufferSize-1, 1400))
	if result.DTLSMTU != want {
		t.Fatalf("expected dtls_mtu %d, got %d", want, result.DTLSMTU)
	}
	if !bytes.Contains(buf.Bytes(), []byte("X-DTLS-CipherSuite: AES128-SHA")) {
		t.Fatalf("expected cipher suite header, got %q", buf.String())
	}
}

func TestNegotiateDTLSMTUOverheadFollowsPeerFamilyNotTunnelFamily(t *testing.T) {
	n := baseNegotiator()
	n.VPNInfo = fakeVPNInfo{info: &external.VPNInfo{MTU: 1500, IPv4: "10.0.0.2"}}
	req := &httpphase.Request{
		Method: httpphase.MethodConnect, URL: httpphase.PathTunnel,
		CookieSet: true, MasterSecretSet: true,
	}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	result, err := n.Negotiate(context.Background(), req, w, false, []byte{1}, true)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if want := minInt(1500-OverheadIPv6, bufferSize-1); result.DTLSMTU != want {
		t.Fatalf("expected IPv6 peer overhead to apply despite IPv4-only tunnel, want %d got %d", want, result.DTLSMTU)
	}
}

func TestNegotiateNoCookieRefuses503(t *testing.T) {
	n := baseNegotiator()
	req := &httpphase.Request{Method: httpphase.MethodConnect, URL: httpphase.PathTunnel}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if _, err := n.Negotiate(context.Background(), req, w, false, nil, false); err != ErrNoCookie {
		t.Fatalf("expected ErrNoCookie, got %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("503")) {
		t.Fatalf("expected 503 response, got %q", buf.String())
	}
}

func TestNegotiateWrongPathReturns404(t *testing.T) {
	n := baseNegotiator()
	req := &httpphase.Request{Method: httpphase.MethodConnect, URL: "/not/tunnel", CookieSet: true}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if _, err := n.Negotiate(context.Background(), req, w, false, nil, false); err != ErrWrongPath {
		t.Fatalf("expected ErrWrongPath, got %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte("404")) {
		t.Fatalf("expected 404 response, got %q", buf.String())
	}
}

func TestNegotiateCancelsAuthTimeoutOnlyOnSuccess(t *testing.T) {
	n := baseNegotiator()
	canceled := false
	n.CancelAuthTimeout = func() { canceled = true }
	req := &httpphase.Request{Method: httpphase.MethodConnect, URL: httpphase.PathTunnel, CookieSet: true}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if _, err := n.Negotiate(context.Background(), req, w, false, nil, false); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !canceled {
		t.Fatalf("expected auth timeout to be cancelled on successful cookie auth")
	}

	failing := baseNegotiator()
	failing.Cookies = fakeCookies{err: errors.New("cookie rejected")}
	canceled = false
	failing.CancelAuthTimeout = func() { canceled = true }
	var failBuf bytes.Buffer
	if _, err := failing.Negotiate(context.Background(), req, bufio.NewWriter(&failBuf), false, nil, false); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if canceled {
		t.Fatalf("expected auth timeout to stay armed when cookie auth fails")
	}
}

func TestNegotiateNoVPNInfoReturns503(t *testing.T) {
	n := baseNegotiator()
	n.VPNInfo = fakeVPNInfo{info: nil}
	req := &httpphase.Request{Method: httpphase.MethodConnect, URL: httpphase.PathTunnel, CookieSet: true}
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	if _, err := n.Negotiate(context.Background(), req, w, false, nil, false); err != ErrNoVPNInfo {
		t.Fatalf("expected ErrNoVPNInfo, got %v", err)
	}
}

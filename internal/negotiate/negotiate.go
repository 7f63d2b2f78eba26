// Package negotiate implements the tunnel negotiator (spec component
// F): turning an authenticated CONNECT into the "200 CONNECTED"
// response carrying CSTP/DTLS parameters, and deriving the TLS/DTLS
// MTUs from runtime VPN info.
package negotiate

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/anyconnectd/worker/internal/external"
	"github.com/anyconnectd/worker/internal/httpphase"
	"github.com/anyconnectd/worker/internal/workerconfig"
)

// bufferSize mirrors the fixed-size packet buffer the MTU derivation
// formulas (spec §4.F) are expressed against.
const bufferSize = 16384

// Overhead accounts for the IP header plus the 1-byte DTLS frame header,
// depending on address family (spec §4.F: "21 (IPv4) or 41 (IPv6)").
const (
	OverheadIPv4 = 21
	OverheadIPv6 = 41
)

var (
	// ErrNoCookie means the CONNECT arrived without a cookie; the
	// caller must answer 503 and fatally close (spec §4.F step 1).
	ErrNoCookie = errors.New("negotiate: no cookie presented")
	// ErrAuthFailed means the cookie oracle rejected the cookie.
	ErrAuthFailed = errors.New("negotiate: cookie authentication failed")
	// ErrWrongPath means the CONNECT target was not /CSCOSSLC/tunnel.
	ErrWrongPath = errors.New("negotiate: unexpected CONNECT path")
	// ErrNoVPNInfo means the VPN info oracle had nothing to offer
	// (spec §4.F step 5: "503 Server configuration error").
	ErrNoVPNInfo = errors.New("negotiate: no runtime VPN info available")
)

// Result carries the negotiated MTUs and DTLS readiness back to the
// caller so it can seed the MTU controller and DTLS session factory
// (components D and E).
type Result struct {
	TLSMTU   int
	DTLSMTU  int
	DTLSable bool
}

// Negotiator ties the cookie oracle, VPN info oracle, and config
// together to answer one CONNECT per spec §4.F.
type Negotiator struct {
	Cookies external.CookieOracle
	VPNInfo external.VPNInfoOracle
	Config  *workerconfig.Config

	// CancelAuthTimeout is called exactly once, immediately after a
	// successful cookie check, per spec §4.F step 3 / §4.I ("cancelled
	// the moment cookie authentication succeeds inside CONNECT").
	CancelAuthTimeout func()

	// SessionID and master secret are supplied by the caller (the
	// worker already knows whether the request set them); this package
	// only decides what headers to emit, not how the DTLS session
	// itself is constructed (component D's job).
}

// Negotiate validates req, fetches runtime VPN info, and writes the
// "200 CONNECTED" response (or an error status) to w, a buffered
// writer over the TLS connection. Flushing happens exactly once, at
// the end of a successful negotiation, matching tls_cork/tls_uncork's
// single coalesced write. sessionID is the DTLS session id component D
// has already generated when req.MasterSecretSet is true; it is
// ignored otherwise. peerIPv6 is whether the TLS connection itself
// arrived over IPv6, used only to resolve the DTLS MTU's IP-header
// overhead (see deriveDTLSMTU) — independent of which address family
// gets assigned to the tunnel.
func (n *Negotiator) Negotiate(ctx context.Context, req *httpphase.Request, w *bufio.Writer, alreadyAuthed bool, sessionID []byte, peerIPv6 bool) (*Result, error) {
	if !req.CookieSet && !alreadyAuthed {
		writeStatus(w, 503, "Server unavailable")
		return nil, ErrNoCookie
	}

	if !alreadyAuthed {
		if err := n.Cookies.AuthCookie(ctx, req.Cookie); err != nil {
			writeStatus(w, 503, "Server unavailable")
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
	}
	if n.CancelAuthTimeout != nil {
		n.CancelAuthTimeout()
	}

	if req.URL != httpphase.PathTunnel {
		writeStatus(w, 404, "Not Found")
		return nil, ErrWrongPath
	}

	vinfo, err := n.VPNInfo.RuntimeVPNInfo(ctx)
	if err != nil || vinfo == nil {
		writeStatus(w, 503, "Server configuration error")
		return nil, ErrNoVPNInfo
	}

	tlsMTU := deriveTLSMTU(vinfo, req)
	dtlsable := req.MasterSecretSet
	dtlsMTU := 0
	if dtlsable {
		dtlsMTU = deriveDTLSMTU(vinfo, req, peerIPv6)
	}

	if err := n.writeHeaders(w, vinfo, tlsMTU, dtlsMTU, dtlsable, sessionID); err != nil {
		return nil, err
	}

	return &Result{TLSMTU: tlsMTU, DTLSMTU: dtlsMTU, DTLSable: dtlsable}, nil
}

// deriveTLSMTU implements spec §4.F: tls_mtu := min(vinfo.mtu-8,
// buffer_size-8, req.cstp_mtu if >0).
func deriveTLSMTU(vinfo *external.VPNInfo, req *httpphase.Request) int {
	mtu := vinfo.MTU - 8
	mtu = minInt(mtu, bufferSize-8)
	if req.CSTPMTU > 0 {
		mtu = minInt(mtu, req.CSTPMTU)
	}
	return mtu
}

// deriveDTLSMTU implements spec §4.F: dtls_mtu := min(vinfo.mtu -
// mtu_overhead, buffer_size-1, req.dtls_mtu if >0). The IPv4/IPv6
// overhead choice is keyed off the peer's transport family, not the
// tunnel address assigned by vinfo — the two can disagree (an
// IPv6-transport peer assigned an IPv4-only tunnel), and DTLS runs
// directly over the peer's UDP socket, so its IP header is the one
// that matters here. original_source/src/worker-vpn.c resolves the
// same ambiguity the same way, assuming IPv6-over-TCP implies
// IPv6-over-UDP.
func deriveDTLSMTU(vinfo *external.VPNInfo, req *httpphase.Request, peerIPv6 bool) int {
	overhead := OverheadIPv4
	if peerIPv6 {
		overhead = OverheadIPv6
	}
	mtu := vinfo.MTU - overhead
	mtu = minInt(mtu, bufferSize-1)
	if req.DTLSMTU > 0 {
		mtu = minInt(mtu, req.DTLSMTU)
	}
	return mtu
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func writeStatus(w *bufio.Writer, code int, reason string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\n\r\n", code, reason)
	w.Flush()
}

func (n *Negotiator) writeHeaders(w *bufio.Writer, vinfo *external.VPNInfo, tlsMTU, dtlsMTU int, dtlsable bool, sessionID []byte) error {
	fmt.Fprintf(w, "HTTP/1.1 200 CONNECTED\r\n")
	fmt.Fprintf(w, "X-CSTP-Version: 1\r\n")
	fmt.Fprintf(w, "X-CSTP-DPD: %d\r\n", n.Config.DPD)
	if vinfo.HasIPv4() {
		fmt.Fprintf(w, "X-CSTP-Address: %s\r\n", vinfo.IPv4)
		if vinfo.IPv4Netmask != "" {
			fmt.Fprintf(w, "X-CSTP-Netmask: %s\r\n", vinfo.IPv4Netmask)
		}
		if vinfo.IPv4DNS != "" {
			fmt.Fprintf(w, "X-CSTP-DNS: %s\r\n", vinfo.IPv4DNS)
		}
	}
	if vinfo.HasIPv6() {
		fmt.Fprintf(w, "X-CSTP-Address: %s\r\n", vinfo.IPv6)
		if vinfo.IPv6Netmask != "" {
			fmt.Fprintf(w, "X-CSTP-Netmask: %s\r\n", vinfo.IPv6Netmask)
		}
		if vinfo.IPv6DNS != "" {
			fmt.Fprintf(w, "X-CSTP-DNS: %s\r\n", vinfo.IPv6DNS)
		}
	}
	for _, route := range vinfo.Routes {
		fmt.Fprintf(w, "X-CSTP-Split-Include: %s\r\n", route)
	}
	fmt.Fprintf(w, "X-CSTP-Keepalive: %d\r\n", n.Config.Keepalive)
	fmt.Fprintf(w, "X-CSTP-MTU: %d\r\n", tlsMTU)
	fmt.Fprintf(w, "X-CSTP-Banner: Welcome\r\n")

	if dtlsable {
		fmt.Fprintf(w, "X-DTLS-Session-ID: %s\r\n", hex.EncodeToString(sessionID))
		fmt.Fprintf(w, "X-DTLS-DPD: %d\r\n", n.Config.DPD)
		fmt.Fprintf(w, "X-DTLS-Port: %d\r\n", n.Config.UDPPort)
		fmt.Fprintf(w, "X-DTLS-Rekey-Time: %d\r\n", 2*n.Config.CookieValidity/3)
		fmt.Fprintf(w, "X-DTLS-Keepalive: %d\r\n", n.Config.Keepalive)
		fmt.Fprintf(w, "X-DTLS-CipherSuite: AES128-SHA\r\n")
		fmt.Fprintf(w, "X-DTLS-MTU: %d\r\n", dtlsMTU)
	}

	fmt.Fprintf(w, "\r\n")
	return w.Flush()
}

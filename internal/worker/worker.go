// Package worker ties components A through I together for one
// connection: the HTTP control phase, the tunnel negotiator, the DTLS
// session factory, the MTU controller, and the data-plane loop, under
// the termination/watchdog seams and the supervisor command channel.
// cmd/anyconnectd-worker owns process setup (TLS handshake, descriptor
// inheritance); this package owns everything from "TLS handshake done"
// to "connection torn down".
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/anyconnectd/worker/internal/controlchan"
	"github.com/anyconnectd/worker/internal/dataplane"
	"github.com/anyconnectd/worker/internal/dtlssession"
	"github.com/anyconnectd/worker/internal/external"
	"github.com/anyconnectd/worker/internal/httpphase"
	"github.com/anyconnectd/worker/internal/lifecycle"
	"github.com/anyconnectd/worker/internal/mtu"
	"github.com/anyconnectd/worker/internal/negotiate"
	"github.com/anyconnectd/worker/internal/workerconfig"
	"github.com/anyconnectd/worker/internal/wirelog"
	"github.com/apex/log"
)

// Worker holds everything one forked connection needs: its
// configuration snapshot, the oracles it consults, and the four
// descriptors the supervisor handed it.
type Worker struct {
	Config  *workerconfig.Config
	Cookies external.CookieOracle
	VPNInfo external.VPNInfoOracle

	TLS dataplane.FdReaderWriter
	UDP dataplane.FdReaderWriter
	Tun dataplane.FdReaderWriter
	Cmd dataplane.FdReaderWriter

	// Peer is the remote address, of the form "host:port". It is
	// logged as-is and also parsed once, in runHTTPPhase, to resolve
	// the DTLS MTU overhead's IPv4/IPv6 ambiguity by transport family.
	Peer string

	// ExitFunc overrides lifecycle.Fatal's os.Exit call; tests set this
	// to observe a fatal exit without killing the test binary.
	ExitFunc func(code int)

	Logger *log.Logger
}

// Run drives one connection end to end per spec §2's control flow: the
// HTTP phase runs first (at most MaxHTTPRequests round trips), and a
// successful CONNECT /CSCOSSLC/tunnel transitions into the data-plane
// loop until shutdown. The TLS handshake itself has already happened
// by the time Run is called — that belongs to whatever accepted the
// socket and owns the certificate/key material.
func (w *Worker) Run(ctx context.Context) error {
	entry := w.entryFields(wirelog.ConnFields(w.Peer))

	term := lifecycle.NewTermination()
	defer term.Close()

	fatal := func(err error) error {
		lifecycle.Fatal(entry, err, w.ExitFunc)
		return err
	}

	if !w.Config.Valid() {
		writer := bufio.NewWriter(w.TLS)
		writeServiceUnavailable(writer)
		return fatal(errors.New("worker: no network configured"))
	}

	watchdog := lifecycle.ArmAuthWatchdog(
		time.Duration(w.Config.AuthTimeout)*time.Second,
		entry,
		func() { lifecycle.Fatal(entry, errors.New("worker: auth timeout expired"), w.ExitFunc) },
	)

	negResult, dtlsSession, err := w.runHTTPPhase(ctx, entry, watchdog)
	if err != nil {
		watchdog.Cancel()
		return fatal(err)
	}

	loop := dataplane.NewLoop(entry, w.TLS, w.UDP, w.Tun, w.Cmd, negResult.DTLSable)
	loop.DPDSeconds = w.Config.DPD
	loop.Control = controlchan.New(w.Cmd)
	loop.TLSMTU = negResult.TLSMTU
	loop.Terminated = term.Requested

	setter := &tunMTUSetter{loop: loop, tlsMTU: negResult.TLSMTU}
	loop.MTU = mtu.New(setter)

	if negResult.DTLSable {
		dtlsSession.SetMTU(negResult.DTLSMTU)
		loop.DTLS = dtlsSession
		loop.MTU.Set(negResult.DTLSMTU)
	}

	initialTunMTU := negResult.TLSMTU
	if negResult.DTLSable && negResult.DTLSMTU < initialTunMTU {
		initialTunMTU = negResult.DTLSMTU
	}
	if err := loop.Control.SendTunMTU(uint32(initialTunMTU)); err != nil {
		entry.WithError(err).Warn("failed to publish initial tun MTU")
	}

	if err := loop.Run(); err != nil {
		return fatal(err)
	}
	entry.Info("connection closed")
	return nil
}

// entryFields builds the connection's base log entry from Logger
// (cmd/anyconnectd-worker sets it; tests pass one with a discard
// handler), or from apex/log's package-level default logger when
// Logger is nil.
func (w *Worker) entryFields(fields log.Fields) *log.Entry {
	if w.Logger != nil {
		return w.Logger.WithFields(fields)
	}
	return log.WithFields(fields)
}

// runHTTPPhase implements spec components B/C: parse requests off the
// TLS stream and dispatch them through the closed URL table until
// CONNECT /CSCOSSLC/tunnel hands control to the data plane, the budget
// runs out, or the peer disconnects.
func (w *Worker) runHTTPPhase(ctx context.Context, entry *log.Entry, watchdog *lifecycle.AuthWatchdog) (*negotiate.Result, *dtlssession.Session, error) {
	reader := bufio.NewReader(w.TLS)
	writer := bufio.NewWriter(w.TLS)
	dispatcher := httpphase.NewDispatcher()

	negotiator := &negotiate.Negotiator{
		Cookies:           w.Cookies,
		VPNInfo:           w.VPNInfo,
		Config:            w.Config,
		CancelAuthTimeout: watchdog.Cancel,
	}

	var (
		negResult *negotiate.Result
		session   *dtlssession.Session
	)
	peerIPv6 := peerIsIPv6(w.Peer)

	dispatcher.Handle(httpphase.MethodConnect, httpphase.PathTunnel, func(req *httpphase.Request, hw *bufio.Writer) (httpphase.HandlerResult, error) {
		var sessionID []byte
		if req.MasterSecretSet {
			s, err := dtlssession.NewServerSession(req.MasterSecret[:], 0)
			if err != nil {
				return httpphase.ResultTakeover, fmt.Errorf("worker: building DTLS session: %w", err)
			}
			session = s
			sessionID = s.SessionID()
		}
		result, err := negotiator.Negotiate(ctx, req, hw, false, sessionID, peerIPv6)
		if err != nil {
			return httpphase.ResultTakeover, err
		}
		negResult = result
		return httpphase.ResultTakeover, nil
	})

	for {
		if dispatcher.BudgetExhausted() {
			return nil, nil, errors.New("worker: HTTP request budget exhausted")
		}

		req, err := httpphase.ParseRequest(reader)
		if err != nil {
			return nil, nil, fmt.Errorf("worker: parsing HTTP request: %w", err)
		}

		reenter, err := dispatcher.Dispatch(req, writer)
		if err != nil {
			return nil, nil, fmt.Errorf("worker: dispatching %s %s: %w", req.Method, req.URL, err)
		}
		if negResult != nil {
			entry.WithField("dtls_mtu", negResult.DTLSMTU).WithField("tls_mtu", negResult.TLSMTU).Info("tunnel negotiated")
			return negResult, session, nil
		}
		if !reenter {
			return nil, nil, errors.New("worker: HTTP phase ended without a tunnel")
		}
	}
}

func writeServiceUnavailable(w *bufio.Writer) {
	_, _ = w.WriteString("HTTP/1.1 503 Server configuration error\r\nContent-Length: 0\r\n\r\n")
	_ = w.Flush()
}

// tunMTUSetter implements mtu.Setter (component E's callback seam),
// applying a bisection result to both the live DTLS session and the
// tun device's published MTU (spec §4.E: "Tun MTU is the minimum of
// current DTLS and TLS MTUs").
type tunMTUSetter struct {
	loop   *dataplane.Loop
	tlsMTU int
}

func (s *tunMTUSetter) SetDTLSMTU(mtu int) {
	if s.loop.DTLS != nil {
		s.loop.DTLS.SetMTU(mtu)
	}
}

func (s *tunMTUSetter) PublishTunMTU(dtlsMTU int) {
	effective := dtlsMTU
	if s.tlsMTU < effective {
		effective = s.tlsMTU
	}
	if s.loop.Control == nil {
		return
	}
	if err := s.loop.Control.SendTunMTU(uint32(effective)); err != nil {
		s.loop.Entry.WithError(err).Warn("failed to publish tun MTU to supervisor")
	}
}

// peerIsIPv6 reports whether peer (a "host:port" remote address) is an
// IPv6 literal, used only to resolve the DTLS MTU overhead's IP-header
// ambiguity (negotiate.deriveDTLSMTU) — a peer string that fails to
// parse, including the empty string, is treated as IPv4.
func peerIsIPv6(peer string) bool {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.To4() == nil
}

// Command anyconnectd-worker services one accepted VPN connection end
// to end: TLS handshake, HTTP control phase, CONNECT negotiation, and
// the CSTP/DTLS data-plane loop. This binary is the standalone
// debug-run mode: it takes the four already-open descriptor numbers
// (TLS socket, UDP socket, tun device, command pipe) and the TLS
// material paths from flags and runs against the debug oracles. A
// supervisor builds workerconfig.Config itself and calls
// worker.Worker.Run in-process instead of executing this binary.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/anyconnectd/worker/internal/wirelog"
	"github.com/anyconnectd/worker/internal/worker"
	"github.com/anyconnectd/worker/internal/workerconfig"
)

func main() {
	cfg, flags, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "anyconnectd-worker:", err)
		os.Exit(2)
	}

	logger, err := wirelog.New(wirelog.Format(flags.logFormat), cfg.LogLevel, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "anyconnectd-worker:", err)
		os.Exit(2)
	}

	if cfg.PIDFile != "" {
		if err := writePIDFile(cfg.PIDFile); err != nil {
			logger.WithError(err).Warn("failed to write pidfile")
		}
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		logger.WithError(err).Fatal("building TLS config")
	}

	tlsConn, err := acceptTLS(cfg.Listen.TLSFd, tlsConfig)
	if err != nil {
		logger.WithError(err).Fatal("TLS handshake")
	}

	w := &worker.Worker{
		Config:  cfg,
		Cookies: debugCookieOracle{},
		VPNInfo: debugVPNInfoOracle{},
		TLS:     tlsConn,
		UDP:     newFdFile(cfg.Listen.UDPFd, "udp"),
		Tun:     newFdFile(cfg.Listen.TunFd, "tun"),
		Cmd:     newFdFile(cfg.Listen.CmdFd, "cmd"),
		Peer:    flags.peer,
		Logger:  logger,
	}

	if err := w.Run(context.Background()); err != nil {
		os.Exit(1)
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// buildTLSConfig loads the PEM material cmd/anyconnectd-worker is
// responsible for per SPEC_FULL.md §3 — the worker package itself
// never touches the filesystem.
func buildTLSConfig(cfg *workerconfig.Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   cfg.CertReq,
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.TLSCAFile != "" {
		pool, err := loadCAPool(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("loading CA pool: %w", err)
		}
		tlsConfig.ClientCAs = pool
	}
	return tlsConfig, nil
}

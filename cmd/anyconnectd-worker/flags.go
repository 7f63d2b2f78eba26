package main

import (
	"crypto/tls"
	"errors"

	getopt "github.com/pborman/getopt/v2"

	"github.com/anyconnectd/worker/internal/workerconfig"
)

// runtimeFlags holds the flags that never belong in workerconfig.Config
// (it is a supervisor-to-worker data contract; these are purely local
// to this process's invocation).
type runtimeFlags struct {
	peer      string
	logFormat string
}

// parseFlags builds a workerconfig.Config from the command line, for
// the standalone debug-run mode described in SPEC_FULL.md §3. A real
// supervisor fork never execs this binary with flags at all — it
// constructs workerconfig.Config as a Go struct literal in-process and
// calls worker.Worker.Run directly.
func parseFlags(args []string) (*workerconfig.Config, *runtimeFlags, error) {
	set := getopt.New()

	tlsFd := set.IntLong("tls-fd", 0, 3, "inherited TLS socket file descriptor")
	udpFd := set.IntLong("udp-fd", 0, 4, "inherited UDP socket file descriptor")
	tunFd := set.IntLong("tun-fd", 0, 5, "inherited tun device file descriptor")
	cmdFd := set.IntLong("cmd-fd", 0, 6, "inherited supervisor command pipe file descriptor")

	certFile := set.StringLong("tls-cert", 0, "", "PEM certificate file")
	keyFile := set.StringLong("tls-key", 0, "", "PEM private key file")
	caFile := set.StringLong("tls-ca", 0, "", "PEM client CA file, enables client certificate verification")
	certReq := set.StringLong("tls-client-auth", 0, "none", "client certificate policy: none, request, require")

	network := set.StringLong("network", 'n', "", "configured network name")
	authTimeout := set.IntLong("auth-timeout", 0, 60, "seconds allowed to complete CONNECT")
	dpd := set.IntLong("dpd", 0, 30, "dead-peer-detection interval in seconds")
	keepalive := set.IntLong("keepalive", 0, 20, "keepalive interval in seconds")
	cookieValidity := set.IntLong("cookie-validity", 0, 86400, "auth cookie lifetime in seconds")
	udpPort := set.IntLong("udp-port", 0, 443, "UDP port advertised in X-DTLS-Port")

	logLevel := set.StringLong("log-level", 0, "info", "apex/log level")
	logFormat := set.StringLong("log-format", 0, "text", "log handler: text or json")
	pidFile := set.StringLong("pidfile", 0, "", "write this process's pid here")
	peer := set.StringLong("peer", 0, "", "remote address (host:port), logged and used to pick the DTLS MTU's IPv4/IPv6 overhead")

	if err := set.Getopt(append([]string{"anyconnectd-worker"}, args...), nil); err != nil {
		return nil, nil, err
	}

	clientAuth, err := parseClientAuth(*certReq)
	if err != nil {
		return nil, nil, err
	}

	cfg := &workerconfig.Config{
		AuthTimeout:    *authTimeout,
		DPD:            *dpd,
		Keepalive:      *keepalive,
		CookieValidity: *cookieValidity,
		UDPPort:        *udpPort,
		CertReq:        clientAuth,
		NetworkName:    *network,
		Listen: workerconfig.ListenFDs{
			TLSFd: *tlsFd,
			UDPFd: *udpFd,
			TunFd: *tunFd,
			CmdFd: *cmdFd,
		},
		LogLevel:    *logLevel,
		PIDFile:     *pidFile,
		TLSCertFile: *certFile,
		TLSKeyFile:  *keyFile,
		TLSCAFile:   *caFile,
	}

	if !cfg.Valid() {
		return nil, nil, errors.New("anyconnectd-worker: -n/--network is required")
	}
	if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
		return nil, nil, errors.New("anyconnectd-worker: --tls-cert and --tls-key are required")
	}

	return cfg, &runtimeFlags{peer: *peer, logFormat: *logFormat}, nil
}

func parseClientAuth(name string) (tls.ClientAuthType, error) {
	switch name {
	case "none":
		return tls.NoClientCert, nil
	case "request":
		return tls.RequestClientCert, nil
	case "require":
		return tls.RequireAnyClientCert, nil
	default:
		return 0, errors.New("anyconnectd-worker: --tls-client-auth must be none, request or require")
	}
}

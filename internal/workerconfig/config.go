// Package workerconfig holds the read-only, per-connection configuration
// snapshot the supervisor hands a worker at fork time. Nothing in this
// package touches the filesystem or the network; that is cmd/anyconnectd-worker's
// job when building a Config for a standalone debug run.
package workerconfig

import "crypto/tls"

// Config mirrors the immutable config reference described in spec §3.
type Config struct {
	// AuthTimeout is the number of seconds the auth-timeout watchdog
	// allows before the HTTP phase must complete a CONNECT. Zero
	// disables the watchdog.
	AuthTimeout int

	// DPD is the dead-peer-detection interval, in seconds, advertised
	// to the client and used to size the "have not received DPD for
	// long" bound (3*DPD).
	DPD int

	// Keepalive is the keepalive interval, in seconds, advertised to
	// the client in X-CSTP-Keepalive / X-DTLS-Keepalive.
	Keepalive int

	// CookieValidity is the lifetime, in seconds, of an auth cookie;
	// used only to derive X-DTLS-Rekey-Time = 2*CookieValidity/3.
	CookieValidity int

	// UDPPort is the port advertised in X-DTLS-Port.
	UDPPort int

	// CertReq is the client-certificate request policy passed to the
	// TLS handshake (tls.RequestClientCert, tls.RequireAnyClientCert,
	// ...).
	CertReq tls.ClientAuthType

	// NetworkName identifies the configured network; an empty string
	// means no network is configured: worker.Run then answers 503 and
	// exits before reading any HTTP request.
	NetworkName string

	// Listen carries the four inherited descriptors a standalone debug
	// run builds by hand instead of receiving from a supervisor fork:
	// TLS socket, UDP socket, tun device, command pipe, in that order.
	// The forked-by-supervisor path never populates this; cmd's flag
	// parser does, for local testing without a real supervisor.
	Listen ListenFDs

	// LogLevel selects the apex/log level cmd/anyconnectd-worker's
	// logger is built with. Ignored once a Config reaches the worker
	// package itself, which only ever logs through the *log.Entry it's
	// handed.
	LogLevel string

	// PIDFile is read by the supervisor to track this worker process;
	// cmd/anyconnectd-worker writes it in standalone debug mode only.
	PIDFile string

	// TLSCertFile, TLSKeyFile and TLSCAFile locate the PEM material
	// cmd/anyconnectd-worker loads to build the *tls.Config used for
	// the control-channel handshake. The worker package never opens
	// these paths itself.
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

// ListenFDs names the four descriptors a supervisor hands a forked
// worker, by file-descriptor number, for a standalone debug run that
// has no real supervisor to inherit them from.
type ListenFDs struct {
	TLSFd int
	UDPFd int
	TunFd int
	CmdFd int
}

// Valid reports whether a network is configured for this worker.
func (c *Config) Valid() bool {
	return c != nil && c.NetworkName != ""
}

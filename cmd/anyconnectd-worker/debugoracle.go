package main

import (
	"context"

	"github.com/anyconnectd/worker/internal/external"
)

// debugCookieOracle and debugVPNInfoOracle stand in for the real
// credentials store and network-config service a supervisor normally
// injects (both are explicit Non-goals — "remain behind the
// internal/external interfaces and are never implemented here"). They
// exist only so the standalone debug-run mode has something to run
// against without a real supervisor in front of it: every cookie is
// accepted and a single static /30 is handed out. A production
// deployment never links this binary's debug oracles in; it forks
// per-connection with real ones wired by the supervisor.

type debugCookieOracle struct{}

func (debugCookieOracle) AuthCookie(ctx context.Context, cookie [external.CookieSize]byte) error {
	return nil
}

type debugVPNInfoOracle struct{}

func (debugVPNInfoOracle) RuntimeVPNInfo(ctx context.Context) (*external.VPNInfo, error) {
	return &external.VPNInfo{
		MTU:         1400,
		IPv4:        "192.168.200.2",
		IPv4Netmask: "255.255.255.252",
		IPv4DNS:     "8.8.8.8",
		Routes:      []external.Route{"0.0.0.0/0"},
	}, nil
}

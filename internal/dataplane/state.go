// Package dataplane implements the data-plane loop (spec component G):
// the single-threaded cooperative event loop over four descriptors
// (TLS socket, UDP socket, tun device, command pipe) that frames and
// unframes CSTP/DTLS packets, runs dead-peer detection, adapts MTU from
// send failures, and switches channels on inactivity.
package dataplane

import "fmt"

// UDPState is the UDP channel state machine of spec §4.G.
type UDPState int

const (
	UDPDisabled UDPState = iota
	UDPWaitFD
	UDPSetup
	UDPHandshake
	UDPInactive
	UDPActive
)

func (s UDPState) String() string {
	switch s {
	case UDPDisabled:
		return "DISABLED"
	case UDPWaitFD:
		return "WAIT_FD"
	case UDPSetup:
		return "SETUP"
	case UDPHandshake:
		return "HANDSHAKE"
	case UDPInactive:
		return "INACTIVE"
	case UDPActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("UDPState(%d)", int(s))
	}
}

// UDPSwitchTimeSeconds is the hysteresis window (spec §4.G): a client that has
// fallen back to TLS because UDP broke is still given this long before
// the loop gives up on UDP and downgrades ACTIVE to INACTIVE.
const UDPSwitchTimeSeconds = 15

// ReadinessTimeoutSeconds bounds every wait for descriptor readiness
// (spec §4.G).
const ReadinessTimeoutSeconds = 10

// Package mtu implements the MTU controller (spec component E): a
// bisection over {128 .. initial_mtu} driven by oversized-packet
// failures and successful sends on the DTLS channel.
//
// The arithmetic is carried over unchanged from the C original
// (mtu_not_ok/mtu_set/mtu_ok); this package only gives it a Go
// shape with an explicit "DTLS unusable" signal instead of a sentinel
// return value.
package mtu

// MinMTU is the smallest MTU the controller will settle on before
// declaring DTLS unusable.
const MinMTU = 128

// Setter is implemented by whatever owns the live DTLS data MTU and the
// tun-visible MTU; Controller calls back into it whenever an adjustment
// needs to be applied and republished.
type Setter interface {
	SetDTLSMTU(mtu int)
	PublishTunMTU(mtu int)
}

// Controller tracks last_good_mtu/last_bad_mtu/dtls_mtu per spec §4.E.
type Controller struct {
	lastGood int
	lastBad  int
	current  int

	setter Setter
}

// New returns a controller bound to setter; Set must be called once the
// initial MTU is known before NotOk/Ok are used.
func New(setter Setter) *Controller {
	return &Controller{setter: setter}
}

// Set initialises both bounds to max the first time it is called for
// this controller (spec: "if last_good_mtu is 0, both bounds are
// initialised to max").
func (c *Controller) Set(max int) {
	if c.lastGood == 0 {
		c.lastGood = max
		c.lastBad = max
	}
	c.current = max
}

// Current returns the live DTLS data MTU.
func (c *Controller) Current() int { return c.current }

// LastGood and LastBad expose the bisection bounds, chiefly for tests
// asserting invariant 2 of spec §8 (last_good_mtu <= dtls_mtu <=
// last_bad_mtu).
func (c *Controller) LastGood() int { return c.lastGood }
func (c *Controller) LastBad() int  { return c.lastBad }

// NotOk is called when a send on the current MTU returned "packet too
// large". It reports false when the halved MTU (cur/2) falls below
// MinMTU; the caller must then disable UDP entirely.
func (c *Controller) NotOk(cur int) bool {
	c.lastBad = cur
	target := cur / 2
	if target < MinMTU {
		return false
	}
	c.lastGood = target
	c.current = target
	c.setter.SetDTLSMTU(target)
	c.setter.PublishTunMTU(target)
	return true
}

// Ok is called on every successful DTLS send. No adjustment happens
// unless sentBytes is at least the current MTU, or the last known bad
// bound sits immediately above the current MTU (we are adjacent to it
// and can afford to probe upward).
func (c *Controller) Ok(sentBytes, cur int) {
	if sentBytes < cur && c.lastBad != cur+1 {
		return
	}
	target := (c.lastGood + c.lastBad) / 2
	c.current = target
	c.setter.SetDTLSMTU(target)
	c.setter.PublishTunMTU(target)
}

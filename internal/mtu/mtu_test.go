package mtu

import "testing"

type recordingSetter struct {
	dtlsMTU int
	tunMTU  int
}

func (r *recordingSetter) SetDTLSMTU(mtu int)   { r.dtlsMTU = mtu }
func (r *recordingSetter) PublishTunMTU(mtu int) { r.tunMTU = mtu }

func TestSetInitialisesBoundsOnce(t *testing.T) {
	s := &recordingSetter{}
	c := New(s)
	c.Set(1400)
	if c.LastGood() != 1400 || c.LastBad() != 1400 || c.Current() != 1400 {
		t.Fatalf("unexpected bounds after Set: good=%d bad=%d cur=%d", c.LastGood(), c.LastBad(), c.Current())
	}
	// A second Set with a different value must not reset the bounds
	// (mirrors "if last_good_mtu is 0" guard in the C original).
	c.Set(900)
	if c.LastGood() != 1400 || c.LastBad() != 1400 {
		t.Fatalf("Set should not reinitialise already-seeded bounds")
	}
	if c.Current() != 900 {
		t.Fatalf("Set should still update current: got %d", c.Current())
	}
}

func TestNotOkShrinksAndPublishes(t *testing.T) {
	s := &recordingSetter{}
	c := New(s)
	c.Set(1400)
	ok := c.NotOk(1400)
	if !ok {
		t.Fatalf("expected NotOk to report a viable MTU")
	}
	if c.Current() != 700 {
		t.Fatalf("expected bisected MTU 700, got %d", c.Current())
	}
	if s.dtlsMTU != 700 || s.tunMTU != 700 {
		t.Fatalf("expected setter to observe 700, got dtls=%d tun=%d", s.dtlsMTU, s.tunMTU)
	}
	if c.LastGood() > c.Current() || c.Current() > c.LastBad() {
		t.Fatalf("invariant violated: good=%d cur=%d bad=%d", c.LastGood(), c.Current(), c.LastBad())
	}
}

func TestNotOkReportsUnusableBelowMin(t *testing.T) {
	s := &recordingSetter{}
	c := New(s)
	c.Set(200)
	if c.NotOk(200) {
		t.Fatalf("expected NotOk(200) to report DTLS unusable (100 < MinMTU)")
	}
}

func TestOkProbesUpwardWhenAdjacentToBadBound(t *testing.T) {
	s := &recordingSetter{}
	c := New(s)
	c.Set(1400)
	c.NotOk(1400) // lastGood=700, lastBad=1400, current=700
	// A successful send smaller than current never triggers growth
	// unless last_bad == current+1.
	c.Ok(10, 700)
	if c.Current() != 700 {
		t.Fatalf("unexpected growth on unrelated small send: %d", c.Current())
	}
	c.NotOk(700) // lastGood=350, lastBad=700, current=350
	// Force the adjacency case directly (last_bad == current+1) and
	// confirm a tiny send still triggers the upward probe.
	c.setAdjacentForTest()
	good, bad := c.LastGood(), c.LastBad()
	c.Ok(0, c.LastBad()-1)
	if want := (good + bad) / 2; c.Current() != want {
		t.Fatalf("expected adjacency probe to set %d, got %d", want, c.Current())
	}
	if c.LastGood() > c.Current() || c.Current() > c.LastBad() {
		t.Fatalf("invariant violated: good=%d cur=%d bad=%d", c.LastGood(), c.Current(), c.LastBad())
	}
}

// setAdjacentForTest nudges lastBad to current+1 so TestOkProbesUpward can
// exercise the adjacency branch deterministically without relying on
// exact bisection arithmetic lining up.
func (c *Controller) setAdjacentForTest() {
	c.lastBad = c.current + 1
}

func TestOkGrowsWhenSendFillsCurrentMTU(t *testing.T) {
	s := &recordingSetter{}
	c := New(s)
	c.Set(1400)
	c.NotOk(1400) // lastGood=700, lastBad=1400, current=700
	c.Ok(700, 700)
	want := (700 + 1400) / 2
	if c.Current() != want {
		t.Fatalf("expected growth to %d, got %d", want, c.Current())
	}
	if s.dtlsMTU != want || s.tunMTU != want {
		t.Fatalf("setter not notified of growth: dtls=%d tun=%d", s.dtlsMTU, s.tunMTU)
	}
}

func TestBoundaryPayloadAtMTUIsNotOversized(t *testing.T) {
	// This documents the boundary law from spec §8: a payload equal to
	// the MTU is accepted (sentBytes == cur triggers the "maybe grow"
	// path, not a failure path); only a strictly larger payload should
	// ever reach NotOk.
	s := &recordingSetter{}
	c := New(s)
	c.Set(1000)
	c.Ok(1000, 1000) // sent == cur: eligible for growth consideration, never a failure
	if c.LastBad() != 1000 {
		t.Fatalf("NotOk must never be implied by an at-MTU send")
	}
}

// Package lifecycle implements spec component I: the termination flag
// set from signal context, the auth-timeout watchdog, and the single,
// testable exit seam every fatal error path funnels through.
package lifecycle

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/apex/log"
)

// Termination is the async-signal-safe flag sampled at the top of the
// data-plane loop (spec §4.I, §9 "Global mutable state": "Re-express as
// a single atomic flag on the worker state, sampled at loop top;
// signal handlers must be async-signal-safe and only store to that
// flag").
type Termination struct {
	flag atomic.Bool
	stop chan struct{}
}

// NewTermination installs a SIGTERM/SIGINT handler that only stores to
// the flag, never acting from signal context.
func NewTermination() *Termination {
	t := &Termination{stop: make(chan struct{})}
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case <-sigc:
			t.flag.Store(true)
		case <-t.stop:
		}
	}()
	return t
}

// Requested reports whether termination has been signalled.
func (t *Termination) Requested() bool { return t.flag.Load() }

// Close stops the signal-watching goroutine; used by tests and by
// orderly shutdown to avoid leaking the goroutine per connection.
func (t *Termination) Close() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// AuthWatchdog is the auth-timeout alarm (spec §4.I): armed before the
// HTTP phase with authTimeout seconds, calling exitFunc unconditionally
// on fire. Cancel is called the moment cookie authentication succeeds
// inside CONNECT (spec §4.F step 3).
type AuthWatchdog struct {
	timer    *time.Timer
	canceled atomic.Bool
	exitFunc func()
}

// ArmAuthWatchdog starts the watchdog. A zero or negative authTimeout
// disables it entirely (workerconfig.Config.AuthTimeout == 0 means "no
// watchdog").
func ArmAuthWatchdog(authTimeout time.Duration, entry *log.Entry, exitFunc func()) *AuthWatchdog {
	w := &AuthWatchdog{exitFunc: exitFunc}
	if authTimeout <= 0 {
		return w
	}
	w.timer = time.AfterFunc(authTimeout, func() {
		if w.canceled.Load() {
			return
		}
		entry.Error("auth timeout expired before CONNECT completed")
		w.exitFunc()
	})
	return w
}

// Cancel disarms the watchdog. Safe to call more than once and safe to
// call after the timer has already fired (the fired callback checks
// canceled too, closing the race where Cancel and fire interleave).
func (w *AuthWatchdog) Cancel() {
	w.canceled.Store(true)
	if w.timer != nil {
		w.timer.Stop()
	}
}

// Fatal is the single seam every exit path in the worker funnels
// through (spec.md §9's AMBIENT addition): log at the right level via
// apex/log, then exit(1). Tests substitute exitFunc to observe the call
// without actually exiting the test binary.
func Fatal(entry *log.Entry, err error, exitFunc func(code int)) {
	if exitFunc == nil {
		exitFunc = os.Exit
	}
	if err != nil {
		entry.WithError(err).Error("worker exiting")
	} else {
		entry.Error("worker exiting")
	}
	exitFunc(1)
}

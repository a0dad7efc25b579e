// Package recovery implements the recovery-window manager (spec §4.6, C7):
// a grace period after any rebalance during which the autopilot must not
// make another scaling decision, since the runtime's lag figures are
// transiently unreliable mid-rebalance.
//
// Grounded on internal/operator/workspace_controller.go's pattern of a
// single cached value guarded by sync.RWMutex, updated from a background
// watch loop and read on every reconcile; here the watched source is the
// harness's rebalance-state broadcast instead of a Kubernetes informer, and
// the cached value is "window open until T" instead of a feature-flag bool.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/docxology/kstreams-autopilot/internal/harness"
)

// WindowManager tracks whether the autopilot is currently inside a
// post-rebalance recovery window. Per spec §4.6 the window is open for the
// entire duration of any non-steady state (REBALANCING, ERROR,
// PENDING_SHUTDOWN — the states of interest), plus a grace period that
// starts counting only once RUNNING is observed again.
type WindowManager struct {
	grace time.Duration
	now   func() time.Time

	mu        sync.RWMutex
	nonSteady bool
	openUntil time.Time
}

// New builds a window manager with the given grace period, applied every
// time RUNNING is re-observed after a non-steady state.
func New(grace time.Duration) *WindowManager {
	return &WindowManager{grace: grace, now: time.Now}
}

// Observe records the runtime's current lifecycle state as of now. Any
// state other than RUNNING keeps the window open unconditionally; observing
// RUNNING starts (or restarts) the grace-period countdown.
func (w *WindowManager) Observe(s harness.RuntimeState, now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if s != harness.StateRunning {
		w.nonSteady = true
		return
	}
	w.nonSteady = false
	until := now.Add(w.grace)
	if until.After(w.openUntil) {
		w.openUntil = until
	}
}

// Trigger opens (or extends) the grace period starting at now. It does not
// change whether a non-steady state is recorded: a window held open by a
// non-steady state stays open until RUNNING is observed. Kept for callers that want to force a grace period without going through
// Observe (e.g. a manual autopilot-triggered recovery pause).
func (w *WindowManager) Trigger(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	until := now.Add(w.grace)
	if until.After(w.openUntil) {
		w.openUntil = until
	}
}

// IsOpen reports whether the window is currently open: either the runtime
// is in a non-steady state right now, or now still falls inside the grace
// period counted from the last RUNNING observation.
func (w *WindowManager) IsOpen(now time.Time) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.nonSteady || now.Before(w.openUntil)
}

// Now returns the manager's clock (time.Now by default; overridable by
// tests needing determinism).
func (w *WindowManager) Now() time.Time { return w.now() }

// SetClock overrides the manager's clock; test-only hook.
func (w *WindowManager) SetClock(now func() time.Time) { w.now = now }

// Watch consumes lifecycle-state notifications from a harness runtime and
// feeds every one to Observe, until ctx is canceled or the channel closes.
func (w *WindowManager) Watch(ctx context.Context, states <-chan harness.RuntimeState) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			w.Observe(s, w.now())
		}
	}
}

package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/docxology/kstreams-autopilot/internal/harness"
)

func TestWindowOpensAndExpires(t *testing.T) {
	w := New(10 * time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Trigger(base)

	if !w.IsOpen(base.Add(5 * time.Second)) {
		t.Fatal("window should still be open 5s in")
	}
	if w.IsOpen(base.Add(11 * time.Second)) {
		t.Fatal("window should have expired after grace period")
	}
}

func TestTriggerExtendsNotShrinks(t *testing.T) {
	w := New(10 * time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Trigger(base)
	w.Trigger(base.Add(2 * time.Second)) // later trigger should extend the window
	if !w.IsOpen(base.Add(11 * time.Second)) {
		t.Fatal("second trigger should have extended the window to base+12s")
	}
}

func TestWatchOpensOnRebalance(t *testing.T) {
	w := New(time.Minute)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.SetClock(func() time.Time { return fixed })

	ch := make(chan harness.RuntimeState, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Watch(ctx, ch)

	ch <- harness.StateRebalancing
	deadline := time.Now().Add(time.Second)
	for !w.IsOpen(fixed) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !w.IsOpen(fixed) {
		t.Fatal("Watch did not open window on REBALANCING notification")
	}
}

func TestObserveOpensForEveryNonSteadyState(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, s := range []harness.RuntimeState{harness.StateRebalancing, harness.StateError, harness.StatePendingShutdown} {
		w := New(time.Second)
		w.Observe(s, base)
		if !w.IsOpen(base.Add(time.Hour)) {
			t.Fatalf("state %s did not keep the window open regardless of elapsed time", s)
		}
	}
}

func TestObserveStaysOpenThroughoutExtendedNonSteadyPeriod(t *testing.T) {
	w := New(time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Observe(harness.StateRebalancing, base)
	// Rebalance outlasts the grace period entirely; window must still be
	// open throughout, not just for `grace` after the initial observation.
	if !w.IsOpen(base.Add(time.Hour)) {
		t.Fatal("window closed mid-rebalance despite the rebalance outlasting grace")
	}
	w.Observe(harness.StateRebalancing, base.Add(2*time.Hour))
	if !w.IsOpen(base.Add(2*time.Hour + time.Millisecond)) {
		t.Fatal("window closed while still rebalancing")
	}
}

func TestObserveStartsGraceOnlyWhenRunningReobserved(t *testing.T) {
	w := New(10 * time.Second)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Observe(harness.StateRebalancing, base)
	w.Observe(harness.StateRunning, base.Add(time.Hour))

	if !w.IsOpen(base.Add(time.Hour + 5*time.Second)) {
		t.Fatal("grace period should still be open 5s after RUNNING re-entry")
	}
	if w.IsOpen(base.Add(time.Hour + 11*time.Second)) {
		t.Fatal("grace period should have expired 11s after RUNNING re-entry")
	}
}

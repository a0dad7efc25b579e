// Package metrics is additive, read-only instrumentation over query
// outcomes and autopilot transitions (spec's ambient-stack carries metrics
// even though §1 scopes autopilot/IQ internals tightly — supplemental
// surface only, no invariant depends on it).
//
// Grounded on the teacher's internal/metrics/metrics.go: copy-on-write maps
// behind atomic.Value, generalized from per-(org,table,op) counters to
// per-(store,outcome) query counters and per-(from,to) autopilot transition
// counters.
package metrics

import (
	"sync/atomic"
	"time"
)

type queryKey struct{ store, outcome string }
type transitionKey struct{ from, to string }

var (
	queryCounts      syncMap[queryKey, uint64]
	transitionCounts syncMap[transitionKey, uint64]
	activeStubs      atomic.Int64
)

// syncMap is a tiny generic wrapper over atomic.Value storing an immutable
// map[K]V, swapped wholesale on every write (copy-on-write).
type syncMap[K comparable, V any] struct{ m atomic.Value }

func (s *syncMap[K, V]) load() map[K]V {
	if v := s.m.Load(); v != nil {
		return v.(map[K]V)
	}
	return map[K]V{}
}
func (s *syncMap[K, V]) swap(m map[K]V) { s.m.Store(m) }

// Outcome labels for a query: "hit", "miss", or "error" (every error kind
// is counted under the single "error" label).
const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

// IncQuery records one query outcome for storeName.
func IncQuery(storeName, outcome string) {
	cur := queryCounts.load()
	next := make(map[queryKey]uint64, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	k := queryKey{store: storeName, outcome: outcome}
	next[k] = next[k] + 1
	queryCounts.swap(next)
}

// IncTransition records one performed autopilot state transition.
func IncTransition(from, to string) {
	cur := transitionCounts.load()
	next := make(map[transitionKey]uint64, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	k := transitionKey{from: from, to: to}
	next[k] = next[k] + 1
	transitionCounts.swap(next)
}

// StubOpened/StubClosed track the host manager's active remote-stub gauge.
func StubOpened() { activeStubs.Add(1) }
func StubClosed() { activeStubs.Add(-1) }

// Snapshot is the exported shape for a metrics endpoint or log line.
type Snapshot struct {
	Timestamp   time.Time         `json:"ts"`
	Queries     map[string]uint64 `json:"queries"`
	Transitions map[string]uint64 `json:"transitions"`
	ActiveStubs int64             `json:"active_stubs"`
}

// Export returns a point-in-time snapshot of all counters.
func Export() Snapshot {
	q := queryCounts.load()
	flatQ := make(map[string]uint64, len(q))
	for k, v := range q {
		flatQ[k.store+"/"+k.outcome] = v
	}
	tr := transitionCounts.load()
	flatT := make(map[string]uint64, len(tr))
	for k, v := range tr {
		flatT[k.from+"->"+k.to] = v
	}
	return Snapshot{
		Timestamp:   time.Now(),
		Queries:     flatQ,
		Transitions: flatT,
		ActiveStubs: activeStubs.Load(),
	}
}

// Package harness is an in-memory simulation of the stream-processing
// runtime's capability surface (spec §1: explicitly out of scope, "treated
// as external collaborators"). It gives the rest of this repository (C1-C8)
// something concrete to route to, query and scale in tests and in the
// example binary — it is not part of the invariant surface spec §8 names.
//
// Grounded on internal/cluster/registry.go's process-wide registry of
// lazily-created per-id instances behind an RWMutex (here: per-host local
// stores) and internal/localdb/db.go's sqlite-backed KV wrapper.
package harness

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/docxology/kstreams-autopilot/internal/localstore"
	"github.com/docxology/kstreams-autopilot/internal/model"
)

// RuntimeState mirrors the stream-processing application's lifecycle
// states of interest to the recovery-window manager (spec §4.6).
type RuntimeState string

const (
	StateRebalancing     RuntimeState = "REBALANCING"
	StateRunning         RuntimeState = "RUNNING"
	StateError           RuntimeState = "ERROR"
	StatePendingShutdown RuntimeState = "PENDING_SHUTDOWN"
)

// PartitionOffsets is the end/committed offset pair the autopilot uses to
// compute per-partition lag (spec §3 "Lag").
type PartitionOffsets struct {
	EndOffset       int64
	CommittedOffset int64
}

// ThreadSnapshot is threadName -> (topic -> partition -> offsets), the shape
// the autopilot's lag collector walks (spec §4.7 "Lag collection").
type ThreadSnapshot map[string]map[string]map[int32]PartitionOffsets

type instance struct {
	host  model.HostInfo
	store *localstore.SQLiteHandle
}

// Runtime simulates an entire cluster: a fixed set of instances, each with
// its own local partitioned store, plus thread/lag bookkeeping and a
// rebalance-state broadcast used to drive the recovery-window manager.
type Runtime struct {
	mu        sync.RWMutex
	instances map[model.HostInfo]*instance
	order     []model.HostInfo // stable order for NOT_AVAILABLE tie-break / display

	threadsMu sync.Mutex
	threads   ThreadSnapshot

	subsMu sync.Mutex
	subs   []chan RuntimeState

	desiredThreads int
	activeThreads  int
}

// New creates a simulated cluster with the given instance hosts, each
// backed by its own sqlite file under stateDir/<host>_<port>.sqlite.
func New(stateDir string, hosts []model.HostInfo, desiredThreads int) (*Runtime, error) {
	r := &Runtime{
		instances:      map[model.HostInfo]*instance{},
		threads:        ThreadSnapshot{},
		desiredThreads: desiredThreads,
		activeThreads:  desiredThreads,
	}
	if stateDir == "" {
		stateDir = "."
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, err
	}
	for _, h := range hosts {
		path := filepath.Join(stateDir, fmt.Sprintf("%s_%d.sqlite", h.Host, h.Port))
		st, err := localstore.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open local store for %s: %w", h, err)
		}
		r.instances[h] = &instance{host: h, store: st}
		r.order = append(r.order, h)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i].Less(r.order[j]) })
	for i := 0; i < desiredThreads; i++ {
		r.threads[fmt.Sprintf("stream-thread-%d", i)] = map[string]map[int32]PartitionOffsets{}
	}
	return r, nil
}

// Close releases every instance's local store.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, inst := range r.instances {
		if err := inst.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Instances returns the known instance hosts in stable order.
func (r *Runtime) Instances() []model.HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.HostInfo, len(r.order))
	copy(out, r.order)
	return out
}

// owner assigns a key to an owning host by FNV hash modulo instance count,
// deterministically across calls (simulates the runtime's partitioner).
func (r *Runtime) owner(storeName string, keyBytes []byte) (model.HostInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.order)
	if n == 0 {
		return model.HostInfo{}, false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(storeName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(keyBytes)
	idx := int(h.Sum32() % uint32(n))
	return r.order[idx], true
}

// Metadata implements the runtime's partition-aware key lookup (spec §3):
// returns NotAvailable (Available=false) when no instance is known, or the
// active host otherwise. There is no rebalance simulation that actually
// produces a transient NotAvailable window here — callers that want to
// exercise the NOT_AVAILABLE fallback call MetadataUnavailable directly.
func (r *Runtime) Metadata(storeName string, keyBytes []byte) model.KeyMetadata {
	host, ok := r.owner(storeName, keyBytes)
	if !ok {
		return model.KeyMetadata{Available: false}
	}
	return model.KeyMetadata{Available: true, ActiveHost: host}
}

// MetadataUnavailable simulates the transient NOT_AVAILABLE response.
func (r *Runtime) MetadataUnavailable() model.KeyMetadata {
	return model.KeyMetadata{Available: false}
}

// LocalStoreFor returns the sqlite-backed local store handle owned by host,
// for C4 to wrap.
func (r *Runtime) LocalStoreFor(host model.HostInfo) (*localstore.SQLiteHandle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[host]
	if !ok {
		return nil, fmt.Errorf("no such instance: %s", host)
	}
	return inst.store, nil
}

// Produce writes a key/value into the store owned by that key's instance,
// applying reduce(old, new) if an old value exists (simulating a changelog
// update through a reducing/summing store topology, spec §8 S4/S6).
func (r *Runtime) Produce(storeName, key, value string, reduce func(old, next string) string) error {
	host, ok := r.owner(storeName, []byte(key))
	if !ok {
		return fmt.Errorf("no instances configured")
	}
	st, err := r.LocalStoreFor(host)
	if err != nil {
		return err
	}
	keyBytes := []byte(key)
	cur, found, err := st.Get(storeName, keyBytes)
	if err != nil {
		return err
	}
	next := value
	if found && reduce != nil {
		next = reduce(string(cur), value)
	}
	return st.Put(storeName, keyBytes, []byte(next))
}

// --- rebalance / state-change broadcast (drives C7) ---

// Subscribe returns a channel of future state-change notifications.
func (r *Runtime) Subscribe() (<-chan RuntimeState, func()) {
	ch := make(chan RuntimeState, 16)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()
	cancel := func() {
		r.subsMu.Lock()
		defer r.subsMu.Unlock()
		for i, c := range r.subs {
			if c == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// PublishState broadcasts a runtime lifecycle state change to subscribers.
func (r *Runtime) PublishState(s RuntimeState) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

// --- threads / lag (drives C8) ---

// SetPartitionOffsets injects a lag sample for (thread, topic, partition),
// the harness's stand-in for the runtime's endOffsets/committedOffsets.
func (r *Runtime) SetPartitionOffsets(thread, topic string, partition int32, off PartitionOffsets) {
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	t, ok := r.threads[thread]
	if !ok {
		t = map[string]map[int32]PartitionOffsets{}
		r.threads[thread] = t
	}
	tp, ok := t[topic]
	if !ok {
		tp = map[int32]PartitionOffsets{}
		t[topic] = tp
	}
	tp[partition] = off
}

// ThreadNames returns the currently reported thread names.
func (r *Runtime) ThreadNames() []string {
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	out := make([]string, 0, len(r.threads))
	for name := range r.threads {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of the current thread/topic/partition offsets.
func (r *Runtime) Snapshot() ThreadSnapshot {
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	out := make(ThreadSnapshot, len(r.threads))
	for thread, topics := range r.threads {
		tCopy := make(map[string]map[int32]PartitionOffsets, len(topics))
		for topic, parts := range topics {
			pCopy := make(map[int32]PartitionOffsets, len(parts))
			for p, o := range parts {
				pCopy[p] = o
			}
			tCopy[topic] = pCopy
		}
		out[thread] = tCopy
	}
	return out
}

// ExcludeTopic reports whether topic matches the exclusion regex (spec §3
// "Topics matching an exclusion regex are skipped").
func ExcludeTopic(pattern, topic string) bool {
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(topic)
}

// AddThread is the runtime's thread-add primitive (spec §4.7 doAdd): it
// adds one thread above desired, bounded only by what the caller enforces
// (the autopilot, not the runtime, owns threadLimit).
func (r *Runtime) AddThread(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	name := fmt.Sprintf("stream-thread-%d", r.activeThreads)
	r.threads[name] = map[string]map[int32]PartitionOffsets{}
	r.activeThreads++
	return true, nil
}

// RemoveThread is the runtime's thread-remove primitive (spec §4.7 doRemove).
func (r *Runtime) RemoveThread(ctx context.Context) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}
	r.threadsMu.Lock()
	defer r.threadsMu.Unlock()
	if r.activeThreads <= 0 {
		return false, nil
	}
	r.activeThreads--
	name := fmt.Sprintf("stream-thread-%d", r.activeThreads)
	delete(r.threads, name)
	return true, nil
}

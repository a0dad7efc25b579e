// Package hostmgr is the host manager (spec §4.1-§4.2/§4.4, C5): the
// process-wide cache of remote store stubs, created once per host and
// reused, plus the metadata-resolution helpers the executor calls to find
// where a key lives and which store implementation can serve it.
//
// Grounded on internal/cluster/registry.go's Registry.Get: an RLock fast
// path over a map, falling back to a write-locked create-if-absent path
// ("double-checked locking"), generalized here from "cluster id -> tsnet
// Instance" to "host:port -> remote store stub". The bounded-retry wrapper
// around stub creation is grounded on k8s.io/client-go/util/retry's
// RetryOnConflict, reused for "retry a transient dial failure" instead of
// "retry an API server write conflict".
package hostmgr

import (
	"context"
	"sort"
	"sync"

	"k8s.io/client-go/util/retry"

	"github.com/docxology/kstreams-autopilot/internal/apperr"
	"github.com/docxology/kstreams-autopilot/internal/metrics"
	"github.com/docxology/kstreams-autopilot/internal/model"
	"github.com/docxology/kstreams-autopilot/internal/remotestore"
)

// RuntimeSource is the subset of *harness.Runtime the host manager depends
// on: partition-aware metadata lookup and the known instance list. An
// interface here (rather than the concrete harness type) lets tests exercise
// resolution paths — like the NOT_AVAILABLE fallback — that the in-memory
// harness simulation doesn't itself produce.
type RuntimeSource interface {
	Metadata(storeName string, keyBytes []byte) model.KeyMetadata
	Instances() []model.HostInfo
}

// RemoteStoreStub is the subset of *remotestore.Stub the manager depends on
// (accept an interface; return a struct from remotestore itself).
type RemoteStoreStub interface {
	Host() model.HostInfo
	Initialize(ctx context.Context) error
	Shutdown() error
}

// configurable is implemented by stubs that support the channel-configurer
// lifecycle hook (spec §4.2/§6); *remotestore.Stub satisfies it. Fakes used
// in tests are not required to.
type configurable interface {
	Configure(configurers ...remotestore.ChannelConfigurer) error
}

// StubFactory builds an uninitialized stub for host; swappable in tests.
type StubFactory func(host model.HostInfo) RemoteStoreStub

// Manager resolves (store, key) metadata via the runtime harness and caches
// one stub per remote host, self excluded (spec §4.2: "the host manager
// never creates a stub for application.server's own host:port").
type Manager struct {
	self    model.HostInfo
	runtime RuntimeSource
	factory StubFactory

	descriptors []model.StoreDescriptor
	configurers []remotestore.ChannelConfigurer

	mu    sync.RWMutex
	stubs map[model.HostInfo]RemoteStoreStub
}

// New builds a host manager bound to a runtime harness and self identity.
// descriptors is the configured set of store descriptors findStore scans in
// order (spec §4.4 step 1); when empty, it defaults to a single built-in
// KeyValue descriptor, matching the fixed "KeyValue" tag the public query
// endpoint uses (spec §4.5).
func New(self model.HostInfo, rt RuntimeSource, factory StubFactory, descriptors ...model.StoreDescriptor) *Manager {
	if factory == nil {
		factory = func(h model.HostInfo) RemoteStoreStub {
			return remotestore.NewStub(h, remotestore.Options{})
		}
	}
	if len(descriptors) == 0 {
		descriptors = []model.StoreDescriptor{{Reference: "default", Type: model.KeyValue}}
	}
	return &Manager{
		self:        self,
		runtime:     rt,
		factory:     factory,
		descriptors: descriptors,
		stubs:       map[model.HostInfo]RemoteStoreStub{},
	}
}

// WithChannelConfigurers registers configurers applied to every stub this
// manager creates, before Initialize (spec §4.2/§6's channel-configurer
// hook). Configurers already-cached stubs received are not reapplied.
func (m *Manager) WithChannelConfigurers(cs ...remotestore.ChannelConfigurer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configurers = append(m.configurers, cs...)
}

// Metadata resolves a key's partition metadata through the runtime.
func (m *Manager) Metadata(storeName string, keyBytes []byte) model.KeyMetadata {
	return m.runtime.Metadata(storeName, keyBytes)
}

// Self reports whether host is this instance (spec §4.5 step 4: "if the
// active host equals application.server, read locally; otherwise forward").
func (m *Manager) Self(host model.HostInfo) bool { return host == m.self }

// FindHost resolves (storeName, keyBytes) to its owning host (spec §4.4
// findHost). On NOT_AVAILABLE, it falls back to the lowest (host, port)
// among the runtime's known instances (spec §3's cold-start bootstrap,
// generalized to any known-instance count per DESIGN's deterministic
// tie-break decision) rather than failing outright; NoRoute is returned only
// when no instance is known at all.
func (m *Manager) FindHost(storeName string, keyBytes []byte) (model.KeyMetadata, error) {
	meta := m.Metadata(storeName, keyBytes)
	if meta.Available {
		return meta, nil
	}
	hosts := m.AllKnownHosts()
	if len(hosts) == 0 {
		return meta, apperr.ErrNoRoute
	}
	return model.KeyMetadata{Available: true, ActiveHost: hosts[0]}, nil
}

// FindStore resolves a remote stub compatible with typeTag for host (spec
// §4.4 findStore): first confirms a configured store descriptor can serve
// typeTag at all, then reuses or creates the cached stub for host. Returns
// (nil, nil) when host is this instance — callers should check Self first
// and dispatch to the local store adapter instead.
func (m *Manager) FindStore(ctx context.Context, host model.HostInfo, typeTag model.StoreType) (RemoteStoreStub, error) {
	if !m.hasCompatibleDescriptor(typeTag) {
		return nil, apperr.ErrNoStoreForHost
	}
	if m.Self(host) {
		return nil, nil
	}
	return m.getOrCreate(ctx, host)
}

func (m *Manager) hasCompatibleDescriptor(typeTag model.StoreType) bool {
	for _, d := range m.descriptors {
		if d.IsCompatible(typeTag) {
			return true
		}
	}
	return false
}

// FindStoreByReference looks up a configured store descriptor by its
// reference id (spec §4.4: "used for out-of-band administrative paths");
// it does not touch the stub cache.
func (m *Manager) FindStoreByReference(ref string) (model.StoreDescriptor, bool) {
	for _, d := range m.descriptors {
		if d.Reference == ref {
			return d, true
		}
	}
	return model.StoreDescriptor{}, false
}

// getOrCreate is the registry's double-checked-locking Get, generalized
// from cluster instances to remote store stubs.
func (m *Manager) getOrCreate(ctx context.Context, host model.HostInfo) (RemoteStoreStub, error) {
	m.mu.RLock()
	if s, ok := m.stubs[host]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stubs[host]; ok {
		return s, nil
	}

	var stub RemoteStoreStub
	err := retry.OnError(retry.DefaultBackoff, func(error) bool { return true }, func() error {
		s := m.factory(host)
		if c, ok := s.(configurable); ok {
			if err := c.Configure(m.configurers...); err != nil {
				return err
			}
		}
		if err := s.Initialize(ctx); err != nil {
			return err
		}
		stub = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.stubs[host] = stub
	metrics.StubOpened()
	return stub, nil
}

// AllKnownHosts returns every instance the runtime currently reports, in
// deterministic (host, port) lexicographic order — the order FindHost's
// NOT_AVAILABLE fallback picks its first element from.
func (m *Manager) AllKnownHosts() []model.HostInfo {
	hosts := m.runtime.Instances()
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Less(hosts[j]) })
	return hosts
}

// CleanUp shuts down and evicts the stub for a host that has left the
// cluster (spec §4.2), a no-op if no stub was ever created for it.
func (m *Manager) CleanUp(host model.HostInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stubs[host]
	if !ok {
		return nil
	}
	delete(m.stubs, host)
	metrics.StubClosed()
	return s.Shutdown()
}

// Shutdown tears down every cached stub, e.g. on process exit.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for host, s := range m.stubs {
		if err := s.Shutdown(); err != nil && first == nil {
			first = err
		}
		delete(m.stubs, host)
		metrics.StubClosed()
	}
	return first
}

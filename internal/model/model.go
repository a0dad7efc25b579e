// Package model holds the small value types shared across the interactive
// query and autopilot planes: host identity, store type tags, and the key
// metadata returned by the runtime's partition lookup.
package model

import "fmt"

// HostInfo identifies a cluster instance by its externally reachable
// host:port. It is the routing token used throughout the host manager and
// the cache key for remote store stubs.
type HostInfo struct {
	Host string
	Port int
}

func (h HostInfo) String() string { return fmt.Sprintf("%s:%d", h.Host, h.Port) }

// Less orders HostInfo lexicographically by (host, port); used for the
// deterministic NOT_AVAILABLE tie-break (see DESIGN.md open question #1).
func (h HostInfo) Less(o HostInfo) bool {
	if h.Host != o.Host {
		return h.Host < o.Host
	}
	return h.Port < o.Port
}

// StoreType is the closed set of store type tags a descriptor may carry.
type StoreType int

const (
	KeyValue StoreType = iota
	TimestampedKeyValue
)

func (t StoreType) String() string {
	switch t {
	case KeyValue:
		return "KeyValue"
	case TimestampedKeyValue:
		return "TimestampedKeyValue"
	default:
		return "Unknown"
	}
}

// StoreDescriptor is a configured store's identity (spec §3 "Store
// descriptor"): a process-wide-unique reference plus a type tag. The host
// manager scans a list of these to answer findStore's compatibility check
// (spec §4.4 step 1).
type StoreDescriptor struct {
	Reference string
	Type      StoreType
}

// IsCompatible reports whether this descriptor can serve t (spec §3: "true
// iff the store's type tag equals the requested type").
func (d StoreDescriptor) IsCompatible(t StoreType) bool { return d.Type == t }

// KeyMetadata is what the runtime's partition-aware lookup returns for a
// (storeName, key) pair, or the zero value with Available=false when the
// partition isn't assigned anywhere yet (transient NOT_AVAILABLE state).
type KeyMetadata struct {
	Available    bool
	ActiveHost   HostInfo
	StandbyHosts []HostInfo
	Partition    int32
}

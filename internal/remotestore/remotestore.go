// Package remotestore is the remote store stub (spec §4.1/§4.2, C3): a
// per-instance HTTP client the host manager hands the executor once a key's
// metadata resolves to a host other than self. It is also the client side of
// the "remote transport" spec §6 describes — the server side lives in
// internal/api's peer-query handler, which this package's PeerPath keeps in
// sync with.
//
// Grounded on internal/proxy/reverse_proxy.go's Options{Timeout, Dial} and
// its custom http.Transport construction (pluggable DialContext, explicit
// TLS/response-header timeouts); generalized from "reverse proxy an
// arbitrary hop-by-hop request" to "call one fixed remote instance's local
// store and decode the JSON body".
package remotestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/docxology/kstreams-autopilot/internal/apperr"
	"github.com/docxology/kstreams-autopilot/internal/model"
)

// DialFunc matches the teacher's pluggable proxy.Options.Dial shape — by
// default plain net.Dialer, swappable in tests or for an overlay transport.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Stub's transport.
type Options struct {
	Timeout time.Duration
	Dial    DialFunc
}

func defaultOptions() Options {
	return Options{
		Timeout: 5 * time.Second,
		Dial:    (&net.Dialer{}).DialContext,
	}
}

// ChannelConfigurer customizes a stub's HTTP client before Initialize (spec
// §4.2 "configure(channelConfig)"; spec §6's "channel-configurer hook" on
// the remote transport). Registered configurers are applied in order.
type ChannelConfigurer func(*http.Client)

// Stub is a lazily-initialized HTTP client bound to exactly one remote
// instance. Its lifecycle (Configure -> Initialize -> ... -> Shutdown)
// mirrors a Kafka Streams RPC client's per-host connection lifecycle; the
// host manager (C5) owns when each phase runs.
type Stub struct {
	host   model.HostInfo
	opts   Options
	client *http.Client

	mu          sync.Mutex
	configured  bool
	initialized bool
}

// NewStub builds an uninitialized stub for host; Initialize must run before
// Get is usable.
func NewStub(host model.HostInfo, opts Options) *Stub {
	if opts.Timeout == 0 {
		opts.Timeout = defaultOptions().Timeout
	}
	if opts.Dial == nil {
		opts.Dial = defaultOptions().Dial
	}
	transport := &http.Transport{
		DialContext:           opts.Dial,
		ResponseHeaderTimeout: opts.Timeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     false,
	}
	return &Stub{
		host: host,
		opts: opts,
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
	}
}

// Configure applies channel configurers to the stub's HTTP client; must run
// before Initialize (spec §4.2: "applied once, before initialize"). Calling
// it after Initialize is a programmer error.
func (s *Stub) Configure(configurers ...ChannelConfigurer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return fmt.Errorf("remotestore: Configure called after Initialize")
	}
	for _, c := range configurers {
		c(s.client)
	}
	s.configured = true
	return nil
}

// Initialize marks the stub ready to serve requests; idempotent, matching
// the host manager's "create once, reuse" stub cache contract (spec §4.2).
func (s *Stub) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

// Shutdown releases the stub's idle connections; called by the host manager
// when a host is removed from the cluster (spec §4.2 CleanUp).
func (s *Stub) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.client.CloseIdleConnections()
	return nil
}

// Host returns the remote instance this stub talks to.
func (s *Stub) Host() model.HostInfo { return s.host }

// GetResponse is the wire shape of a peer point-lookup reply; shared with
// internal/api's server-side peer handler so the two ends never drift.
type GetResponse struct {
	Found bool   `json:"found"`
	Value []byte `json:"value,omitempty"`
}

// PeerPath builds the inbound peer-query path for a (store, keyBytes) point
// lookup (spec §6: "the remote transport ... carries {storeName, keyBytes}
// and returns {valueBytes}"). Key bytes are base64url-encoded since they are
// arbitrary serializer output, not necessarily valid in a URL path segment.
// internal/api's peer handler parses paths built by this function.
func PeerPath(store string, keyBytes []byte) string {
	return fmt.Sprintf("/internal/store/%s/key/%s", store, base64.RawURLEncoding.EncodeToString(keyBytes))
}

// Get performs a remote point lookup against the owning instance's local
// store endpoint (spec §4.5 step 6: "forward the request to the active
// host and return its response verbatim"). keyBytes is the serializer
// output from spec §4.5 step 3 — the same bytes used to route the query,
// not a re-stringified form.
func (s *Stub) Get(ctx context.Context, store string, keyBytes []byte) ([]byte, bool, error) {
	url := fmt.Sprintf("http://%s%s", s.host, PeerPath(store, keyBytes))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", apperr.ErrTransport, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", apperr.ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: remote status %d", apperr.ErrTransport, resp.StatusCode)
	}
	var out GetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("%w: %v", apperr.ErrDeserialization, err)
	}
	return out.Value, out.Found, nil
}

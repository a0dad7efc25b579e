// Package iqexec is the interactive query executor (spec §4.5, C6): it
// resolves a request's serde and key type, serializes the key, routes it
// through the host manager, and dispatches to whichever of the local store
// or a remote stub answers it.
//
// Grounded on internal/api/router.go's request-decode-then-dispatch shape
// and internal/httpx's JSON/JSONError response helpers, generalized from
// arbitrary REST CRUD handlers to the single fixed query algorithm spec
// §4.5 describes.
package iqexec

import (
	"context"
	"fmt"

	"github.com/docxology/kstreams-autopilot/internal/apperr"
	"github.com/docxology/kstreams-autopilot/internal/hostmgr"
	"github.com/docxology/kstreams-autopilot/internal/localstore"
	"github.com/docxology/kstreams-autopilot/internal/metrics"
	"github.com/docxology/kstreams-autopilot/internal/model"
	"github.com/docxology/kstreams-autopilot/internal/remotestore"
	"github.com/docxology/kstreams-autopilot/internal/serde"
)

// Request is the decoded shape of a readonlystatestore call (spec §6).
type Request struct {
	StoreName      string
	StringifiedKey string
	SerdeClassName string // optional; "" means use the registry default
}

// Result is Some(value) / None, matching spec §4.5 step 7's Optional.
type Result struct {
	Found bool
	Value []byte
}

// Executor ties the serde registry, host manager and local store adapter
// together into the fixed query algorithm. Every query targets the
// reserved "KeyValue" store type tag (spec §4.5); other tags are only
// reachable through the host manager's FindStoreByReference.
type Executor struct {
	registry *serde.Registry
	hosts    *hostmgr.Manager
	local    *localstore.Adapter
}

// New builds an executor bound to the given serde registry, host manager
// and local store adapter.
func New(registry *serde.Registry, hosts *hostmgr.Manager, local *localstore.Adapter) *Executor {
	return &Executor{registry: registry, hosts: hosts, local: local}
}

// LocalGet answers a point lookup against this instance's own local store,
// bypassing host resolution entirely. It exists for internal/api's
// peer-query handler (spec §6 remote transport): the host that receives a
// forwarded query is, by construction, already the owner, so it serves the
// local store directly instead of re-running FindHost/FindStore.
func (e *Executor) LocalGet(store string, keyBytes []byte) ([]byte, bool, error) {
	return e.local.Get(store, keyBytes)
}

// Execute runs spec §4.5's algorithm end-to-end.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	res, err := e.execute(ctx, req)
	switch {
	case err != nil:
		metrics.IncQuery(req.StoreName, metrics.OutcomeError)
	case res.Found:
		metrics.IncQuery(req.StoreName, metrics.OutcomeHit)
	default:
		metrics.IncQuery(req.StoreName, metrics.OutcomeMiss)
	}
	return res, err
}

func (e *Executor) execute(ctx context.Context, req Request) (Result, error) {
	entry, err := e.resolveSerde(req.SerdeClassName)
	if err != nil {
		return Result{}, err
	}

	typedKey, err := serde.ConvertString(entry, req.StringifiedKey)
	if err != nil {
		return Result{}, err
	}

	keyBytes, err := entry.Serializer(typedKey)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", apperr.ErrKeyConversion, err)
	}

	meta, err := e.hosts.FindHost(req.StoreName, keyBytes)
	if err != nil {
		return Result{}, err
	}

	if e.hosts.Self(meta.ActiveHost) {
		value, found, err := e.local.Get(req.StoreName, keyBytes)
		if err != nil {
			return Result{}, err
		}
		return Result{Found: found, Value: value}, nil
	}

	stub, err := e.hosts.FindStore(ctx, meta.ActiveHost, model.KeyValue)
	if err != nil {
		return Result{}, err
	}
	rs, ok := stub.(*remotestore.Stub)
	if !ok {
		return Result{}, apperr.ErrNoStoreForHost
	}
	value, found, err := rs.Get(ctx, req.StoreName, keyBytes)
	if err != nil {
		return Result{}, err
	}
	return Result{Found: found, Value: value}, nil
}

func (e *Executor) resolveSerde(className string) (serde.Entry, error) {
	if className == "" {
		return e.registry.Default(), nil
	}
	return e.registry.ByName(className)
}

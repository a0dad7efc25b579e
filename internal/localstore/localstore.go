// Package localstore is the local-store adapter (spec §4.1, C4): the thin
// layer that turns the runtime's raw per-partition key/value store into the
// read API the query executor (C6) dispatches to once a key's metadata
// resolves to "self".
//
// Grounded on internal/localdb/db.go's sqlite-as-KV wrapper, generalized
// from JSON-blob-per-collection to raw []byte-per-(store,key) since store
// values here are already serialized by the caller (spec §4.1's
// serializer/deserializer pipeline owns that concern, not this package).
// Only point lookups are implemented: spec §1 lists "general-purpose range
// scans or iteration over stores" as an explicit Non-goal, so this package
// carries no Range/All surface.
package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/docxology/kstreams-autopilot/internal/apperr"
	"github.com/docxology/kstreams-autopilot/internal/config"
)

// SQLiteHandle is one instance's local partitioned store: every named store
// lives in the same `kv` table, keyed by (store, key). Keys are the raw
// serialized bytes a serde produced, not a stringified form.
type SQLiteHandle struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenSQLite opens/creates the sqlite file at path and ensures its schema.
func OpenSQLite(path string) (*SQLiteHandle, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		// non-fatal: in-memory/tmpfs paths may reject WAL.
		_ = err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (store TEXT NOT NULL, key BLOB NOT NULL, value BLOB, PRIMARY KEY(store, key))`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init local store schema: %w", err)
	}
	return &SQLiteHandle{db: db}, nil
}

func (h *SQLiteHandle) Close() error { return h.db.Close() }

// Put upserts value under (store, key).
func (h *SQLiteHandle) Put(store string, key, value []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.db.Exec(`INSERT INTO kv(store,key,value) VALUES(?,?,?) ON CONFLICT(store,key) DO UPDATE SET value=excluded.value`, store, key, value)
	return err
}

// Get returns the raw value for (store, key); found=false if absent.
func (h *SQLiteHandle) Get(store string, key []byte) (value []byte, found bool, err error) {
	row := h.db.QueryRow(`SELECT value FROM kv WHERE store=? AND key=?`, store, key)
	var b []byte
	if err := row.Scan(&b); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return b, true, nil
}

// Adapter is the typed facade the executor calls: it resolves
// application.server (spec's MissingSelfEndpoint fatal-at-construction
// requirement) and binds a single SQLiteHandle as "this instance's" store.
type Adapter struct {
	handle *SQLiteHandle
}

// NewAdapter requires application.server to already be set in props;
// construction fails with apperr.ErrMissingSelfEndpt otherwise, matching
// the runtime's documented fail-fast behavior when the IQ host isn't
// configured (spec §4.1 Non-goals note + §7 edge cases).
func NewAdapter(props config.Properties, handle *SQLiteHandle) (*Adapter, error) {
	if _, _, ok := props.SelfEndpoint(); !ok {
		return nil, apperr.ErrMissingSelfEndpt
	}
	return &Adapter{handle: handle}, nil
}

// Get answers a point lookup against this instance's local store (spec
// §4.3: "findByKey completes synchronously with whatever the underlying
// store returns").
func (a *Adapter) Get(store string, key []byte) ([]byte, bool, error) { return a.handle.Get(store, key) }

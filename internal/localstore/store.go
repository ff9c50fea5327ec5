// Package localstore is a typed, transactional wrapper around an embedded
// LSM key/value engine (Pebble or Badger), playing the role spec.md calls
// the "browser-local object database": entity tables, the Outbox, the
// conflict history, and per-user sync cursors all live in one engine
// instance opened once per process.
package localstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Backend selects which embedded engine implementation backs the store.
type Backend string

const (
	BackendPebble Backend = "pebble"
	BackendBadger Backend = "badger"
)

// Options configures Open.
type Options struct {
	DataDir string
	Backend Backend
	Logger  *logrus.Logger
}

// Store is the engine-backed, transactional LocalStore.
type Store struct {
	engine kvEngine
	mu     sync.RWMutex
	ready  atomic.Bool
	logger *logrus.Logger
}

// Open opens (creating if absent) the local engine at opts.DataDir. Callers
// must await the returned Store's readiness before first use, per
// spec.md §4.1 — Open blocks until the engine finishes opening, so by the
// time it returns without error the store is ready.
func Open(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Backend == "" {
		opts.Backend = BackendPebble
	}

	var engine kvEngine
	var err error
	switch opts.Backend {
	case BackendPebble:
		engine, err = newPebbleEngine(opts.DataDir, opts.Logger)
	case BackendBadger:
		engine, err = newBadgerEngine(opts.DataDir, opts.Logger)
	default:
		return nil, fmt.Errorf("localstore: unknown backend %q", opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{engine: engine, logger: opts.Logger}
	s.ready.Store(true)

	opts.Logger.WithFields(logrus.Fields{
		"backend": opts.Backend,
		"path":    opts.DataDir,
	}).Info("local store opened")

	return s, nil
}

// Close releases the underlying engine. After Close, every operation
// returns ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready.Store(false)
	return s.engine.Close()
}

// Update runs fn inside a single read-write transaction spanning every
// table fn touches plus the Outbox and conflict history, committing
// atomically when fn returns nil and discarding all writes otherwise.
func (s *Store) Update(fn func(tx *Tx) error) error {
	if !s.ready.Load() {
		return ErrStoreUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newTx(s.engine, true)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.batch.Commit(); err != nil {
		return fmt.Errorf("localstore: commit: %w", err)
	}
	return nil
}

// View runs fn inside a read-only transaction. Readers never block on or
// are blocked by the engine mutex held across sync cycles — per spec.md
// §5, DataAPI/UI reads do not require the SyncEngine's mutex, only this
// store-level one, which multiple readers share.
func (s *Store) View(fn func(tx *Tx) error) error {
	if !s.ready.Load() {
		return ErrStoreUnavailable
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx := newTx(s.engine, false)
	return fn(tx)
}

// GetMeta reads a single namespaced metadata value (e.g. the device id).
func (s *Store) GetMeta(key string) (string, bool, error) {
	if !s.ready.Load() {
		return "", false, ErrStoreUnavailable
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok, err := s.engine.Get(metaKey(key))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(raw), true, nil
}

// PutMeta writes a single namespaced metadata value.
func (s *Store) PutMeta(key, value string) error {
	if !s.ready.Load() {
		return ErrStoreUnavailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.engine.NewBatch()
	batch.Set(metaKey(key), []byte(value))
	return batch.Commit()
}

func encodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

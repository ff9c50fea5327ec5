// Package dataapi is the consumer-facing CRUD/query surface: every
// mutator writes the entity and enqueues its intent inside one LocalStore
// transaction, and every read goes straight to LocalStore with an optional
// remote fallback. Grounded on MaxIOFS's internal/metadata.Store shape
// (typed per-entity methods returning domain errors), adapted from
// bucket/object metadata to opaque entity rows plus an outbox side effect.
package dataapi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/offlinesync/syncengine/internal/localstore"
	"github.com/offlinesync/syncengine/internal/remote"
)

// ErrNotFound aborts the update/increment/delete transaction when the row
// does not exist. The exported methods never return it: Update and
// Increment report a missing row as a nil entity with a nil error, and
// Delete as a nil error.
var ErrNotFound = errors.New("dataapi: entity not found")

// Nudger is notified after every local write so SyncEngine can schedule a
// debounced sync; normally *syncengine.Engine.ScheduleDebouncedSync.
type Nudger interface {
	ScheduleDebouncedSync()
}

// noopNudger is used when no SyncEngine is wired yet (e.g. unit tests of
// DataAPI in isolation).
type noopNudger struct{}

func (noopNudger) ScheduleDebouncedSync() {}

// API is the DataAPI surface.
type API struct {
	store    *localstore.Store
	adapter  remote.Adapter
	deviceID string
	logger   *logrus.Logger
	nudger   Nudger
	isOnline func() bool

	recentlyModifiedMu sync.Mutex
	recentlyModified   map[string]time.Time
}

// recentlyModifiedTTL shields a just-written local entity from being
// reverted by a concurrently arriving remote row, per spec.md §3.
const recentlyModifiedTTL = 2 * time.Second

// Option configures an API.
type Option func(*API)

// WithNudger wires the SyncEngine debounce trigger.
func WithNudger(n Nudger) Option {
	return func(a *API) { a.nudger = n }
}

// WithOnlineChecker wires a liveness probe used to gate remote-fallback reads.
func WithOnlineChecker(fn func() bool) Option {
	return func(a *API) { a.isOnline = fn }
}

// New returns an API backed by store (local writes/reads) and adapter
// (remote fallback reads).
func New(store *localstore.Store, adapter remote.Adapter, deviceID string, logger *logrus.Logger, opts ...Option) *API {
	if logger == nil {
		logger = logrus.New()
	}
	a := &API{
		store:            store,
		adapter:          adapter,
		deviceID:         deviceID,
		logger:           logger,
		nudger:           noopNudger{},
		recentlyModified: map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// WasRecentlyModified reports whether entityID was locally written within
// the shielding TTL, consulted by SyncEngine's pull phase.
func (a *API) WasRecentlyModified(entityID string, now time.Time) bool {
	a.recentlyModifiedMu.Lock()
	defer a.recentlyModifiedMu.Unlock()
	ts, ok := a.recentlyModified[entityID]
	return ok && now.Sub(ts) < recentlyModifiedTTL
}

func (a *API) markModified(entityID string, now time.Time) {
	a.recentlyModifiedMu.Lock()
	a.recentlyModified[entityID] = now
	a.recentlyModifiedMu.Unlock()
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Create generates an id if absent, stamps created_at/updated_at/device_id,
// writes the entity, and enqueues a create intent.
func (a *API) Create(table string, data localstore.Entity) (localstore.Entity, error) {
	entity := data.Clone()
	if entity == nil {
		entity = localstore.Entity{}
	}
	id, _ := entity["id"].(string)
	if id == "" {
		id = uuid.NewString()
		entity["id"] = id
	}
	now := nowISO()
	entity["created_at"] = now
	entity["updated_at"] = now
	entity["device_id"] = a.deviceID
	if _, ok := entity["_version"]; !ok {
		entity["_version"] = float64(1)
	}

	err := a.store.Update(func(tx *localstore.Tx) error {
		if err := tx.Put(table, entity); err != nil {
			return err
		}
		_, err := tx.OutboxEnqueue(localstore.OutboxItem{
			Table: table, EntityID: id, Op: localstore.OpCreate, Value: entity.Clone(),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dataapi: create %s: %w", table, err)
	}

	a.markModified(id, time.Now())
	a.nudger.ScheduleDebouncedSync()
	return entity, nil
}

// Update merges fields into the existing entity, bumps updated_at, and
// enqueues a set intent. Returns a nil entity and a nil error if the row
// does not exist.
func (a *API) Update(table, id string, fields localstore.Entity) (localstore.Entity, error) {
	var result localstore.Entity
	err := a.store.Update(func(tx *localstore.Tx) error {
		existing, found, err := tx.Get(table, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		merged := existing.Clone()
		for k, v := range fields {
			merged[k] = v
		}
		merged["updated_at"] = nowISO()
		if err := tx.Put(table, merged); err != nil {
			return err
		}

		item := localstore.OutboxItem{Table: table, EntityID: id, Op: localstore.OpSet}
		if len(fields) == 1 {
			for k, v := range fields {
				item.Field = k
				item.Value = v
			}
		} else {
			item.Value = fields.Clone()
		}
		if _, err := tx.OutboxEnqueue(item); err != nil {
			return err
		}
		result = merged
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataapi: update %s/%s: %w", table, id, err)
	}

	a.markModified(id, time.Now())
	a.nudger.ScheduleDebouncedSync()
	return result, nil
}

// Delete soft-deletes id within table and enqueues a delete intent.
func (a *API) Delete(table, id string) error {
	err := a.store.Update(func(tx *localstore.Tx) error {
		existing, found, err := tx.Get(table, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		existing["deleted"] = true
		existing["updated_at"] = nowISO()
		if err := tx.Put(table, existing); err != nil {
			return err
		}
		_, err = tx.OutboxEnqueue(localstore.OutboxItem{Table: table, EntityID: id, Op: localstore.OpDelete})
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("dataapi: delete %s/%s: %w", table, id, err)
	}

	a.markModified(id, time.Now())
	a.nudger.ScheduleDebouncedSync()
	return nil
}

// Increment reads-modifies-writes field by delta inside the transaction and
// enqueues an increment intent; extraFields, if provided, are enqueued as a
// separate set. Returns ErrNotFound via a nil return, never an error, for a
// missing row, per spec.md §4.4.
func (a *API) Increment(table, id, field string, delta float64, extraFields localstore.Entity) (localstore.Entity, error) {
	var result localstore.Entity
	err := a.store.Update(func(tx *localstore.Tx) error {
		existing, found, err := tx.Get(table, id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		current, _ := existing[field].(float64)
		merged := existing.Clone()
		merged[field] = current + delta
		merged["updated_at"] = nowISO()
		if err := tx.Put(table, merged); err != nil {
			return err
		}

		if _, err := tx.OutboxEnqueue(localstore.OutboxItem{
			Table: table, EntityID: id, Op: localstore.OpIncrement, Field: field, Value: delta,
		}); err != nil {
			return err
		}
		if len(extraFields) > 0 {
			for k, v := range extraFields {
				merged[k] = v
			}
			if err := tx.Put(table, merged); err != nil {
				return err
			}
			if _, err := tx.OutboxEnqueue(localstore.OutboxItem{
				Table: table, EntityID: id, Op: localstore.OpSet, Value: extraFields.Clone(),
			}); err != nil {
				return err
			}
		}
		result = merged
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dataapi: increment %s/%s.%s: %w", table, id, field, err)
	}

	a.markModified(id, time.Now())
	a.nudger.ScheduleDebouncedSync()
	return result, nil
}

// BatchOp is one operation within a Batch call.
type BatchOp struct {
	Table  string
	ID     string
	Kind   localstore.Op
	Fields localstore.Entity // Create/Update payload, or extraFields carrier
	Field  string            // Increment target field
	Delta  float64           // Increment delta
}

// Batch applies every op inside one transaction with one shared timestamp,
// marking every touched id modified and nudging sync exactly once.
func (a *API) Batch(ops []BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var touched []string

	// tx.Get reads straight from the engine and does not see writes still
	// staged in this transaction's batch, so an op that targets an id an
	// earlier op in the same Batch call just created/touched would
	// otherwise see found=false. pending tracks those in-flight rows so
	// later ops in the same call read their own writes.
	pending := map[string]map[string]localstore.Entity{}
	getPending := func(tx *localstore.Tx, table, id string) (localstore.Entity, bool, error) {
		if rows, ok := pending[table]; ok {
			if e, ok := rows[id]; ok {
				return e.Clone(), true, nil
			}
		}
		return tx.Get(table, id)
	}
	putPending := func(table string, e localstore.Entity) {
		id, ok := e["id"].(string)
		if !ok || id == "" {
			return
		}
		rows, ok := pending[table]
		if !ok {
			rows = map[string]localstore.Entity{}
			pending[table] = rows
		}
		rows[id] = e.Clone()
	}

	err := a.store.Update(func(tx *localstore.Tx) error {
		for _, op := range ops {
			switch op.Kind {
			case localstore.OpCreate:
				entity := op.Fields.Clone()
				if entity == nil {
					entity = localstore.Entity{}
				}
				id := op.ID
				if id == "" {
					id, _ = entity["id"].(string)
				}
				if id == "" {
					id = uuid.NewString()
				}
				entity["id"] = id
				entity["created_at"] = now
				entity["updated_at"] = now
				entity["device_id"] = a.deviceID
				if _, ok := entity["_version"]; !ok {
					entity["_version"] = float64(1)
				}
				if err := tx.Put(op.Table, entity); err != nil {
					return err
				}
				putPending(op.Table, entity)
				if _, err := tx.OutboxEnqueue(localstore.OutboxItem{Table: op.Table, EntityID: id, Op: localstore.OpCreate, Value: entity.Clone()}); err != nil {
					return err
				}
				touched = append(touched, id)

			case localstore.OpSet:
				existing, found, err := getPending(tx, op.Table, op.ID)
				if err != nil {
					return err
				}
				if !found {
					continue
				}
				merged := existing.Clone()
				for k, v := range op.Fields {
					merged[k] = v
				}
				merged["updated_at"] = now
				if err := tx.Put(op.Table, merged); err != nil {
					return err
				}
				putPending(op.Table, merged)
				if _, err := tx.OutboxEnqueue(localstore.OutboxItem{Table: op.Table, EntityID: op.ID, Op: localstore.OpSet, Value: op.Fields.Clone()}); err != nil {
					return err
				}
				touched = append(touched, op.ID)

			case localstore.OpIncrement:
				existing, found, err := getPending(tx, op.Table, op.ID)
				if err != nil {
					return err
				}
				if !found {
					continue
				}
				current, _ := existing[op.Field].(float64)
				merged := existing.Clone()
				merged[op.Field] = current + op.Delta
				merged["updated_at"] = now
				if err := tx.Put(op.Table, merged); err != nil {
					return err
				}
				putPending(op.Table, merged)
				if _, err := tx.OutboxEnqueue(localstore.OutboxItem{Table: op.Table, EntityID: op.ID, Op: localstore.OpIncrement, Field: op.Field, Value: op.Delta}); err != nil {
					return err
				}
				touched = append(touched, op.ID)

			case localstore.OpDelete:
				existing, found, err := getPending(tx, op.Table, op.ID)
				if err != nil {
					return err
				}
				if !found {
					continue
				}
				existing["deleted"] = true
				existing["updated_at"] = now
				if err := tx.Put(op.Table, existing); err != nil {
					return err
				}
				putPending(op.Table, existing)
				if _, err := tx.OutboxEnqueue(localstore.OutboxItem{Table: op.Table, EntityID: op.ID, Op: localstore.OpDelete}); err != nil {
					return err
				}
				touched = append(touched, op.ID)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("dataapi: batch: %w", err)
	}

	modifiedAt := time.Now()
	for _, id := range touched {
		a.markModified(id, modifiedAt)
	}
	a.nudger.ScheduleDebouncedSync()
	return nil
}

// ==================== Reads ====================

// readOnline reports whether remote fallback is currently permitted.
func (a *API) readOnline() bool {
	return a.isOnline == nil || a.isOnline()
}

// Get performs a local lookup, falling back to the remote adapter when
// remoteFallback is true, the local result is absent, and the device is
// online; a fetched row is cached locally (excluding soft-deletes).
func (a *API) Get(ctx context.Context, table, id string, remoteFallback bool) (localstore.Entity, error) {
	var entity localstore.Entity
	var found bool
	err := a.store.View(func(tx *localstore.Tx) error {
		var err error
		entity, found, err = tx.Get(table, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dataapi: get %s/%s: %w", table, id, err)
	}
	if found || !remoteFallback || a.adapter == nil || !a.readOnline() {
		return entity, nil
	}

	rows, err := a.adapter.Select(ctx, table, nil, "", []remote.Filter{{Field: "id", Value: id}})
	if err != nil {
		a.logger.WithError(err).Warn("dataapi: remote fallback get failed")
		return nil, nil
	}
	for _, row := range rows {
		if deleted, _ := row["deleted"].(bool); deleted {
			continue
		}
		a.cacheRemoteRow(table, row)
		return row, nil
	}
	return nil, nil
}

// GetAll returns every row in table, optionally sorted by orderBy ascending.
func (a *API) GetAll(table, orderBy string) ([]localstore.Entity, error) {
	var rows []localstore.Entity
	err := a.store.View(func(tx *localstore.Tx) error {
		var err error
		rows, err = tx.GetAll(table, orderBy)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dataapi: getAll %s: %w", table, err)
	}
	return rows, nil
}

// QueryEquals returns rows in table whose index field equals value.
func (a *API) QueryEquals(ctx context.Context, table, index string, value interface{}, remoteFallback bool) ([]localstore.Entity, error) {
	var rows []localstore.Entity
	err := a.store.View(func(tx *localstore.Tx) error {
		var err error
		rows, err = tx.WhereEquals(table, index, value)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dataapi: queryEquals %s.%s: %w", table, index, err)
	}
	if len(rows) > 0 || !remoteFallback || a.adapter == nil || !a.readOnline() {
		return rows, nil
	}

	fetched, err := a.adapter.Select(ctx, table, nil, "", []remote.Filter{{Field: index, Value: value}})
	if err != nil {
		a.logger.WithError(err).Warn("dataapi: remote fallback queryEquals failed")
		return rows, nil
	}
	var kept []localstore.Entity
	for _, row := range fetched {
		if deleted, _ := row["deleted"].(bool); deleted {
			continue
		}
		a.cacheRemoteRow(table, row)
		kept = append(kept, row)
	}
	return kept, nil
}

// QueryRange returns rows in table whose index field falls within [low, high].
func (a *API) QueryRange(table, index string, low, high interface{}) ([]localstore.Entity, error) {
	var rows []localstore.Entity
	err := a.store.View(func(tx *localstore.Tx) error {
		var err error
		rows, err = tx.Range(table, index, low, high)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("dataapi: queryRange %s.%s: %w", table, index, err)
	}
	return rows, nil
}

// GetOrCreate returns the first row matching index=value, optionally
// checking the remote first, otherwise creates one from defaults.
func (a *API) GetOrCreate(ctx context.Context, table, index string, value interface{}, defaults localstore.Entity, checkRemote bool) (localstore.Entity, error) {
	rows, err := a.QueryEquals(ctx, table, index, value, checkRemote)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}
	payload := defaults.Clone()
	if payload == nil {
		payload = localstore.Entity{}
	}
	payload[index] = value
	return a.Create(table, payload)
}

func (a *API) cacheRemoteRow(table string, row localstore.Entity) {
	if err := a.store.Update(func(tx *localstore.Tx) error {
		return tx.Put(table, row)
	}); err != nil {
		a.logger.WithError(err).Warn("dataapi: caching remote fallback row failed")
	}
}

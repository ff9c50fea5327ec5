package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/offlinesync/syncengine/internal/localstore"
)

// Hydrate implements spec.md §4.9's startup hydration: if LocalStore is
// empty across every configured entity table, it mutex-guards a bulk pull
// of all non-deleted rows and sets the cursor to the maximum updated_at
// observed among them (never "now" — spec.md §9's hydration-cursor open
// question). Otherwise it runs orphan reconciliation, and a full
// reconciliation pass if the stored cursor is older than
// tombstoneMaxAgeDays, followed by a normal full sync.
func (e *Engine) Hydrate(ctx context.Context) error {
	userID := e.authGate.GetUserID(ctx)
	if userID == "" {
		return fmt.Errorf("syncengine: hydrate: no authenticated user")
	}
	if !e.tryAcquire() {
		return fmt.Errorf("syncengine: hydrate: sync already in progress")
	}
	defer e.release()

	empty, err := e.allTablesEmpty()
	if err != nil {
		return err
	}

	if empty {
		return e.bulkHydrate(ctx, userID)
	}

	if err := e.reconcileOrphans(ctx, userID); err != nil {
		e.logger.WithError(err).Warn("orphan reconciliation failed")
	}

	if e.cursorIsStale(userID) {
		if _, err := e.pullPhaseWithRetry(ctx, userID, ""); err != nil {
			e.logger.WithError(err).Warn("full reconciliation pull failed")
		}
	}

	go e.runFullSync("hydration", true, false)
	return nil
}

func (e *Engine) allTablesEmpty() (bool, error) {
	empty := true
	err := e.store.View(func(tx *localstore.Tx) error {
		for _, b := range e.tables {
			rows, err := tx.Scan(b.local)
			if err != nil {
				return err
			}
			if len(rows) > 0 {
				empty = false
				return nil
			}
		}
		return nil
	})
	return empty, err
}

func (e *Engine) bulkHydrate(ctx context.Context, userID string) error {
	var maxUpdatedAt string
	for _, b := range e.tables {
		rows, err := e.adapter.Select(ctx, b.remote, b.columns, "", nil)
		if err != nil {
			return fmt.Errorf("syncengine: hydrating table %s: %w", b.remote, err)
		}
		err = e.store.Update(func(tx *localstore.Tx) error {
			for _, row := range rows {
				deleted, _ := row["deleted"].(bool)
				if deleted {
					continue
				}
				if err := tx.Put(b.local, row); err != nil {
					return err
				}
				if ua, ok := row["updated_at"].(string); ok {
					maxUpdatedAt = maxCursor(maxUpdatedAt, ua)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	if maxUpdatedAt == "" {
		return nil
	}
	return e.store.Update(func(tx *localstore.Tx) error {
		return tx.PutCursor(userID, maxUpdatedAt)
	})
}

// reconcileOrphans scans every table for rows whose updated_at is newer
// than the stored cursor while the Outbox is empty for that entity —
// evidence of a local write whose Outbox entry was lost (e.g. a crash
// between Put and OutboxEnqueue never being committed as one transaction
// would prevent, but a wiped Outbox table might produce) — and re-enqueues
// it as a create or delete depending on its deleted flag.
func (e *Engine) reconcileOrphans(ctx context.Context, userID string) error {
	var storedCursor string
	err := e.store.View(func(tx *localstore.Tx) error {
		v, ok, err := tx.GetCursor(userID)
		if err != nil {
			return err
		}
		if ok {
			storedCursor = v
		}
		return nil
	})
	if err != nil {
		return err
	}

	var storedCursorTime time.Time
	var haveStoredCursor bool
	if storedCursor != "" {
		storedCursorTime, haveStoredCursor = asTime(storedCursor)
	}

	return e.store.Update(func(tx *localstore.Tx) error {
		for _, b := range e.tables {
			rows, err := tx.Scan(b.local)
			if err != nil {
				return err
			}
			for _, row := range rows {
				ua, uaOK := asTime(row["updated_at"])
				isNewer := uaOK && (!haveStoredCursor || ua.After(storedCursorTime))
				if !isNewer {
					continue
				}
				id, _ := row["id"].(string)
				if id == "" {
					continue
				}
				pending, err := pendingOpsFor(tx, b.local, id)
				if err != nil {
					return err
				}
				if len(pending) > 0 {
					continue
				}
				deleted, _ := row["deleted"].(bool)
				op := localstore.OpCreate
				var value interface{} = row.Clone()
				if deleted {
					op = localstore.OpDelete
					value = nil
				}
				if _, err := tx.OutboxEnqueue(localstore.OutboxItem{
					Table: b.local, EntityID: id, Op: op, Value: value,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (e *Engine) cursorIsStale(userID string) bool {
	if e.tombstoneMaxAge <= 0 {
		return false
	}
	var storedCursor string
	_ = e.store.View(func(tx *localstore.Tx) error {
		v, ok, err := tx.GetCursor(userID)
		if err != nil {
			return err
		}
		if ok {
			storedCursor = v
		}
		return nil
	})
	if storedCursor == "" {
		return true
	}
	t, ok := asTime(storedCursor)
	if !ok {
		return true
	}
	return t.Before(time.Now().Add(-e.tombstoneMaxAge))
}

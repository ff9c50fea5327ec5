package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/offlinesync/syncengine/internal/coalesce"
	"github.com/offlinesync/syncengine/internal/localstore"
	"github.com/offlinesync/syncengine/internal/remote"
)

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// pushPhase implements spec.md §4.9 step 5: coalesce, snapshot, and push
// each eligible item FIFO, translating intents to adapter calls. It
// returns the count of items successfully pushed, the highest updated_at
// observed among them (the "postPushCursor"), and the first persistent (or
// repeatedly-transient) error worth surfacing to the UI.
func (e *Engine) pushPhase(ctx context.Context, userID string) (int, string, error) {
	snapshot, err := e.outboxSvc.All()
	if err != nil {
		return 0, "", fmt.Errorf("syncengine: snapshotting outbox: %w", err)
	}
	if reduced, changed := coalesce.Reduce(snapshot); changed {
		if err := e.outboxSvc.Replace(snapshot, reduced); err != nil {
			e.logger.WithError(err).Warn("coalescing outbox failed, pushing unreduced")
		}
	}

	eligible, err := e.outboxSvc.List()
	if err != nil {
		return 0, "", fmt.Errorf("syncengine: listing eligible outbox items: %w", err)
	}

	var pushedItems int
	var postPushCursor string
	var surfaced error

	for _, item := range eligible {
		binding, ok := e.bindingByLocal[item.Table]
		if !ok {
			e.logger.WithField("table", item.Table).Warn("outbox item references unconfigured table, dropping")
			if err := e.outboxSvc.Remove(item.Seq); err != nil {
				e.logger.WithError(err).Warn("failed dropping orphaned outbox item")
			}
			continue
		}

		pushErr := e.applyPushIntent(ctx, binding, item, userID)
		if pushErr == nil {
			if err := e.outboxSvc.Remove(item.Seq); err != nil {
				e.logger.WithError(err).Warn("failed removing pushed outbox item")
			}
			pushedItems++
			if ua := e.localUpdatedAt(binding.local, item.EntityID); ua != "" {
				postPushCursor = maxCursor(postPushCursor, ua)
			}
			continue
		}

		if incErr := e.outboxSvc.IncrementRetry(item.Seq); incErr != nil {
			e.logger.WithError(incErr).Warn("failed incrementing outbox retry count")
		}

		class := Classify(pushErr)
		if class == ClassTransient && item.Retries+1 < persistentRetrySurfaceThreshold {
			// Retried below the surfacing threshold: logged, not surfaced.
			e.logger.WithError(pushErr).WithField("entityId", item.EntityID).Debug("transient push failure, will retry")
			continue
		}
		if surfaced == nil {
			surfaced = pushErr
		}
		e.logger.WithError(pushErr).WithField("entityId", item.EntityID).Warn("push failure surfaced")
	}

	return pushedItems, postPushCursor, surfaced
}

func (e *Engine) localUpdatedAt(table, entityID string) string {
	var ua string
	_ = e.store.View(func(tx *localstore.Tx) error {
		row, found, err := tx.Get(table, entityID)
		if err != nil || !found {
			return nil
		}
		ua, _ = row["updated_at"].(string)
		return nil
	})
	return ua
}

func (e *Engine) applyPushIntent(ctx context.Context, b tableBinding, item localstore.OutboxItem, userID string) error {
	switch item.Op {
	case localstore.OpCreate:
		return e.pushCreate(ctx, b, item, userID)
	case localstore.OpSet:
		return e.pushSet(ctx, b, item, userID)
	case localstore.OpIncrement:
		return e.pushIncrement(ctx, b, item, userID)
	case localstore.OpDelete:
		return e.pushDelete(ctx, b, item, userID)
	default:
		return fmt.Errorf("syncengine: unknown outbox op %q", item.Op)
	}
}

// pushCreate inserts the full payload plus device_id, per spec.md §4.9.
// A unique-constraint violation on a singleton table triggers
// reconciliation against the existing row; on any other table a duplicate
// is treated as an idempotent success.
func (e *Engine) pushCreate(ctx context.Context, b tableBinding, item localstore.OutboxItem, userID string) error {
	payload, _ := item.Value.(localstore.Entity)
	if payload == nil {
		payload = localstore.Entity{}
	}

	_, err := e.adapter.Insert(ctx, b.remote, payload)
	if err == nil {
		return nil
	}
	if Classify(err) == ClassDuplicate {
		if b.isSingleton {
			return e.reconcileSingleton(ctx, b, item.EntityID, userID)
		}
		return nil
	}
	return err
}

// pushSet updates by id. A zero-row return on a singleton table runs the
// same reconciliation dance; elsewhere it fails push_blocked.
func (e *Engine) pushSet(ctx context.Context, b tableBinding, item localstore.OutboxItem, userID string) error {
	patch := setPatch(item)
	returnedID, err := e.adapter.Update(ctx, b.remote, item.EntityID, patch)
	if err != nil {
		return err
	}
	if returnedID == "" {
		if b.isSingleton {
			return e.reconcileSingleton(ctx, b, item.EntityID, userID)
		}
		return fmt.Errorf("syncengine: push_blocked: update %s/%s returned no rows", b.remote, item.EntityID)
	}
	return nil
}

func setPatch(item localstore.OutboxItem) localstore.Entity {
	if item.Field != "" {
		return localstore.Entity{item.Field: item.Value}
	}
	if obj, ok := item.Value.(localstore.Entity); ok {
		return obj.Clone()
	}
	return localstore.Entity{}
}

// pushIncrement converts the intent to a snapshot at push time: it reads
// the locally already-incremented value (the read-modify-write already
// happened in DataAPI.Increment) and pushes that as an absolute update,
// per spec.md §4.9 ("true additive merge across devices is NOT provided").
func (e *Engine) pushIncrement(ctx context.Context, b tableBinding, item localstore.OutboxItem, userID string) error {
	var current float64
	err := e.store.View(func(tx *localstore.Tx) error {
		row, found, err := tx.Get(b.local, item.EntityID)
		if err != nil {
			return err
		}
		if found {
			current, _ = row[item.Field].(float64)
		}
		return nil
	})
	if err != nil {
		return err
	}

	patch := localstore.Entity{item.Field: current, "updated_at": nowISO(), "device_id": e.deviceID}
	returnedID, err := e.adapter.Update(ctx, b.remote, item.EntityID, patch)
	if err != nil {
		return err
	}
	if returnedID == "" {
		if b.isSingleton {
			return e.reconcileSingleton(ctx, b, item.EntityID, userID)
		}
		return fmt.Errorf("syncengine: push_blocked: increment %s/%s returned no rows", b.remote, item.EntityID)
	}
	return nil
}

// pushDelete soft-deletes remotely; a zero-row return is treated as
// success since the row is already gone.
func (e *Engine) pushDelete(ctx context.Context, b tableBinding, item localstore.OutboxItem, _ string) error {
	patch := localstore.Entity{"deleted": true, "updated_at": nowISO(), "device_id": e.deviceID}
	_, err := e.adapter.Update(ctx, b.remote, item.EntityID, patch)
	return err
}

// reconcileSingleton handles the "one row per user" dance spec.md §4.9
// names: look up the already-existing row by user_id, adopt its id
// locally, merge the local pending payload onto it, and purge any Outbox
// items still referencing the stale local id.
func (e *Engine) reconcileSingleton(ctx context.Context, b tableBinding, oldID, userID string) error {
	rows, err := e.adapter.Select(ctx, b.remote, nil, "", []remote.Filter{{Field: "user_id", Value: userID}})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return errors.New("syncengine: singleton reconciliation found no existing remote row")
	}
	existing := rows[0]
	newID, _ := existing["id"].(string)
	if newID == "" || newID == oldID {
		return nil
	}

	return e.store.Update(func(tx *localstore.Tx) error {
		localRow, found, err := tx.Get(b.local, oldID)
		if err != nil {
			return err
		}
		merged := existing.Clone()
		if found {
			for k, v := range localRow {
				if k != "id" {
					merged[k] = v
				}
			}
		}
		merged["id"] = newID
		if err := tx.Put(b.local, merged); err != nil {
			return err
		}
		if found && newID != oldID {
			if err := tx.Delete(b.local, oldID); err != nil {
				return err
			}
		}

		all, err := tx.OutboxAll()
		if err != nil {
			return err
		}
		for _, it := range all {
			if it.Table == b.local && it.EntityID == oldID {
				if err := tx.OutboxRemove(it.Seq); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

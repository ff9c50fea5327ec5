package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/offlinesync/syncengine/internal/localstore"
)

// pullPhaseWithRetry implements spec.md §4.9 step 6's retry policy: up to
// three attempts with a 1s/2s backoff, only reached when push succeeded in
// the same cycle (after a surfaced push error runFullSync makes a single
// pullOnce attempt instead, and a pull failure then does not mask the push
// error).
func (e *Engine) pullPhaseWithRetry(ctx context.Context, userID, postPushCursor string) (int, error) {
	var lastErr error
	for attempt := 0; attempt < pullMaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(pullBackoff[attempt]):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}
		pullCtx, cancel := context.WithTimeout(ctx, pullTimeout)
		pulled, err := e.pullOnce(pullCtx, userID, postPushCursor)
		cancel()
		if err == nil {
			return pulled, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

type tableRows struct {
	binding tableBinding
	rows    []localstore.Entity
}

// pullOnce implements spec.md §4.9 step 6.a-d: a parallel per-table select
// above effectiveCursor, applied inside one transaction spanning every
// touched table plus the Outbox/conflict history, then the cursor is
// advanced to the maximum updated_at observed.
func (e *Engine) pullOnce(ctx context.Context, userID, postPushCursor string) (int, error) {
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
		return 0, fmt.Errorf("syncengine: reading stored cursor: %w", err)
	}
	effectiveCursor := maxCursor(storedCursor, postPushCursor)

	results := make([]tableRows, len(e.tables))
	var wg sync.WaitGroup
	errCh := make(chan error, len(e.tables))
	for i, b := range e.tables {
		wg.Add(1)
		go func(i int, b tableBinding) {
			defer wg.Done()
			rows, err := e.adapter.Select(ctx, b.remote, b.columns, effectiveCursor, nil)
			if err != nil {
				errCh <- fmt.Errorf("syncengine: pulling table %s: %w", b.remote, err)
				return
			}
			results[i] = tableRows{binding: b, rows: rows}
		}(i, b)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return 0, err
		}
	}

	now := time.Now()
	pulled := 0
	maxUpdatedAt := effectiveCursor

	err = e.store.Update(func(tx *localstore.Tx) error {
		for _, tr := range results {
			for _, row := range tr.rows {
				entityID, _ := row["id"].(string)
				if entityID == "" {
					continue
				}
				if ua, ok := row["updated_at"].(string); ok {
					maxUpdatedAt = maxCursor(maxUpdatedAt, ua)
				}

				if e.recentMod != nil && e.recentMod.WasRecentlyModified(entityID, now) {
					continue
				}
				if e.recentProc != nil && e.recentProc.WasRecentlyProcessed(entityID, now) {
					continue
				}

				applied, err := e.applyPulledRow(tx, tr.binding.local, entityID, row)
				if err != nil {
					return err
				}
				if applied {
					pulled++
				}
			}
		}
		if maxUpdatedAt != "" {
			if err := tx.PutCursor(userID, maxUpdatedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pulled, nil
}

// applyPulledRow implements spec.md §4.9 step 6.c's per-row decision tree.
func (e *Engine) applyPulledRow(tx *localstore.Tx, table, entityID string, row localstore.Entity) (bool, error) {
	local, found, err := tx.Get(table, entityID)
	if err != nil {
		return false, err
	}
	if !found {
		if err := tx.Put(table, row); err != nil {
			return false, err
		}
		return true, nil
	}
	if !isStrictlyNewer(row, local) {
		return false, nil
	}

	pendingOps, err := pendingOpsFor(tx, table, entityID)
	if err != nil {
		return false, err
	}
	if len(pendingOps) == 0 {
		if err := tx.Put(table, row); err != nil {
			return false, err
		}
		return true, nil
	}

	res := e.resolver.Resolve(table, entityID, local, row, pendingOps)
	if err := tx.Put(table, res.MergedEntity); err != nil {
		return false, err
	}
	return true, nil
}

func pendingOpsFor(tx *localstore.Tx, table, entityID string) ([]localstore.OutboxItem, error) {
	all, err := tx.OutboxAll()
	if err != nil {
		return nil, err
	}
	var out []localstore.OutboxItem
	for _, item := range all {
		if item.Table == table && item.EntityID == entityID {
			out = append(out, item)
		}
	}
	return out, nil
}

func isStrictlyNewer(remoteRow, localRow localstore.Entity) bool {
	rt, rok := asTime(remoteRow["updated_at"])
	lt, lok := asTime(localRow["updated_at"])
	if !rok {
		return false
	}
	if !lok {
		return true
	}
	return rt.After(lt)
}

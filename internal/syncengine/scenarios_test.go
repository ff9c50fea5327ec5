package syncengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offlinesync/syncengine/internal/localstore"
)

// recentProcAfter reports true for any entity processed at or before cutoff
// plus the dedup window, simulating RealtimeManager's 2s-TTL dedup map.
type recentProcAfter struct {
	entityID string
	until    time.Time
}

func (r recentProcAfter) WasRecentlyProcessed(entityID string, now time.Time) bool {
	return entityID == r.entityID && !now.After(r.until)
}

// Scenario 6 (spec.md §8): realtime applies an UPDATE for entity E at t0; a
// pull 500ms later returning the same row must cause zero LocalStore writes,
// while the cursor still advances.
func TestScenario_RealtimePollDedupSuppressesDuplicatePullWrite(t *testing.T) {
	e, store, _, adapter, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	t0 := time.Now()
	ua := t0.UTC().Format(time.RFC3339Nano)

	require.NoError(t, store.Update(func(tx *localstore.Tx) error {
		return tx.Put("tasks", localstore.Entity{"id": "e1", "title": "applied by realtime", "updated_at": ua, "device_id": "device-2"})
	}))
	_, err := adapter.Insert(context.Background(), "tasks", localstore.Entity{"id": "e1", "title": "applied by realtime", "updated_at": ua, "device_id": "device-2"})
	require.NoError(t, err)

	e.recentProc = recentProcAfter{entityID: "e1", until: t0.Add(2 * time.Second)}

	pulled, err := e.pullOnce(context.Background(), "user-1", "")
	require.NoError(t, err)
	require.Equal(t, 0, pulled, "a row already applied by realtime within the dedup window must not be re-written by pull")

	cursor, ok, err := storeCursor(t, store, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ua, cursor, "the cursor still advances even though the row itself was deduped")
}

func storeCursor(t *testing.T, store *localstore.Store, userID string) (string, bool, error) {
	t.Helper()
	var cursor string
	var ok bool
	var err error
	viewErr := store.View(func(tx *localstore.Tx) error {
		cursor, ok, err = tx.GetCursor(userID)
		return err
	})
	if viewErr != nil {
		return "", false, viewErr
	}
	return cursor, ok, err
}

// Scenario 7 (spec.md §8): device goes offline, the application performs 3
// creates and 2 updates, the device comes back online. All five items must
// leave the Outbox and the cursor must advance past their updated_at.
func TestScenario_OfflineWritesThenOnlinePushesAllAndAdvancesCursor(t *testing.T) {
	e, _, ob, adapter, cleanup := setupEngine(t, tasksTable())
	defer cleanup()
	e.isOnline = func() bool { return false }

	for i := 0; i < 3; i++ {
		_, err := ob.Enqueue(localstore.OutboxItem{
			Table: "tasks", EntityID: idFor(i), Op: localstore.OpCreate,
			Value: localstore.Entity{"id": idFor(i), "title": "t", "updated_at": nowISO(), "device_id": "device-1"},
		})
		require.NoError(t, err)
	}
	for i := 3; i < 5; i++ {
		_, err := adapter.Insert(context.Background(), "tasks", localstore.Entity{"id": idFor(i), "title": "t", "updated_at": nowISO(), "device_id": "device-1"})
		require.NoError(t, err)
		_, err = ob.Enqueue(localstore.OutboxItem{
			Table: "tasks", EntityID: idFor(i), Op: localstore.OpSet, Field: "title", Value: "updated",
		})
		require.NoError(t, err)
	}

	e.runFullSync("offline-attempt", false, false)
	items, err := ob.All()
	require.NoError(t, err)
	require.Len(t, items, 5, "nothing pushes while offline")

	e.isOnline = func() bool { return true }
	e.runFullSync("back-online", false, false)

	items, err = ob.All()
	require.NoError(t, err)
	require.Empty(t, items, "all five queued items must leave the Outbox once back online")

	cursor, ok, err := storeCursor(t, engineStore(e), "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, cursor)
}

func idFor(i int) string { return "t" + string(rune('0'+i)) }

func engineStore(e *Engine) *localstore.Store { return e.store }

// Scenario 8 (spec.md §8): a row-level-authorization denial is classified
// persistent and surfaced as push_blocked immediately, without waiting for
// three retries the way a transient error would.
func TestScenario_RowLevelAuthDenialSurfacesImmediatelyAsPersistent(t *testing.T) {
	e, _, ob, adapter, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	_, err := adapter.Insert(context.Background(), "tasks", localstore.Entity{"id": "e1", "title": "t", "updated_at": nowISO(), "device_id": "device-1"})
	require.NoError(t, err)
	adapter.DenyID("e1")

	_, err = ob.Enqueue(localstore.OutboxItem{Table: "tasks", EntityID: "e1", Op: localstore.OpSet, Field: "title", Value: "x"})
	require.NoError(t, err)

	_, _, pushErr := e.pushPhase(context.Background(), "user-1")
	require.Error(t, pushErr)
	require.Equal(t, ClassPersistent, Classify(pushErr))

	items, err := ob.All()
	require.NoError(t, err)
	require.Len(t, items, 1, "a persistent failure keeps the item queued with an incremented retry count")
	require.Equal(t, 1, items[0].Retries)
}

// Property (spec.md §8): idempotent delete push. Deleting an entity already
// absent from the backend succeeds without side effects and removes the
// Outbox item.
func TestProperty_IdempotentDeletePush(t *testing.T) {
	e, _, ob, adapter, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	_, err := ob.Enqueue(localstore.OutboxItem{Table: "tasks", EntityID: "never-existed", Op: localstore.OpDelete})
	require.NoError(t, err)

	pushed, _, pushErr := e.pushPhase(context.Background(), "user-1")
	require.NoError(t, pushErr)
	require.Equal(t, 1, pushed)

	items, err := ob.All()
	require.NoError(t, err)
	require.Empty(t, items)

	rows, err := adapter.Select(context.Background(), "tasks", nil, "", nil)
	require.NoError(t, err)
	require.Empty(t, rows, "no row should have been created as a side effect of deleting one that never existed")
}

// Property (spec.md §8): cursor monotonicity across a sequence of pulls.
func TestProperty_CursorMonotonicityAcrossSuccessivePulls(t *testing.T) {
	e, store, _, adapter, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	var lastCursor string
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		ua := base.Add(time.Duration(i) * time.Minute).UTC().Format(time.RFC3339Nano)
		_, err := adapter.Insert(context.Background(), "tasks", localstore.Entity{"id": idFor(i), "title": "t", "updated_at": ua})
		require.NoError(t, err)

		_, err = e.pullOnce(context.Background(), "user-1", "")
		require.NoError(t, err)

		cursor, ok, err := storeCursor(t, store, "user-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.GreaterOrEqual(t, cursor, lastCursor, "storedCursor must never decrease across successive pulls")
		lastCursor = cursor
	}
}

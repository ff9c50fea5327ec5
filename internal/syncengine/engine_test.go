package syncengine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/offlinesync/syncengine/internal/conflict"
	"github.com/offlinesync/syncengine/internal/config"
	"github.com/offlinesync/syncengine/internal/localstore"
	"github.com/offlinesync/syncengine/internal/outbox"
	"github.com/offlinesync/syncengine/internal/realtime"
	"github.com/offlinesync/syncengine/internal/remote"
)

// fakeAuthGate always reports a fixed user and never demands revalidation,
// unless told otherwise.
type fakeAuthGate struct {
	userID         string
	needsValidation bool
}

func (f *fakeAuthGate) NeedsValidation() bool                 { return f.needsValidation }
func (f *fakeAuthGate) GetUserID(ctx context.Context) string { return f.userID }

// fakeRealtimeState reports a fixed connection state.
type fakeRealtimeState struct {
	state realtime.State
}

func (f *fakeRealtimeState) State() realtime.State { return f.state }

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

func setupEngine(t *testing.T, tables []config.TableConfig) (*Engine, *localstore.Store, *outbox.Outbox, *remote.FakeAdapter, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "syncengine-test-*")
	require.NoError(t, err)

	logger := testLogger()
	store, err := localstore.Open(localstore.Options{DataDir: dir, Backend: localstore.BackendPebble, Logger: logger})
	require.NoError(t, err)

	ob := outbox.New(store, logger)
	adapter := remote.NewFakeAdapter()
	resolver := conflict.New(store, logger)
	auth := &fakeAuthGate{userID: "user-1"}
	rt := &fakeRealtimeState{state: realtime.StateDisconnected}

	cfg := &config.Config{
		Tables:              tables,
		SyncDebounceMs:      50,
		TombstoneMaxAgeDays: 30,
	}

	e := New(store, ob, adapter, resolver, auth, rt, nil, nil, "device-1", cfg, logger)

	cleanup := func() {
		_ = store.Close()
		_ = os.RemoveAll(dir)
	}
	return e, store, ob, adapter, cleanup
}

func tasksTable() []config.TableConfig {
	return []config.TableConfig{{RemoteName: "tasks", LocalName: "tasks", Columns: "*"}}
}

func TestEngine_TryAcquireIsNonBlockingAndMutuallyExclusive(t *testing.T) {
	e, _, _, _, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	require.True(t, e.tryAcquire())
	require.False(t, e.tryAcquire(), "second tryAcquire must fail while held")
	e.release()
	require.True(t, e.tryAcquire(), "tryAcquire must succeed again after release")
	e.release()
}

func TestEngine_WatchdogForceReleasesStaleLock(t *testing.T) {
	e, _, _, _, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	require.True(t, e.tryAcquire())
	e.lockMu.Lock()
	e.lockHeldAt = time.Now().Add(-2 * lockStaleAfter)
	e.lockMu.Unlock()

	e.checkStaleLock()

	require.True(t, e.tryAcquire(), "stale lock should have been force-released")
	e.release()
}

func TestEngine_CheckStaleLockIsNoopWhenFresh(t *testing.T) {
	e, _, _, _, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	require.True(t, e.tryAcquire())
	e.checkStaleLock()
	require.False(t, e.tryAcquire(), "a freshly-held lock must not be force-released")
	e.release()
}

func TestEngine_ScheduleDebouncedSyncCoalescesIntoOneCycle(t *testing.T) {
	e, _, ob, _, cleanup := setupEngine(t, tasksTable())
	defer cleanup()
	e.debounceInterval = 20 * time.Millisecond

	var fired int
	e.RegisterSyncComplete(func(CycleResult) { fired++ })

	_, err := ob.Enqueue(localstore.OutboxItem{Table: "tasks", EntityID: "t1", Op: localstore.OpCreate, Value: localstore.Entity{"id": "t1", "title": "a"}})
	require.NoError(t, err)

	e.ScheduleDebouncedSync()
	e.ScheduleDebouncedSync()
	e.ScheduleDebouncedSync()

	require.Eventually(t, func() bool { return fired > 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, fired, "rapid re-scheduling must coalesce into a single fired cycle")
}

func TestEngine_RunFullSyncPushesCreateAndPullsRemoteInsert(t *testing.T) {
	e, store, ob, adapter, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	t0 := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	t1 := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := ob.Enqueue(localstore.OutboxItem{
		Table: "tasks", EntityID: "local-1", Op: localstore.OpCreate,
		Value: localstore.Entity{"id": "local-1", "title": "write report", "updated_at": t0, "device_id": "device-1"},
	})
	require.NoError(t, err)

	e.runFullSync("test", false, false)

	status, lastErr := e.Status()
	require.Equal(t, StatusIdle, status)
	require.Nil(t, lastErr)

	items, err := ob.All()
	require.NoError(t, err)
	require.Empty(t, items, "pushed item should be removed from the outbox")

	remoteRows, err := adapter.Select(context.Background(), "tasks", nil, "", nil)
	require.NoError(t, err)
	require.Len(t, remoteRows, 1)

	_, err = adapter.Insert(context.Background(), "tasks", localstore.Entity{
		"id": "remote-1", "title": "remote task", "updated_at": t1, "device_id": "device-2",
	})
	require.NoError(t, err)

	e.runFullSync("test-pull", false, false)

	var found bool
	_ = store.View(func(tx *localstore.Tx) error {
		_, found, _ = tx.Get("tasks", "remote-1")
		return nil
	})
	require.True(t, found, "remotely-created row must be pulled into LocalStore")
}

func TestEngine_RunFullSyncSkippedWhenOffline(t *testing.T) {
	e, _, ob, _, cleanup := setupEngine(t, tasksTable())
	defer cleanup()
	e.isOnline = func() bool { return false }

	_, err := ob.Enqueue(localstore.OutboxItem{Table: "tasks", EntityID: "t1", Op: localstore.OpCreate, Value: localstore.Entity{"id": "t1"}})
	require.NoError(t, err)

	e.runFullSync("test", false, false)

	status, _ := e.Status()
	require.Equal(t, StatusOffline, status)

	items, err := ob.All()
	require.NoError(t, err)
	require.Len(t, items, 1, "nothing should be pushed while offline")
}

func TestEngine_RunFullSyncDeferredWhileAuthNeedsRevalidation(t *testing.T) {
	e, _, ob, _, cleanup := setupEngine(t, tasksTable())
	defer cleanup()
	e.authGate = &fakeAuthGate{userID: "user-1", needsValidation: true}

	_, err := ob.Enqueue(localstore.OutboxItem{Table: "tasks", EntityID: "t1", Op: localstore.OpCreate, Value: localstore.Entity{"id": "t1"}})
	require.NoError(t, err)

	e.runFullSync("test", false, false)

	items, err := ob.All()
	require.NoError(t, err)
	require.Len(t, items, 1, "push must be deferred while auth gate needs revalidation")
}

func TestEngine_TombstoneSweepDeletesExpiredRowsLocallyAndRemotely(t *testing.T) {
	e, store, _, adapter, cleanup := setupEngine(t, tasksTable())
	defer cleanup()
	e.tombstoneMaxAge = 24 * time.Hour

	old := time.Now().Add(-48 * time.Hour).UTC().Format(time.RFC3339Nano)
	require.NoError(t, store.Update(func(tx *localstore.Tx) error {
		return tx.Put("tasks", localstore.Entity{"id": "old-1", "deleted": true, "updated_at": old})
	}))
	_, err := adapter.Insert(context.Background(), "tasks", localstore.Entity{"id": "old-1", "deleted": true, "updated_at": old})
	require.NoError(t, err)

	e.sweepTombstones(context.Background(), "user-1")

	var found bool
	_ = store.View(func(tx *localstore.Tx) error {
		_, found, _ = tx.Get("tasks", "old-1")
		return nil
	})
	require.False(t, found, "expired tombstone must be purged locally")

	remoteRows, err := adapter.Select(context.Background(), "tasks", nil, "", nil)
	require.NoError(t, err)
	require.Empty(t, remoteRows, "expired tombstone must be purged remotely")
}

func TestEngine_StatusObserversFireOnTransition(t *testing.T) {
	e, _, ob, _, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	var events []Status
	detach := e.RegisterStatusChange(func(ev StatusEvent) { events = append(events, ev.Status) })
	defer detach()

	_, err := ob.Enqueue(localstore.OutboxItem{Table: "tasks", EntityID: "t1", Op: localstore.OpCreate, Value: localstore.Entity{"id": "t1"}})
	require.NoError(t, err)

	e.runFullSync("test", false, false)

	require.Contains(t, events, StatusSyncing)
	require.Contains(t, events, StatusIdle)
}

func TestEngine_HydrateBulkPullsWhenEmptyAndSetsCursorToMaxPulled(t *testing.T) {
	e, store, _, adapter, cleanup := setupEngine(t, tasksTable())
	defer cleanup()

	older := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339Nano)
	newer := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := adapter.Insert(context.Background(), "tasks", localstore.Entity{"id": "r1", "title": "a", "updated_at": older, "device_id": "device-2"})
	require.NoError(t, err)
	_, err = adapter.Insert(context.Background(), "tasks", localstore.Entity{"id": "r2", "title": "b", "updated_at": newer, "device_id": "device-2"})
	require.NoError(t, err)

	require.NoError(t, e.Hydrate(context.Background()))

	var cursor string
	var ok bool
	_ = store.View(func(tx *localstore.Tx) error {
		cursor, ok, _ = tx.GetCursor("user-1")
		return nil
	})
	require.True(t, ok)
	require.Equal(t, newer, cursor, "hydration cursor must advance to the max pulled updated_at, never now()")

	var found bool
	_ = store.View(func(tx *localstore.Tx) error {
		_, found, _ = tx.Get("tasks", "r1")
		return nil
	})
	require.True(t, found)
}

package localstore

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// setupStore opens a temporary store on the given backend for unit tests, same
// os.MkdirTemp-plus-cleanup pattern as internal/metadata/pebble_test.go.
func setupStore(t *testing.T, backend Backend) (*Store, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "localstore-test-*")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	store, err := Open(Options{DataDir: dir, Backend: backend, Logger: logger})
	require.NoError(t, err)

	cleanup := func() {
		_ = store.Close()
		_ = os.RemoveAll(dir)
	}
	return store, cleanup
}

func TestStore_EntityRoundTrip(t *testing.T) {
	for _, backend := range []Backend{BackendPebble, BackendBadger} {
		t.Run(string(backend), func(t *testing.T) {
			store, cleanup := setupStore(t, backend)
			defer cleanup()

			err := store.Update(func(tx *Tx) error {
				return tx.Put("tasks", Entity{"id": "t1", "title": "buy milk"})
			})
			require.NoError(t, err)

			var got Entity
			err = store.View(func(tx *Tx) error {
				e, ok, err := tx.Get("tasks", "t1")
				if err != nil {
					return err
				}
				require.True(t, ok)
				got = e
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, "buy milk", got["title"])
		})
	}
}

func TestStore_ScanAndWhereEquals(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	require.NoError(t, store.Update(func(tx *Tx) error {
		require.NoError(t, tx.Put("tasks", Entity{"id": "1", "status": "done"}))
		require.NoError(t, tx.Put("tasks", Entity{"id": "2", "status": "pending"}))
		require.NoError(t, tx.Put("tasks", Entity{"id": "3", "status": "done"}))
		return nil
	}))

	var all, done []Entity
	require.NoError(t, store.View(func(tx *Tx) error {
		var err error
		all, err = tx.Scan("tasks")
		if err != nil {
			return err
		}
		done, err = tx.WhereEquals("tasks", "status", "done")
		return err
	}))

	require.Len(t, all, 3)
	require.Len(t, done, 2)
}

func TestStore_GetMetaPutMeta(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	_, ok, err := store.GetMeta("deviceId")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.PutMeta("deviceId", "abc-123"))

	v, ok, err := store.GetMeta("deviceId")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc-123", v)
}

func TestStore_OutboxFIFOAndRetryBackoff(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	require.NoError(t, store.Update(func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.OutboxEnqueue(OutboxItem{Table: "tasks", EntityID: "t1", Op: OpSet}); err != nil {
				return err
			}
		}
		return nil
	}))

	var items []OutboxItem
	require.NoError(t, store.View(func(tx *Tx) error {
		var err error
		items, err = tx.OutboxList(time.Now())
		return err
	}))
	require.Len(t, items, 3)
	require.Equal(t, uint64(1), items[0].Seq)
	require.Equal(t, uint64(3), items[2].Seq)

	now := time.Now()
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.OutboxIncrementRetry(items[0].Seq, now)
	}))

	require.NoError(t, store.View(func(tx *Tx) error {
		eligible, err := tx.OutboxList(now)
		if err != nil {
			return err
		}
		for _, it := range eligible {
			require.NotEqual(t, items[0].Seq, it.Seq, "just-retried item should not be immediately eligible again")
		}
		return nil
	}))

	require.NoError(t, store.View(func(tx *Tx) error {
		eligible, err := tx.OutboxList(now.Add(2 * time.Second))
		if err != nil {
			return err
		}
		require.Len(t, eligible, 3, "item becomes eligible again once its backoff elapses")
		return nil
	}))
}

func TestStore_ConflictHistoryPrune(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	old := time.Now().Add(-40 * 24 * time.Hour)
	fresh := time.Now()

	require.NoError(t, store.Update(func(tx *Tx) error {
		if err := tx.ConflictHistoryAppend(ConflictHistoryEntry{EntityID: "e1", At: old}); err != nil {
			return err
		}
		return tx.ConflictHistoryAppend(ConflictHistoryEntry{EntityID: "e1", At: fresh})
	}))

	require.Equal(t, 2, countConflictHistory(t, store))

	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.ConflictHistoryPrune(time.Now().Add(-30 * 24 * time.Hour))
	}))

	require.Equal(t, 1, countConflictHistory(t, store))
}

func countConflictHistory(t *testing.T, store *Store) int {
	t.Helper()
	count := 0
	require.NoError(t, store.View(func(tx *Tx) error {
		return tx.engine.ScanPrefix([]byte(prefixConflict), func(_, _ []byte) error {
			count++
			return nil
		})
	}))
	return count
}

func TestStore_CursorLifecycle(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	var found bool
	require.NoError(t, store.View(func(tx *Tx) error {
		_, ok, err := tx.GetCursor("user-1")
		found = ok
		return err
	}))
	require.False(t, found)

	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.PutCursor("user-1", "2025-01-01T00:00:00Z")
	}))

	require.NoError(t, store.View(func(tx *Tx) error {
		v, found, err := tx.GetCursor("user-1")
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "2025-01-01T00:00:00Z", v)
		return nil
	}))

	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.DeleteCursor("user-1")
	}))

	require.NoError(t, store.View(func(tx *Tx) error {
		_, found, err := tx.GetCursor("user-1")
		require.NoError(t, err)
		require.False(t, found)
		return nil
	}))
}


package localstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTx_RangeAndGetAllOrdering(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	require.NoError(t, store.Update(func(tx *Tx) error {
		require.NoError(t, tx.Put("scores", Entity{"id": "a", "points": float64(30)}))
		require.NoError(t, tx.Put("scores", Entity{"id": "b", "points": float64(10)}))
		require.NoError(t, tx.Put("scores", Entity{"id": "c", "points": float64(20)}))
		return nil
	}))

	var ranged, ordered []Entity
	require.NoError(t, store.View(func(tx *Tx) error {
		var err error
		ranged, err = tx.Range("scores", "points", float64(15), float64(30))
		if err != nil {
			return err
		}
		ordered, err = tx.GetAll("scores", "points")
		return err
	}))

	require.Len(t, ranged, 2)
	require.Len(t, ordered, 3)
	require.Equal(t, "b", ordered[0]["id"])
	require.Equal(t, "c", ordered[1]["id"])
	require.Equal(t, "a", ordered[2]["id"])
}

func TestTx_PutRejectsEmptyID(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	err := store.Update(func(tx *Tx) error {
		return tx.Put("tasks", Entity{"title": "no id"})
	})
	require.Error(t, err)
}

func TestTx_ViewRejectsWrites(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	err := store.View(func(tx *Tx) error {
		return tx.Put("tasks", Entity{"id": "x"})
	})
	require.Error(t, err)
}

func TestTx_DeleteRemovesEntity(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.Put("tasks", Entity{"id": "t1"})
	}))
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.Delete("tasks", "t1")
	}))

	var found bool
	require.NoError(t, store.View(func(tx *Tx) error {
		_, ok, err := tx.Get("tasks", "t1")
		found = ok
		return err
	}))
	require.False(t, found)
}

func TestTx_OutboxReplaceAllAppliesCoalescing(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	var original []OutboxItem
	require.NoError(t, store.Update(func(tx *Tx) error {
		for i := 0; i < 4; i++ {
			item, err := tx.OutboxEnqueue(OutboxItem{Table: "tasks", EntityID: "t1", Op: OpSet, Field: "title"})
			if err != nil {
				return err
			}
			original = append(original, item)
		}
		return nil
	}))
	require.Len(t, original, 4)

	// Simulate the Coalescer collapsing four sets on the same field down to
	// the last one, keeping only the final item's seq.
	kept := original[len(original)-1]
	require.NoError(t, store.Update(func(tx *Tx) error {
		return tx.OutboxReplaceAll(original, []OutboxItem{kept})
	}))

	var remaining []OutboxItem
	require.NoError(t, store.View(func(tx *Tx) error {
		var err error
		remaining, err = tx.OutboxAll()
		return err
	}))
	require.Len(t, remaining, 1)
	require.Equal(t, kept.Seq, remaining[0].Seq)
}

func TestTx_OutboxExhaustedItemsExcludedFromList(t *testing.T) {
	store, cleanup := setupStore(t, BackendPebble)
	defer cleanup()

	var seq uint64
	require.NoError(t, store.Update(func(tx *Tx) error {
		item, err := tx.OutboxEnqueue(OutboxItem{Table: "tasks", EntityID: "t1", Op: OpSet})
		seq = item.Seq
		return err
	}))

	now := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Update(func(tx *Tx) error {
			return tx.OutboxIncrementRetry(seq, now)
		}))
	}

	require.NoError(t, store.View(func(tx *Tx) error {
		eligible, err := tx.OutboxList(now)
		if err != nil {
			return err
		}
		require.Empty(t, eligible, "item with retries >= 5 is exhausted and excluded")
		return nil
	}))
}

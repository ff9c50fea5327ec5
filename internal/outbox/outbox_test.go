package outbox

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/offlinesync/syncengine/internal/localstore"
)

func setupOutbox(t *testing.T) (*Outbox, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "outbox-test-*")
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	store, err := localstore.Open(localstore.Options{DataDir: dir, Backend: localstore.BackendPebble, Logger: logger})
	require.NoError(t, err)

	cleanup := func() {
		_ = store.Close()
		_ = os.RemoveAll(dir)
	}
	return New(store, logger), cleanup
}

func TestOutbox_EnqueueListRemove(t *testing.T) {
	ob, cleanup := setupOutbox(t)
	defer cleanup()

	item, err := ob.Enqueue(localstore.OutboxItem{Table: "tasks", EntityID: "t1", Op: localstore.OpCreate})
	require.NoError(t, err)
	require.Equal(t, uint64(1), item.Seq)

	items, err := ob.List()
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, ob.Remove(item.Seq))

	items, err = ob.List()
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestOutbox_CleanupExhaustedSweepsAndCounts(t *testing.T) {
	ob, cleanup := setupOutbox(t)
	defer cleanup()

	item, err := ob.Enqueue(localstore.OutboxItem{Table: "tasks", EntityID: "t1", Op: localstore.OpSet})
	require.NoError(t, err)

	for i := 0; i < maxRetries; i++ {
		require.NoError(t, ob.IncrementRetry(item.Seq))
	}

	summaries, err := ob.CleanupExhausted()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, "tasks", summaries[0].Table)
	require.Equal(t, 1, summaries[0].Count)

	all, err := ob.All()
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestOutbox_ReplaceAppliesCoalescedSet(t *testing.T) {
	ob, cleanup := setupOutbox(t)
	defer cleanup()

	var existing []localstore.OutboxItem
	for i := 0; i < 3; i++ {
		item, err := ob.Enqueue(localstore.OutboxItem{Table: "tasks", EntityID: "t1", Op: localstore.OpSet, Field: "title"})
		require.NoError(t, err)
		existing = append(existing, item)
	}

	kept := existing[len(existing)-1]
	require.NoError(t, ob.Replace(existing, []localstore.OutboxItem{kept}))

	all, err := ob.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, kept.Seq, all[0].Seq)
}

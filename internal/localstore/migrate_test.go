package localstore

import (
	"os"
	"path/filepath"
	"testing"

	pebblev1 "github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestMigrateV1ToV2IfNeeded_NoV1Dir_NoOp(t *testing.T) {
	dir, err := os.MkdirTemp("", "migrate-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	require.NoError(t, MigrateV1ToV2IfNeeded(dir, logrus.New()))
}

func TestMigrateV1ToV2IfNeeded_MigratesAndIsIdempotent(t *testing.T) {
	dir, err := os.MkdirTemp("", "migrate-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	oldDir := filepath.Join(dir, "localstore")
	oldDB, err := pebblev1.Open(oldDir, &pebblev1.Options{})
	require.NoError(t, err)
	require.NoError(t, oldDB.Set([]byte("ent:tasks\x00t1"), []byte(`{"id":"t1"}`), nil))
	require.NoError(t, oldDB.Set([]byte("meta:deviceId"), []byte("dev-1"), nil))
	require.NoError(t, oldDB.Close())

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	require.NoError(t, MigrateV1ToV2IfNeeded(dir, logger))

	store, err := Open(Options{DataDir: dir, Backend: BackendPebble, Logger: logger})
	require.NoError(t, err)
	defer store.Close()

	var got Entity
	require.NoError(t, store.View(func(tx *Tx) error {
		e, ok, err := tx.Get("tasks", "t1")
		require.True(t, ok)
		got = e
		return err
	}))
	require.Equal(t, "t1", got["id"])

	v, ok, err := store.GetMeta("deviceId")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dev-1", v)
	require.NoError(t, store.Close())

	require.NoError(t, MigrateV1ToV2IfNeeded(dir, logger), "second call must be a no-op, not re-migrate")
}

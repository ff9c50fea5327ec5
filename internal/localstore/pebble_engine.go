package localstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble/v2"
	"github.com/sirupsen/logrus"
)

// pebbleEngine wraps *pebble.DB to satisfy kvEngine. Grounded on
// internal/metadata/pebble_store.go's NewPebbleStore: same cache size,
// snappy level compression, and logger adapter.
type pebbleEngine struct {
	db *pebble.DB
}

func newPebbleEngine(dataDir string, logger *logrus.Logger) (*pebbleEngine, error) {
	return newPebbleEngineAt(filepath.Join(dataDir, "localstore"), logger)
}

// newPebbleEngineAt opens a pebble engine at an exact path, rather than one
// derived from a data directory. Used directly by the v1→v2 migrator, which
// needs to open a temporary staging path that isn't named "localstore".
func newPebbleEngineAt(dbPath string, logger *logrus.Logger) (*pebbleEngine, error) {
	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: creating data dir: %w", err)
	}

	cache := pebble.NewCache(64 << 20)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache: cache,
		Levels: []pebble.LevelOptions{
			{Compression: pebble.SnappyCompression},
		},
		Logger: &pebbleLogAdapter{logger: logger},
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("localstore: opening pebble db: %w", err)
	}

	return &pebbleEngine{db: db}, nil
}

func (e *pebbleEngine) Get(key []byte) ([]byte, bool, error) {
	v, closer, err := e.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("localstore: pebble get: %w", err)
	}
	out := make([]byte, len(v))
	copy(out, v)
	_ = closer.Close()
	return out, true, nil
}

func (e *pebbleEngine) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	upper := prefixUpperBound(prefix)
	iter, err := e.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return fmt.Errorf("localstore: pebble iterator: %w", err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (e *pebbleEngine) NewBatch() kvBatch {
	return &pebbleBatch{batch: e.db.NewBatch()}
}

func (e *pebbleEngine) Close() error {
	return e.db.Close()
}

type pebbleBatch struct {
	batch *pebble.Batch
}

func (b *pebbleBatch) Set(key, value []byte)  { _ = b.batch.Set(key, value, nil) }
func (b *pebbleBatch) Delete(key []byte)      { _ = b.batch.Delete(key, nil) }
func (b *pebbleBatch) Commit() error          { return b.batch.Commit(pebble.Sync) }

// prefixUpperBound returns the exclusive upper bound for a prefix scan,
// same increment-last-byte trick as internal/metadata/pebble_store.go.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// pebbleLogAdapter routes Pebble's internal logging through logrus, same
// role as internal/metadata/pebble_store.go's pebbleLogger.
type pebbleLogAdapter struct {
	logger *logrus.Logger
}

func (l *pebbleLogAdapter) Infof(format string, args ...interface{}) {
	l.logger.Debugf("pebble: "+format, args...)
}

func (l *pebbleLogAdapter) Errorf(format string, args ...interface{}) {
	l.logger.Errorf("pebble: "+format, args...)
}

func (l *pebbleLogAdapter) Fatalf(format string, args ...interface{}) {
	l.logger.Fatalf("pebble: "+format, args...)
}

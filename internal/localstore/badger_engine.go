package localstore

import (
	"fmt"
	"path/filepath"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

// badgerEngine wraps *badger.DB to satisfy kvEngine, the alternate pluggable
// backend named in spec.md's Domain Stack expansion, mirroring
// internal/metadata/badger.go's dual-backend role in the teacher.
type badgerEngine struct {
	db *badger.DB
}

func newBadgerEngine(dataDir string, logger *logrus.Logger) (*badgerEngine, error) {
	dbPath := filepath.Join(dataDir, "localstore-badger")

	opts := badger.DefaultOptions(dbPath).WithLogger(&badgerLogAdapter{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localstore: opening badger db: %w", err)
	}

	return &badgerEngine{db: db}, nil
}

func (e *badgerEngine) Get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("localstore: badger get: %w", err)
	}
	return out, out != nil, nil
}

func (e *badgerEngine) ScanPrefix(prefix []byte, fn func(key, value []byte) error) error {
	return e.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := append([]byte(nil), item.Key()...)
			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *badgerEngine) NewBatch() kvBatch {
	return &badgerBatch{db: e.db, wb: e.db.NewWriteBatch()}
}

func (e *badgerEngine) Close() error {
	return e.db.Close()
}

type badgerBatch struct {
	db *badger.DB
	wb *badger.WriteBatch
}

func (b *badgerBatch) Set(key, value []byte) { _ = b.wb.Set(key, value) }
func (b *badgerBatch) Delete(key []byte)      { _ = b.wb.Delete(key) }
func (b *badgerBatch) Commit() error          { return b.wb.Flush() }

// badgerLogAdapter routes Badger's internal logging through logrus.
type badgerLogAdapter struct {
	logger *logrus.Logger
}

func (l *badgerLogAdapter) Errorf(format string, args ...interface{})   { l.logger.Errorf("badger: "+format, args...) }
func (l *badgerLogAdapter) Warningf(format string, args ...interface{}) { l.logger.Warnf("badger: "+format, args...) }
func (l *badgerLogAdapter) Infof(format string, args ...interface{})    { l.logger.Debugf("badger: "+format, args...) }
func (l *badgerLogAdapter) Debugf(format string, args ...interface{})   { l.logger.Tracef("badger: "+format, args...) }

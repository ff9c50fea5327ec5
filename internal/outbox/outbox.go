// Package outbox provides the spec-named operations (enqueue, list, remove,
// incrementRetry, cleanupExhausted) over localstore's persisted FIFO intent
// queue, the same thin-service-over-a-store shape as the teacher's object
// metadata packages layer a typed API atop internal/metadata.Store.
package outbox

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offlinesync/syncengine/internal/localstore"
)

// maxRetries mirrors localstore's retryBackoff cutoff (spec.md §4.2): an
// item that has failed this many times is exhausted and swept rather than
// retried forever.
const maxRetries = 5

// Outbox wraps a *localstore.Store with the intent-queue operations the
// SyncEngine's push phase needs.
type Outbox struct {
	store  *localstore.Store
	logger *logrus.Logger
}

// New returns an Outbox backed by store. logger may be nil.
func New(store *localstore.Store, logger *logrus.Logger) *Outbox {
	if logger == nil {
		logger = logrus.New()
	}
	return &Outbox{store: store, logger: logger}
}

// Enqueue records a new intent-based operation, assigning it the next
// monotonic sequence number.
func (o *Outbox) Enqueue(item localstore.OutboxItem) (localstore.OutboxItem, error) {
	var enqueued localstore.OutboxItem
	err := o.store.Update(func(tx *localstore.Tx) error {
		var err error
		enqueued, err = tx.OutboxEnqueue(item)
		return err
	})
	return enqueued, err
}

// List returns FIFO-ordered items eligible for push right now, excluding
// items still inside their backoff window or exhausted.
func (o *Outbox) List() ([]localstore.OutboxItem, error) {
	var items []localstore.OutboxItem
	err := o.store.View(func(tx *localstore.Tx) error {
		var err error
		items, err = tx.OutboxList(time.Now())
		return err
	})
	return items, err
}

// Remove deletes an item after a successful push.
func (o *Outbox) Remove(seq uint64) error {
	return o.store.Update(func(tx *localstore.Tx) error {
		return tx.OutboxRemove(seq)
	})
}

// IncrementRetry bumps an item's retry count and timestamps the attempt
// after a failed push.
func (o *Outbox) IncrementRetry(seq uint64) error {
	now := time.Now()
	return o.store.Update(func(tx *localstore.Tx) error {
		return tx.OutboxIncrementRetry(seq, now)
	})
}

// Replace atomically swaps existing for replacement, the write side of the
// Coalescer's in-memory reduction (spec.md §4.3: "batch writes at the end").
func (o *Outbox) Replace(existing, replacement []localstore.OutboxItem) error {
	return o.store.Update(func(tx *localstore.Tx) error {
		return tx.OutboxReplaceAll(existing, replacement)
	})
}

// ExhaustedSummary counts exhausted items (retries >= maxRetries) per table,
// the shape cleanupExhausted reports to callers before sweeping them.
type ExhaustedSummary struct {
	Table string
	Count int
}

// CleanupExhausted removes every item that has exhausted its retry budget
// and returns a per-table count of what was swept, so callers can surface
// "N operations permanently failed" to the UI per spec.md §4.2.
func (o *Outbox) CleanupExhausted() ([]ExhaustedSummary, error) {
	counts := map[string]int{}
	err := o.store.Update(func(tx *localstore.Tx) error {
		all, err := tx.OutboxAll()
		if err != nil {
			return fmt.Errorf("outbox: listing for cleanup: %w", err)
		}
		for _, item := range all {
			if item.Retries < maxRetries {
				continue
			}
			if err := tx.OutboxRemove(item.Seq); err != nil {
				return fmt.Errorf("outbox: removing exhausted item %d: %w", item.Seq, err)
			}
			counts[item.Table]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	summaries := make([]ExhaustedSummary, 0, len(counts))
	for table, count := range counts {
		summaries = append(summaries, ExhaustedSummary{Table: table, Count: count})
		o.logger.WithFields(logrus.Fields{"table": table, "count": count}).
			Warn("swept permanently failed outbox items")
	}
	return summaries, nil
}

// All returns every outbox item regardless of backoff eligibility, used by
// the Coalescer to build its reduction snapshot.
func (o *Outbox) All() ([]localstore.OutboxItem, error) {
	var items []localstore.OutboxItem
	err := o.store.View(func(tx *localstore.Tx) error {
		var err error
		items, err = tx.OutboxAll()
		return err
	})
	return items, err
}

// Clear wipes every queued item regardless of retry state. Used when the
// backend rejects a refreshed session for good (spec.md §7: the
// onAuthKicked path clears the Outbox to prevent uploading work under a
// new identity).
func (o *Outbox) Clear() error {
	return o.store.Update(func(tx *localstore.Tx) error {
		all, err := tx.OutboxAll()
		if err != nil {
			return fmt.Errorf("outbox: listing for clear: %w", err)
		}
		for _, item := range all {
			if err := tx.OutboxRemove(item.Seq); err != nil {
				return fmt.Errorf("outbox: removing item %d: %w", item.Seq, err)
			}
		}
		return nil
	})
}

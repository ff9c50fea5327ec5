package localstore

import (
	"fmt"
	"sort"
	"time"
)

// Tx is a single multi-table transaction over the local engine. A Tx
// created by Store.Update stages writes in an in-memory batch committed
// atomically when the caller's function returns; a Tx created by Store.View
// is read-only and rejects every mutating call.
type Tx struct {
	engine   kvEngine
	batch    kvBatch
	writable bool

	// pendingSeq caches sequence counters allocated earlier in this same
	// transaction, since those writes are not yet visible to engine.Get
	// until the batch commits.
	pendingSeq map[string]uint64
}

func newTx(engine kvEngine, writable bool) *Tx {
	tx := &Tx{engine: engine, writable: writable, pendingSeq: map[string]uint64{}}
	if writable {
		tx.batch = engine.NewBatch()
	}
	return tx
}

func (tx *Tx) requireWritable(op string) error {
	if !tx.writable {
		return fmt.Errorf("localstore: %s requires a write transaction", op)
	}
	return nil
}

// ==================== Entities ====================

// Get performs an indexed single-key lookup by id.
func (tx *Tx) Get(table, id string) (Entity, bool, error) {
	raw, ok, err := tx.engine.Get(entityKey(table, id))
	if err != nil || !ok {
		return nil, false, err
	}
	var e Entity
	if err := decodeJSON(raw, &e); err != nil {
		return nil, false, fmt.Errorf("localstore: decoding entity %s/%s: %w", table, id, err)
	}
	return e, true, nil
}

// Put creates or replaces the entity keyed by its "id" field.
func (tx *Tx) Put(table string, e Entity) error {
	if err := tx.requireWritable("Put"); err != nil {
		return err
	}
	id, _ := e["id"].(string)
	if id == "" {
		return fmt.Errorf("localstore: Put requires a non-empty string \"id\" field")
	}
	raw, err := encodeJSON(e)
	if err != nil {
		return fmt.Errorf("localstore: encoding entity %s/%s: %w", table, id, err)
	}
	tx.batch.Set(entityKey(table, id), raw)
	return nil
}

// Delete hard-deletes the row. DataAPI soft-deletes by setting the
// "deleted" field via Put; Delete is used only by the tombstone sweeper.
func (tx *Tx) Delete(table, id string) error {
	if err := tx.requireWritable("Delete"); err != nil {
		return err
	}
	tx.batch.Delete(entityKey(table, id))
	return nil
}

// Scan returns every row in table (a full-table scan).
func (tx *Tx) Scan(table string) ([]Entity, error) {
	var out []Entity
	err := tx.engine.ScanPrefix(entityTablePrefix(table), func(_, value []byte) error {
		var e Entity
		if err := decodeJSON(value, &e); err != nil {
			return fmt.Errorf("localstore: decoding row in table %s: %w", table, err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// WhereEquals performs an indexed-style scan filtering on a single field.
// The engine does not maintain a secondary index structure — entity rows
// are opaque maps, so an index would need per-field schema knowledge the
// engine is deliberately kept free of (spec.md §9) — instead it scans the
// table and filters in memory, which is correct and is the same asymptotic
// cost the teacher's ListObjectsByTags takes for tag-based lookups.
func (tx *Tx) WhereEquals(table, field string, value interface{}) ([]Entity, error) {
	all, err := tx.Scan(table)
	if err != nil {
		return nil, err
	}
	var out []Entity
	for _, e := range all {
		if valuesEqual(e[field], value) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Range performs an inclusive range scan over a single field.
func (tx *Tx) Range(table, field string, low, high interface{}) ([]Entity, error) {
	all, err := tx.Scan(table)
	if err != nil {
		return nil, err
	}
	var out []Entity
	for _, e := range all {
		v, ok := e[field]
		if !ok {
			continue
		}
		if compareValues(v, low) >= 0 && compareValues(v, high) <= 0 {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetAll returns every row in table, optionally sorted by orderBy ascending.
func (tx *Tx) GetAll(table, orderBy string) ([]Entity, error) {
	all, err := tx.Scan(table)
	if err != nil {
		return nil, err
	}
	if orderBy != "" {
		sort.SliceStable(all, func(i, j int) bool {
			return compareValues(all[i][orderBy], all[j][orderBy]) < 0
		})
	}
	return all, nil
}

func valuesEqual(a, b interface{}) bool {
	return compareValues(a, b) == 0
}

// compareValues compares two JSON-decoded scalars: numbers (float64 after
// JSON decode), strings (including ISO-8601 instants, which sort correctly
// lexically), and booleans (false before true).
func compareValues(a, b interface{}) int {
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		if !ok {
			return 1
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case string:
		bv, ok := b.(string)
		if !ok {
			return 1
		}
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case bool:
		bv, _ := b.(bool)
		switch {
		case av == bv:
			return 0
		case av:
			return 1
		default:
			return -1
		}
	default:
		return 0
	}
}

// ==================== Sequence allocation ====================

func (tx *Tx) nextSeq(counterKey string) (uint64, error) {
	if v, ok := tx.pendingSeq[counterKey]; ok {
		next := v + 1
		tx.pendingSeq[counterKey] = next
		tx.batch.Set(metaKey(counterKey), []byte(fmt.Sprintf("%d", next)))
		return next, nil
	}

	raw, ok, err := tx.engine.Get(metaKey(counterKey))
	if err != nil {
		return 0, err
	}
	var current uint64
	if ok {
		if _, err := fmt.Sscanf(string(raw), "%d", &current); err != nil {
			return 0, fmt.Errorf("localstore: corrupt sequence counter %s: %w", counterKey, err)
		}
	}
	next := current + 1
	tx.pendingSeq[counterKey] = next
	tx.batch.Set(metaKey(counterKey), []byte(fmt.Sprintf("%d", next)))
	return next, nil
}

// ==================== Outbox ====================

// OutboxEnqueue assigns the next seq, stamps EnqueuedAt if unset, and
// stores the item. O(1): one sequence allocation, one key write.
func (tx *Tx) OutboxEnqueue(item OutboxItem) (OutboxItem, error) {
	if err := tx.requireWritable("OutboxEnqueue"); err != nil {
		return OutboxItem{}, err
	}
	seq, err := tx.nextSeq("outboxSeq")
	if err != nil {
		return OutboxItem{}, err
	}
	item.Seq = seq
	item.Retries = 0
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	raw, err := encodeJSON(item)
	if err != nil {
		return OutboxItem{}, fmt.Errorf("localstore: encoding outbox item: %w", err)
	}
	tx.batch.Set(outboxKey(seq), raw)
	return item, nil
}

// OutboxAll returns every outbox item in FIFO (seq ascending) order.
func (tx *Tx) OutboxAll() ([]OutboxItem, error) {
	var out []OutboxItem
	err := tx.engine.ScanPrefix([]byte(prefixOutbox), func(_, value []byte) error {
		var item OutboxItem
		if err := decodeJSON(value, &item); err != nil {
			return fmt.Errorf("localstore: decoding outbox item: %w", err)
		}
		out = append(out, item)
		return nil
	})
	return out, err
}

// retryBackoff implements spec.md §4.2: immediate for retries=0, otherwise
// 2^(retries-1) seconds since lastAttemptAt, exhausted at retries>=5.
func retryBackoff(item OutboxItem, now time.Time) bool {
	if item.Retries == 0 {
		return true
	}
	if item.Retries >= 5 {
		return false
	}
	if item.LastAttemptAt == nil {
		return true
	}
	wait := time.Duration(1<<(item.Retries-1)) * time.Second
	return now.Sub(*item.LastAttemptAt) >= wait
}

// OutboxList returns FIFO-ordered items eligible for push at eligibleNow,
// excluding exhausted items (retries >= 5).
func (tx *Tx) OutboxList(eligibleNow time.Time) ([]OutboxItem, error) {
	all, err := tx.OutboxAll()
	if err != nil {
		return nil, err
	}
	var out []OutboxItem
	for _, item := range all {
		if item.Retries >= 5 {
			continue
		}
		if retryBackoff(item, eligibleNow) {
			out = append(out, item)
		}
	}
	return out, nil
}

// OutboxRemove deletes an item after a successful push.
func (tx *Tx) OutboxRemove(seq uint64) error {
	if err := tx.requireWritable("OutboxRemove"); err != nil {
		return err
	}
	tx.batch.Delete(outboxKey(seq))
	return nil
}

// OutboxIncrementRetry bumps retries and stamps lastAttemptAt after a
// failed push attempt.
func (tx *Tx) OutboxIncrementRetry(seq uint64, now time.Time) error {
	if err := tx.requireWritable("OutboxIncrementRetry"); err != nil {
		return err
	}
	raw, ok, err := tx.engine.Get(outboxKey(seq))
	if err != nil {
		return err
	}
	if !ok {
		return nil // already removed concurrently; nothing to bump.
	}
	var item OutboxItem
	if err := decodeJSON(raw, &item); err != nil {
		return fmt.Errorf("localstore: decoding outbox item %d: %w", seq, err)
	}
	item.Retries++
	item.LastAttemptAt = &now
	encoded, err := encodeJSON(item)
	if err != nil {
		return err
	}
	tx.batch.Set(outboxKey(seq), encoded)
	return nil
}

// OutboxReplaceAll atomically deletes every existing item and writes
// replacement, used by the Coalescer to apply its reduction in one
// transaction (spec.md §4.3: "batch writes at the end").
func (tx *Tx) OutboxReplaceAll(existing []OutboxItem, replacement []OutboxItem) error {
	if err := tx.requireWritable("OutboxReplaceAll"); err != nil {
		return err
	}
	keep := make(map[uint64]bool, len(replacement))
	for _, item := range replacement {
		keep[item.Seq] = true
	}
	for _, item := range existing {
		if !keep[item.Seq] {
			tx.batch.Delete(outboxKey(item.Seq))
		}
	}
	for _, item := range replacement {
		raw, err := encodeJSON(item)
		if err != nil {
			return fmt.Errorf("localstore: encoding coalesced outbox item %d: %w", item.Seq, err)
		}
		tx.batch.Set(outboxKey(item.Seq), raw)
	}
	return nil
}

// ==================== Conflict history ====================

// ConflictHistoryAppend records a field resolution. Audit persistence is
// best-effort per spec.md §4.5; callers should not fail a merge if this
// fails.
func (tx *Tx) ConflictHistoryAppend(entry ConflictHistoryEntry) error {
	if err := tx.requireWritable("ConflictHistoryAppend"); err != nil {
		return err
	}
	seq, err := tx.nextSeq("conflictSeq")
	if err != nil {
		return err
	}
	entry.Seq = seq
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	raw, err := encodeJSON(entry)
	if err != nil {
		return fmt.Errorf("localstore: encoding conflict history entry: %w", err)
	}
	tx.batch.Set(conflictKey(entry.EntityID, seq), raw)
	return nil
}

// ConflictHistoryPrune deletes entries older than the retention cutoff
// (spec.md §3: capped retention 30 days).
func (tx *Tx) ConflictHistoryPrune(before time.Time) error {
	if err := tx.requireWritable("ConflictHistoryPrune"); err != nil {
		return err
	}
	var stale [][]byte
	err := tx.engine.ScanPrefix([]byte(prefixConflict), func(key, value []byte) error {
		var entry ConflictHistoryEntry
		if err := decodeJSON(value, &entry); err != nil {
			return fmt.Errorf("localstore: decoding conflict history entry: %w", err)
		}
		if entry.At.Before(before) {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range stale {
		tx.batch.Delete(key)
	}
	return nil
}

// ==================== Sync cursor ====================

// GetCursor reads the per-user sync cursor.
func (tx *Tx) GetCursor(userID string) (string, bool, error) {
	raw, ok, err := tx.engine.Get(cursorKey(userID))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(raw), true, nil
}

// PutCursor advances the per-user sync cursor. Callers are responsible for
// the monotonicity guarantee (spec.md §3); see syncengine's maxCursor.
func (tx *Tx) PutCursor(userID, value string) error {
	if err := tx.requireWritable("PutCursor"); err != nil {
		return err
	}
	tx.batch.Set(cursorKey(userID), []byte(value))
	return nil
}

// DeleteCursor removes a user's cursor on logout.
func (tx *Tx) DeleteCursor(userID string) error {
	if err := tx.requireWritable("DeleteCursor"); err != nil {
		return err
	}
	tx.batch.Delete(cursorKey(userID))
	return nil
}

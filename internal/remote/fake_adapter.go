package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offlinesync/syncengine/internal/localstore"
)

// parseUpdatedAt parses an updated_at value the same way a real backend's
// timestamp column compares: chronologically, not lexically. RFC3339Nano
// trims trailing zero fractional digits, so two timestamps sharing a
// whole-second prefix but differing in precision sort backwards as
// strings.
func parseUpdatedAt(v interface{}) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

// FakeAdapter is an in-memory Adapter used by SyncEngine/ConflictResolver
// tests in place of a real backend, the same role an in-process test
// double plays against the toolbridge-api's real Postgres-backed handlers.
type FakeAdapter struct {
	mu      sync.Mutex
	rows    map[string]map[string]localstore.Entity // table -> id -> row
	session *Session
	denyIDs map[string]bool // ids that simulate row-level authorization denial
	subs    []*fakeSubscription
}

// NewFakeAdapter returns an empty FakeAdapter.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{rows: map[string]map[string]localstore.Entity{}, denyIDs: map[string]bool{}}
}

// SeedSession installs a session FakeAdapter.Session/ValidateUser returns.
func (f *FakeAdapter) SeedSession(s Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session = &s
}

// DenyID makes any Insert/Update targeting id behave as if row-level
// authorization silently refused it.
func (f *FakeAdapter) DenyID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denyIDs[id] = true
}

func (f *FakeAdapter) Select(_ context.Context, table string, _ []string, updatedAfter string, filters []Filter) ([]localstore.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var afterTime time.Time
	var haveAfter bool
	if updatedAfter != "" {
		afterTime, haveAfter = parseUpdatedAt(updatedAfter)
	}

	var out []localstore.Entity
	for _, row := range f.rows[table] {
		if haveAfter {
			ua, ok := parseUpdatedAt(row["updated_at"])
			if !ok || !ua.After(afterTime) {
				continue
			}
		}
		if !matchesFilters(row, filters) {
			continue
		}
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		ui, uiOK := parseUpdatedAt(out[i]["updated_at"])
		uj, ujOK := parseUpdatedAt(out[j]["updated_at"])
		if uiOK && ujOK && !ui.Equal(uj) {
			return ui.Before(uj)
		}
		idi, _ := out[i]["id"].(string)
		idj, _ := out[j]["id"].(string)
		return idi < idj
	})
	return out, nil
}

func matchesFilters(row localstore.Entity, filters []Filter) bool {
	for _, f := range filters {
		if row[f.Field] != f.Value {
			return false
		}
	}
	return true
}

func (f *FakeAdapter) Insert(_ context.Context, table string, row localstore.Entity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id, _ := row["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	if f.denyIDs[id] {
		return "", ErrRowLevelAuthDenied
	}
	if f.rows[table] == nil {
		f.rows[table] = map[string]localstore.Entity{}
	}
	stored := row.Clone()
	stored["id"] = id
	f.rows[table][id] = stored
	f.broadcast(table, EventInsert, stored, nil)
	return id, nil
}

func (f *FakeAdapter) Update(_ context.Context, table, id string, patch localstore.Entity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.denyIDs[id] {
		return "", ErrRowLevelAuthDenied
	}
	existing, ok := f.rows[table][id]
	if !ok {
		return "", nil // not found: callers treat a nil id as authorization denial/no-op per adapter contract
	}
	merged := existing.Clone()
	for k, v := range patch {
		merged[k] = v
	}
	f.rows[table][id] = merged
	f.broadcast(table, EventUpdate, merged, nil)
	return id, nil
}

func (f *FakeAdapter) Delete(_ context.Context, table string, filters []Filter) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string
	for id, row := range f.rows[table] {
		if matchesFilters(row, filters) {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		old := f.rows[table][id]
		delete(f.rows[table], id)
		f.broadcast(table, EventDelete, nil, old)
	}
	return ids, nil
}

func (f *FakeAdapter) Session(_ context.Context) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return nil, nil
	}
	cp := *f.session
	return &cp, nil
}

func (f *FakeAdapter) RefreshSession(ctx context.Context) (*Session, error) {
	return f.Session(ctx)
}

func (f *FakeAdapter) ValidateUser(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return "", nil
	}
	return f.session.UserID, nil
}

func (f *FakeAdapter) Channel(_ string, _ []string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{events: make(chan ChangeEvent, 64)}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *FakeAdapter) broadcast(table string, eventType EventType, newRow, oldRow localstore.Entity) {
	for _, sub := range f.subs {
		select {
		case sub.events <- ChangeEvent{Table: table, EventType: eventType, New: newRow, Old: oldRow}:
		default:
		}
	}
}

type fakeSubscription struct {
	events chan ChangeEvent
}

func (s *fakeSubscription) Events() <-chan ChangeEvent { return s.events }
func (s *fakeSubscription) Close() error               { close(s.events); return nil }

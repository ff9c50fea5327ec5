// Package remote defines RemoteAdapter, the contract SyncEngine uses to
// talk to a networked backend, plus an HTTP+JSON implementation. The wire
// shape (cursor-paginated select, returning-id mutations, change-stream
// events) is grounded on the toolbridge-api sync handlers' push/pull
// cursor pagination (updated_at, id) ascending order and its
// returning-authoritative-row idiom.
package remote

import (
	"context"
	"errors"
	"time"

	"github.com/offlinesync/syncengine/internal/localstore"
)

// EventType enumerates the three change-stream event kinds.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row mutation delivered by a channel subscription.
type ChangeEvent struct {
	Table     string
	EventType EventType
	New       localstore.Entity // set for INSERT/UPDATE
	Old       localstore.Entity // set for DELETE
}

// Session is a backend-issued credential. AccessToken, when non-empty, is
// the bearer token the backend issued for this session; authgate decodes
// its claims locally (without verifying the signature, which only the
// backend holds the key for) to track expiry between network round trips.
type Session struct {
	UserID      string
	ExpiresAt   time.Time
	AccessToken string
}

// Filter narrows a Select call beyond updatedAfter.
type Filter struct {
	Field string
	Value interface{}
}

// Subscription is a live change stream; Events delivers at-least-once.
// Callers must call Close to release backend resources.
type Subscription interface {
	Events() <-chan ChangeEvent
	Close() error
}

// ErrRowLevelAuthDenied is returned in place of a nil id when the backend
// silently refused a write via row-level authorization — distinct from a
// transport error so push intent mapping can classify it persistent.
var ErrRowLevelAuthDenied = errors.New("remote: row denied by authorization policy")

// Adapter is the polymorphic contract over a concrete backend. Every
// method may be wrapped in a caller-side timeout; the adapter itself never
// times out on its own.
type Adapter interface {
	Select(ctx context.Context, table string, columns []string, updatedAfter string, filters []Filter) ([]localstore.Entity, error)
	Insert(ctx context.Context, table string, row localstore.Entity) (id string, err error)
	Update(ctx context.Context, table, id string, patch localstore.Entity) (returnedID string, err error)
	Delete(ctx context.Context, table string, filters []Filter) (ids []string, err error)

	Session(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
	ValidateUser(ctx context.Context) (userID string, err error)

	Channel(name string, tables []string) (Subscription, error)
}

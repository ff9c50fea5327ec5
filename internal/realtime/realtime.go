// Package realtime implements the singleton multiplexed change-stream
// subscription: echo suppression, a short-TTL dedup map shared with the
// polling pull path, and an exponential-backoff reconnect state machine.
// The start/stop/background-goroutine shape is grounded on MaxIOFS's
// internal/server connection lifecycle, and the websocket transport choice
// on the retrieval pack's websocket-bearing services.
package realtime

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offlinesync/syncengine/internal/conflict"
	"github.com/offlinesync/syncengine/internal/localstore"
	"github.com/offlinesync/syncengine/internal/remote"
)

// State enumerates RealtimeManager's connection lifecycle.
type State string

// String satisfies fmt.Stringer, returning the state's underlying string.
func (s State) String() string {
	return string(s)
}

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// recentlyProcessedTTL bounds how long an entity id suppresses duplicate
// processing after a realtime event, per spec.md §3.
const recentlyProcessedTTL = 2 * time.Second

// maxReconnectExponent caps the backoff exponent at k=4 (1,2,4,8,16s), per
// spec.md §4.8.
const maxReconnectExponent = 4

// ChangeNotification is delivered to registered observers after a remote
// change has been applied to LocalStore.
type ChangeNotification struct {
	Table         string
	EntityID      string
	ChangedFields []string // empty means metadata-only; observers should suppress UI work
}

// ChangeObserver is notified after every applied remote change.
type ChangeObserver func(ChangeNotification)

// PendingDeleteObserver is notified before a soft- or hard-delete is
// committed locally. It returns a channel the manager waits on (closed or
// received from) before proceeding, letting the UI budget an animation
// tick; a nil return means proceed immediately.
type PendingDeleteObserver func(table, entityID string) <-chan struct{}

// OutboxReader is the subset of *outbox.Outbox the manager needs to check
// whether a field has a pending local intent before overwriting it.
type OutboxReader interface {
	All() ([]localstore.OutboxItem, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithOnlineChecker wires a liveness probe (normally netmon.Monitor.Online)
// so the manager can avoid scheduling reconnects while offline.
func WithOnlineChecker(fn func() bool) Option {
	return func(m *Manager) { m.isOnline = fn }
}

// Manager is the singleton realtime subscription controller described by
// spec.md §4.8.
type Manager struct {
	adapter  remote.Adapter
	store    *localstore.Store
	outbox   OutboxReader
	resolver *conflict.Resolver
	deviceID string
	prefix   string
	tables   []string
	logger   *logrus.Logger
	isOnline func() bool

	mu                  sync.Mutex
	state               State
	userID              string
	sub                 remote.Subscription
	epoch               int
	reconnectAttempts    int
	reconnectScheduled  bool
	recentlyProcessed   map[string]time.Time

	obsMu           sync.RWMutex
	changeObservers map[int]ChangeObserver
	deleteObservers map[int]PendingDeleteObserver
	nextObserverID  int
}

// New returns a Manager. resolver and store may be used concurrently by
// SyncEngine; the manager only ever writes through LocalStore transactions.
func New(adapter remote.Adapter, store *localstore.Store, outboxReader OutboxReader, resolver *conflict.Resolver, deviceID, prefix string, tables []string, logger *logrus.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		adapter:           adapter,
		store:             store,
		outbox:            outboxReader,
		resolver:          resolver,
		deviceID:          deviceID,
		prefix:            prefix,
		tables:            tables,
		logger:            logger,
		state:             StateDisconnected,
		recentlyProcessed: map[string]time.Time{},
		changeObservers:   map[int]ChangeObserver{},
		deleteObservers:   map[int]PendingDeleteObserver{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the manager's current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Register adds a ChangeObserver, returning a detach function.
func (m *Manager) Register(obs ChangeObserver) func() {
	m.obsMu.Lock()
	id := m.nextObserverID
	m.nextObserverID++
	m.changeObservers[id] = obs
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.changeObservers, id)
		m.obsMu.Unlock()
	}
}

// RegisterPendingDelete adds a PendingDeleteObserver, returning a detach
// function.
func (m *Manager) RegisterPendingDelete(obs PendingDeleteObserver) func() {
	m.obsMu.Lock()
	id := m.nextObserverID
	m.nextObserverID++
	m.deleteObservers[id] = obs
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.deleteObservers, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) notifyChange(n ChangeNotification) {
	if len(n.ChangedFields) == 0 {
		return // metadata-only change: suppress per spec.md §4.8.4.f
	}
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	for _, obs := range m.changeObservers {
		obs(n)
	}
}

func (m *Manager) notifyPendingDelete(table, entityID string) {
	m.obsMu.RLock()
	observers := make([]PendingDeleteObserver, 0, len(m.deleteObservers))
	for _, obs := range m.deleteObservers {
		observers = append(observers, obs)
	}
	m.obsMu.RUnlock()

	for _, obs := range observers {
		if ch := obs(table, entityID); ch != nil {
			<-ch
		}
	}
}

// WasRecentlyProcessed reports whether entityID was applied by the realtime
// path within the dedup TTL, used by SyncEngine's pull phase to avoid
// reapplying the same row.
func (m *Manager) WasRecentlyProcessed(entityID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.recentlyProcessed[entityID]
	return ok && now.Sub(ts) < recentlyProcessedTTL
}

func (m *Manager) markProcessed(entityID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentlyProcessed[entityID] = now
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start begins (or no-ops if already connected for the same user) the
// singleton subscription for userID.
func (m *Manager) Start(ctx context.Context, userID string) {
	m.mu.Lock()
	if m.userID == userID && m.state == StateConnected {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.userID = userID
	m.epoch++
	epoch := m.epoch
	m.mu.Unlock()

	go m.connect(ctx, epoch)
}

// teardownLocked closes any live subscription. Callers must hold m.mu.
func (m *Manager) teardownLocked() {
	if m.sub != nil {
		_ = m.sub.Close()
		m.sub = nil
	}
}

func (m *Manager) connect(ctx context.Context, epoch int) {
	m.setState(StateConnecting)

	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()

	name := fmt.Sprintf("%s:%s", m.prefix, userID)
	sub, err := m.adapter.Channel(name, m.tables)

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		if sub != nil {
			_ = sub.Close()
		}
		return // superseded by a later Start/Pause/Stop
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.WithError(err).Warn("realtime: subscribe failed")
		m.setState(StateError)
		m.scheduleReconnect(epoch)
		return
	}
	m.sub = sub
	m.reconnectAttempts = 0
	m.mu.Unlock()

	m.setState(StateConnected)
	m.logger.WithField("userId", userID).Info("realtime: subscribed")
	m.readEvents(ctx, sub, epoch)
}

func (m *Manager) readEvents(ctx context.Context, sub remote.Subscription, epoch int) {
	for ev := range sub.Events() {
		m.handleEvent(ctx, ev)
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return // torn down deliberately; not a connection failure
	}
	m.mu.Unlock()

	m.setState(StateError)
	m.scheduleReconnect(epoch)
}

func (m *Manager) scheduleReconnect(epoch int) {
	m.mu.Lock()
	if m.reconnectScheduled {
		m.mu.Unlock()
		return
	}
	if m.isOnline != nil && !m.isOnline() {
		m.state = StateDisconnected
		m.mu.Unlock()
		return // await NetworkMonitor's online callback to call Start again
	}
	m.reconnectScheduled = true
	k := m.reconnectAttempts
	if k > maxReconnectExponent {
		k = maxReconnectExponent
	}
	wait := time.Duration(1<<uint(k)) * time.Second
	m.mu.Unlock()

	go func() {
		time.Sleep(wait)

		m.mu.Lock()
		m.reconnectScheduled = false
		if m.epoch != epoch {
			m.mu.Unlock()
			return
		}
		m.reconnectAttempts++
		m.mu.Unlock()

		m.connect(context.Background(), epoch)
	}()
}

// Pause cancels any pending reconnect and subscription, keeping userID, for
// an offline transition (spec.md §4.8).
func (m *Manager) Pause() {
	m.mu.Lock()
	m.teardownLocked()
	m.epoch++
	m.reconnectAttempts = 0
	m.reconnectScheduled = false
	m.state = StateDisconnected
	m.mu.Unlock()
}

// Stop is Pause plus clearing userID and the dedup map, for logout.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.teardownLocked()
	m.epoch++
	m.reconnectAttempts = 0
	m.reconnectScheduled = false
	m.state = StateDisconnected
	m.userID = ""
	m.recentlyProcessed = map[string]time.Time{}
	m.mu.Unlock()
}

func (m *Manager) handleEvent(ctx context.Context, ev remote.ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("panic", r).Error("realtime: recovered from panic handling event")
		}
	}()

	entityID := entityIDOf(ev)
	if entityID == "" {
		m.logger.WithField("table", ev.Table).Warn("realtime: change event missing entity id, dropping")
		return
	}

	if ev.New != nil {
		if deviceID, _ := ev.New["device_id"].(string); deviceID != "" && deviceID == m.deviceID {
			return // echo suppression
		}
	}

	now := time.Now()
	if m.WasRecentlyProcessed(entityID, now) {
		return
	}

	pendingOps, err := m.pendingOpsFor(ev.Table, entityID)
	if err != nil {
		m.logger.WithError(err).Warn("realtime: listing pending ops failed")
	}

	switch ev.EventType {
	case remote.EventInsert, remote.EventUpdate:
		m.applyUpsert(ev, entityID, pendingOps, now)
	case remote.EventDelete:
		m.applyHardDelete(ev, entityID, now)
	}
}

func entityIDOf(ev remote.ChangeEvent) string {
	if ev.New != nil {
		if id, _ := ev.New["id"].(string); id != "" {
			return id
		}
	}
	if ev.Old != nil {
		if id, _ := ev.Old["id"].(string); id != "" {
			return id
		}
	}
	return ""
}

func (m *Manager) pendingOpsFor(table, entityID string) ([]localstore.OutboxItem, error) {
	if m.outbox == nil {
		return nil, nil
	}
	all, err := m.outbox.All()
	if err != nil {
		return nil, err
	}
	var out []localstore.OutboxItem
	for _, item := range all {
		if item.Table == table && item.EntityID == entityID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *Manager) applyUpsert(ev remote.ChangeEvent, entityID string, pendingOps []localstore.OutboxItem, now time.Time) {
	var local localstore.Entity
	var found bool
	err := m.store.View(func(tx *localstore.Tx) error {
		var err error
		local, found, err = tx.Get(ev.Table, entityID)
		return err
	})
	if err != nil {
		m.logger.WithError(err).Warn("realtime: reading local entity failed")
		return
	}

	softDeleteTransition := false
	if deleted, _ := ev.New["deleted"].(bool); deleted && found {
		if wasDeleted, _ := local["deleted"].(bool); !wasDeleted {
			softDeleteTransition = true
		}
	}

	if softDeleteTransition {
		m.notifyPendingDelete(ev.Table, entityID)
	}

	var toWrite localstore.Entity
	var changedFields []string
	write := false

	switch {
	case softDeleteTransition:
		toWrite = ev.New
		changedFields = changedFieldsOf(local, ev.New)
		write = true
	case !found:
		toWrite = ev.New
		changedFields = changedFieldsOf(nil, ev.New)
		write = true
	case len(pendingOps) == 0 && isStrictlyNewer(ev.New, local):
		toWrite = ev.New
		changedFields = changedFieldsOf(local, ev.New)
		write = true
	case len(pendingOps) > 0:
		res := m.resolver.Resolve(ev.Table, entityID, local, ev.New, pendingOps)
		toWrite = res.MergedEntity
		changedFields = changedFieldsOf(local, toWrite)
		write = true
	default:
		// Remote row is stale relative to local and nothing is pending: drop.
	}

	if !write {
		return
	}

	if err := m.store.Update(func(tx *localstore.Tx) error {
		return tx.Put(ev.Table, toWrite)
	}); err != nil {
		m.logger.WithError(err).Warn("realtime: applying remote change failed")
		return
	}

	m.markProcessed(entityID, now)
	m.notifyChange(ChangeNotification{Table: ev.Table, EntityID: entityID, ChangedFields: changedFields})
}

func (m *Manager) applyHardDelete(ev remote.ChangeEvent, entityID string, now time.Time) {
	m.notifyPendingDelete(ev.Table, entityID)

	if err := m.store.Update(func(tx *localstore.Tx) error {
		return tx.Delete(ev.Table, entityID)
	}); err != nil {
		m.logger.WithError(err).Warn("realtime: applying remote delete failed")
		return
	}

	m.markProcessed(entityID, now)
	m.notifyChange(ChangeNotification{Table: ev.Table, EntityID: entityID, ChangedFields: []string{"deleted"}})
}

// isStrictlyNewer reports whether remote.updated_at is strictly after
// local.updated_at, both ISO-8601 strings. Parsed, not compared
// lexically: RFC3339Nano trims trailing zero fractional digits, so two
// timestamps sharing a whole-second prefix can sort backwards as strings.
func isStrictlyNewer(remote, local localstore.Entity) bool {
	rt, rok := asTime(remote["updated_at"])
	lt, lok := asTime(local["updated_at"])
	if !rok {
		return false
	}
	if !lok {
		return true
	}
	return rt.After(lt)
}

func asTime(v interface{}) (time.Time, bool) {
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

// changedFieldsOf compares every key except updated_at/_version, per
// spec.md §4.8.4.b.
func changedFieldsOf(local, remote localstore.Entity) []string {
	var changed []string
	seen := map[string]bool{}
	for k := range local {
		seen[k] = true
	}
	for k := range remote {
		seen[k] = true
	}
	for k := range seen {
		if k == "updated_at" || k == "_version" {
			continue
		}
		if !valuesEqual(local[k], remote[k]) {
			changed = append(changed, k)
		}
	}
	return changed
}

func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}

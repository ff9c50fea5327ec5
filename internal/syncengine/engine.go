// Package syncengine implements SyncEngine (spec.md §4.9): the push/pull
// orchestrator owning the non-blocking mutex, the watchdog, the debounce
// timer, cursor storage, hydration, and the tombstone sweep. Grounded on
// tonimelisma-onedrive-go's Engine.RunOnce phase structure (load baseline
// -> observe -> plan -> execute -> commit cursor), restructured around a
// push-then-pull cycle instead of a bidirectional diff planner, and on the
// teacher's cmd/maxiofs/main.go graceful-shutdown pattern for Start/Shutdown.
package syncengine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/offlinesync/syncengine/internal/conflict"
	"github.com/offlinesync/syncengine/internal/config"
	"github.com/offlinesync/syncengine/internal/localstore"
	"github.com/offlinesync/syncengine/internal/metrics"
	"github.com/offlinesync/syncengine/internal/outbox"
	"github.com/offlinesync/syncengine/internal/realtime"
	"github.com/offlinesync/syncengine/internal/remote"
)

// lockStaleAfter is how long a held mutex is considered abandoned and is
// force-released by the watchdog (spec.md §4.9).
const lockStaleAfter = 60 * time.Second

// watchdogInterval is how often the watchdog checks lock age.
const watchdogInterval = 15 * time.Second

// pushTimeout/pullTimeout bound each phase of one cycle (spec.md §5).
const pushTimeout = 45 * time.Second
const pullTimeout = 45 * time.Second

// pullMaxAttempts/pullBackoff implement the 1s/2s pull retry policy.
const pullMaxAttempts = 3

var pullBackoff = []time.Duration{0, time.Second, 2 * time.Second}

// persistentRetrySurfaceThreshold is the retry count at which a transient
// failure is surfaced to the UI even though it is retryable.
const persistentRetrySurfaceThreshold = 3

// tombstoneSweepInterval is the cooperative (not hard-timer) cadence of the
// tombstone sweep.
const tombstoneSweepInterval = 24 * time.Hour

// Status is the user-visible sync status enum (spec.md §7).
type Status string

const (
	StatusIdle     Status = "idle"
	StatusSyncing  Status = "syncing"
	StatusError    Status = "error"
	StatusOffline  Status = "offline"
)

// LastError is the {message, detail} pair spec.md §7 names.
type LastError struct {
	Message string
	Detail  string
}

// StatusEvent is delivered to status observers on every transition.
type StatusEvent struct {
	Status  Status
	Message string
}

// CycleResult summarizes one completed push/pull cycle for sync-complete
// observers and the diagnostic snapshot.
type CycleResult struct {
	Trigger       string
	PushedItems   int
	PulledRecords int
	Duration      time.Duration
	Err           error
}

// RecentlyModifiedChecker reports whether entityID was written locally
// within the dedup window, satisfied by *dataapi.API without importing it
// (dataapi.Nudger is satisfied by *Engine in the other direction, so this
// interface breaks what would otherwise be a package cycle).
type RecentlyModifiedChecker interface {
	WasRecentlyModified(entityID string, now time.Time) bool
}

// RecentlyProcessedChecker reports whether entityID was already applied by
// RealtimeManager within its dedup window, satisfied by *realtime.Manager.
type RecentlyProcessedChecker interface {
	WasRecentlyProcessed(entityID string, now time.Time) bool
}

// AuthGate is the subset of authgate.Gate the engine drives.
type AuthGate interface {
	NeedsValidation() bool
	GetUserID(ctx context.Context) string
}

// RealtimeState is the subset of realtime.Manager the engine reads.
type RealtimeState interface {
	State() realtime.State
}

type observerSet struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(CycleResult)
}

func newObserverSet() *observerSet { return &observerSet{fns: map[int]func(CycleResult){}} }

func (o *observerSet) register(fn func(CycleResult)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.fns[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observerSet) fire(r CycleResult) {
	o.mu.RLock()
	fns := make([]func(CycleResult), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(r)
	}
}

type statusObserverSet struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(StatusEvent)
}

func newStatusObserverSet() *statusObserverSet {
	return &statusObserverSet{fns: map[int]func(StatusEvent){}}
}

func (o *statusObserverSet) register(fn func(StatusEvent)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.fns[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *statusObserverSet) fire(e StatusEvent) {
	o.mu.RLock()
	fns := make([]func(StatusEvent), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(e)
	}
}

// tableBinding resolves one configured table's local/remote names, its
// Select column list, and whether it is a singleton table.
type tableBinding struct {
	local       string
	remote      string
	columns     []string
	isSingleton bool
}

func bindingsFromConfig(tables []config.TableConfig) []tableBinding {
	out := make([]tableBinding, 0, len(tables))
	for _, t := range tables {
		local := t.LocalName
		if local == "" {
			local = t.RemoteName
		}
		var cols []string
		if t.Columns != "" && t.Columns != "*" {
			cols = strings.Split(t.Columns, ",")
		}
		out = append(out, tableBinding{local: local, remote: t.RemoteName, columns: cols, isSingleton: t.IsSingleton})
	}
	return out
}

// Option configures an Engine.
type Option func(*Engine)

// WithOnlineChecker overrides the default always-online check.
func WithOnlineChecker(fn func() bool) Option {
	return func(e *Engine) { e.isOnline = fn }
}

// WithMetrics attaches a metrics.Manager; defaults to a no-op recorder.
func WithMetrics(m metrics.Manager) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithDebounce overrides the default 2000ms debounce interval.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) { e.debounceInterval = d }
}

// Engine is SyncEngine.
type Engine struct {
	store       *localstore.Store
	outboxSvc   *outbox.Outbox
	adapter     remote.Adapter
	resolver    *conflict.Resolver
	authGate    AuthGate
	realtimeMgr RealtimeState
	recentMod   RecentlyModifiedChecker
	recentProc  RecentlyProcessedChecker
	deviceID    string
	tables      []tableBinding
	bindingByLocal map[string]tableBinding
	tombstoneMaxAge time.Duration
	debounceInterval time.Duration
	logger      *logrus.Logger
	metrics     metrics.Manager
	isOnline    func() bool

	lockCh       chan struct{}
	lockMu       sync.Mutex
	lockHeldAt   time.Time

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	statusMu  sync.Mutex
	status    Status
	lastErr   *LastError

	lastSyncCompleteAt time.Time
	lastTombstoneSweep time.Time

	cycleObservers  *observerSet
	statusObservers *statusObserverSet

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine. cfg provides the table bindings and the
// debounce/tombstone knobs; every other dependency is injected directly so
// tests can substitute fakes freely.
func New(
	store *localstore.Store,
	outboxSvc *outbox.Outbox,
	adapter remote.Adapter,
	resolver *conflict.Resolver,
	authGate AuthGate,
	realtimeMgr RealtimeState,
	recentMod RecentlyModifiedChecker,
	recentProc RecentlyProcessedChecker,
	deviceID string,
	cfg *config.Config,
	logger *logrus.Logger,
	opts ...Option,
) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	debounce := time.Duration(cfg.SyncDebounceMs) * time.Millisecond
	if debounce <= 0 {
		debounce = 2000 * time.Millisecond
	}
	tombstoneAge := time.Duration(cfg.TombstoneMaxAgeDays) * 24 * time.Hour
	bindings := bindingsFromConfig(cfg.Tables)
	byLocal := make(map[string]tableBinding, len(bindings))
	for _, b := range bindings {
		byLocal[b.local] = b
	}

	e := &Engine{
		store:            store,
		outboxSvc:        outboxSvc,
		adapter:          adapter,
		resolver:         resolver,
		authGate:         authGate,
		realtimeMgr:      realtimeMgr,
		recentMod:        recentMod,
		recentProc:       recentProc,
		deviceID:         deviceID,
		tables:           bindings,
		bindingByLocal:   byLocal,
		tombstoneMaxAge:  tombstoneAge,
		debounceInterval: debounce,
		logger:           logger,
		metrics:          metrics.NewManager(),
		isOnline:         func() bool { return true },
		lockCh:           make(chan struct{}, 1),
		status:           StatusIdle,
		cycleObservers:   newObserverSet(),
		statusObservers:  newStatusObserverSet(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns the current user-visible status and last error.
func (e *Engine) Status() (Status, *LastError) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status, e.lastErr
}

func (e *Engine) setStatus(s Status, message string) {
	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()
	e.metrics.SetConnectionState(string(s))
	e.statusObservers.fire(StatusEvent{Status: s, Message: message})
}

func (e *Engine) setLastError(message, detail string) {
	e.statusMu.Lock()
	e.lastErr = &LastError{Message: message, Detail: detail}
	e.statusMu.Unlock()
	e.metrics.SetLastError(message)
}

// RegisterSyncComplete registers an observer fired after every cycle,
// successful or not. The returned func detaches it.
func (e *Engine) RegisterSyncComplete(fn func(CycleResult)) func() {
	return e.cycleObservers.register(fn)
}

// RegisterStatusChange registers an observer fired on every status
// transition. The returned func detaches it.
func (e *Engine) RegisterStatusChange(fn func(StatusEvent)) func() {
	return e.statusObservers.register(fn)
}

// Start launches the watchdog loop. Safe to call once.
func (e *Engine) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go e.watchdogLoop(loopCtx)
}

// Shutdown stops the watchdog and debounce timer.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
	e.debounceMu.Lock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceMu.Unlock()
	e.wg.Wait()
}

func (e *Engine) watchdogLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.checkStaleLock()
			e.maybeSweepTombstones(ctx)
		}
	}
}

func (e *Engine) checkStaleLock() {
	e.lockMu.Lock()
	held := !e.lockHeldAt.IsZero()
	age := time.Since(e.lockHeldAt)
	e.lockMu.Unlock()

	if !held || age < lockStaleAfter {
		return
	}
	e.logger.Warn("force-releasing stale sync lock")
	e.forceRelease()
	if e.isOnline() {
		go e.RunFullSync(true)
	}
}

func (e *Engine) forceRelease() {
	e.lockMu.Lock()
	e.lockHeldAt = time.Time{}
	e.lockMu.Unlock()
	select {
	case <-e.lockCh:
	default:
	}
}

// tryAcquire is the non-blocking try-lock spec.md §5 requires literally: a
// buffered channel of size 1 used as a semaphore, never a sync.Mutex.
func (e *Engine) tryAcquire() bool {
	select {
	case e.lockCh <- struct{}{}:
		e.lockMu.Lock()
		e.lockHeldAt = time.Now()
		e.lockMu.Unlock()
		return true
	default:
		return false
	}
}

func (e *Engine) release() {
	e.lockMu.Lock()
	held := e.lockHeldAt
	e.lockHeldAt = time.Time{}
	e.lockMu.Unlock()
	if !held.IsZero() {
		e.metrics.RecordLockHeld(time.Since(held).Milliseconds())
	}
	select {
	case <-e.lockCh:
	default:
	}
}

// ScheduleDebouncedSync implements dataapi.Nudger and netmon.Syncer: clears
// any pending debounce timer and fires a new one after debounceInterval.
func (e *Engine) ScheduleDebouncedSync() {
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if e.debounceTimer != nil {
		e.debounceTimer.Stop()
	}
	e.debounceTimer = time.AfterFunc(e.debounceInterval, func() {
		pushOnly := e.realtimeMgr != nil && e.realtimeMgr.State() == realtime.StateConnected
		e.runFullSync("debounce", true, pushOnly)
	})
}

// RunFullSync implements netmon.Syncer and is the externally callable
// entry point for a full push+pull cycle.
func (e *Engine) RunFullSync(quiet bool) {
	e.runFullSync("manual", quiet, false)
}

// runFullSync implements spec.md §4.9's eight-step orchestration.
func (e *Engine) runFullSync(trigger string, quiet bool, skipPull bool) {
	start := time.Now()

	if !e.isOnline() {
		e.setStatus(StatusOffline, "offline")
		return
	}
	if e.authGate.NeedsValidation() {
		e.logger.Debug("sync deferred: auth gate awaiting revalidation")
		return
	}

	ctx := context.Background()
	userID := e.authGate.GetUserID(ctx)
	if userID == "" {
		e.setStatus(StatusError, "not_signed_in")
		return
	}

	if !e.tryAcquire() {
		return
	}
	defer e.release()

	if !quiet {
		e.setStatus(StatusSyncing, "syncing")
	}

	result := CycleResult{Trigger: trigger}

	pushCtx, cancelPush := context.WithTimeout(ctx, pushTimeout)
	pushedItems, postPushCursor, persistentPushErr := e.pushPhase(pushCtx, userID)
	cancelPush()
	result.PushedItems = pushedItems

	skipPullNow := skipPull
	if e.realtimeMgr != nil && e.realtimeMgr.State() == realtime.StateConnected && trigger == "debounce" {
		skipPullNow = true
	}

	if !skipPullNow {
		var pulled int
		var pullErr error
		if persistentPushErr == nil {
			pulled, pullErr = e.pullPhaseWithRetry(ctx, userID, postPushCursor)
		} else {
			pullCtx, cancelPull := context.WithTimeout(ctx, pullTimeout)
			pulled, pullErr = e.pullOnce(pullCtx, userID, postPushCursor)
			cancelPull()
		}
		result.PulledRecords = pulled
		if pullErr != nil {
			result.Err = pullErr
		}
	}
	if persistentPushErr != nil {
		result.Err = persistentPushErr
	}

	result.Duration = time.Since(start)
	e.metrics.RecordCycle(metrics.SyncCycleStat{
		Trigger: trigger, PushedItems: result.PushedItems, PulledRecords: result.PulledRecords,
		DurationMs: result.Duration.Milliseconds(), At: start,
	})

	if result.Err != nil {
		e.setStatus(StatusError, result.Err.Error())
		e.setLastError(result.Err.Error(), trigger)
	} else {
		e.lastSyncCompleteAt = time.Now()
		e.setStatus(StatusIdle, "idle")
	}
	e.cycleObservers.fire(result)
}

func (e *Engine) maybeSweepTombstones(ctx context.Context) {
	if e.lastTombstoneSweep.IsZero() {
		e.lastTombstoneSweep = time.Now()
		return
	}
	if time.Since(e.lastTombstoneSweep) < tombstoneSweepInterval {
		return
	}
	if !e.isOnline() {
		return
	}
	userID := e.authGate.GetUserID(ctx)
	if userID == "" {
		return
	}
	e.sweepTombstones(ctx, userID)
	e.lastTombstoneSweep = time.Now()
}

// sweepTombstones implements spec.md §4.9's tombstone sweep: locally
// delete rows past the retention window, and issue a matching remote
// delete per table.
func (e *Engine) sweepTombstones(ctx context.Context, userID string) {
	if e.tombstoneMaxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-e.tombstoneMaxAge)

	for _, b := range e.tables {
		var expired []string
		err := e.store.Update(func(tx *localstore.Tx) error {
			rows, err := tx.Scan(b.local)
			if err != nil {
				return err
			}
			for _, row := range rows {
				deleted, _ := row["deleted"].(bool)
				if !deleted {
					continue
				}
				ua, ok := asTime(row["updated_at"])
				if !ok || ua.After(cutoff) {
					continue
				}
				id, _ := row["id"].(string)
				if id == "" {
					continue
				}
				if err := tx.Delete(b.local, id); err != nil {
					return err
				}
				expired = append(expired, id)
			}
			return nil
		})
		if err != nil {
			e.logger.WithError(err).WithField("table", b.local).Warn("tombstone sweep failed locally")
			continue
		}
		if len(expired) == 0 {
			continue
		}
		if _, err := e.adapter.Delete(ctx, b.remote, []remote.Filter{{Field: "deleted", Value: true}}); err != nil {
			e.logger.WithError(err).WithField("table", b.remote).Warn("tombstone sweep failed remotely")
		}
	}
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

// maxCursor returns whichever of a, b is chronologically later, parsing
// both rather than comparing as strings: RFC3339Nano trims trailing zero
// fractional digits, so two timestamps sharing a whole-second prefix but
// differing in precision can sort backwards lexically.
func maxCursor(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	at, aok := asTime(a)
	bt, bok := asTime(b)
	if !aok || !bok {
		if a > b {
			return a
		}
		return b
	}
	if at.After(bt) {
		return a
	}
	return b
}

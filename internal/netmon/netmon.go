// Package netmon implements NetworkMonitor (spec.md §4.10): a reactive
// online/offline signal that gates AuthGate and RealtimeManager and nudges
// SyncEngine back to life on reconnect. The teacher has no equivalent of a
// browser's navigator.onLine/visibilitychange pair, so the online probe is
// grounded instead on the teacher's own system_metrics.go gopsutil-gauge
// style (internal/metrics/system_metrics.go), reaching for gopsutil/v3/net
// directly — a pack dependency the teacher itself stops short of using for
// this purpose, since nothing in that package samples network interfaces.
package netmon

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/sirupsen/logrus"

	"github.com/offlinesync/syncengine/internal/realtime"
)

// AuthValidator is the subset of authgate.Gate NetworkMonitor drives.
type AuthValidator interface {
	MarkOffline()
	MarkValidated()
	GetUserID(ctx context.Context) string
}

// RealtimePauser is the subset of realtime.Manager NetworkMonitor drives.
type RealtimePauser interface {
	Pause()
	State() realtime.State
}

// OutboxClearer lets NetworkMonitor wipe queued intents when a reconnect's
// credential check finds the session has been kicked for good.
type OutboxClearer interface {
	Clear() error
}

// Syncer is the subset of SyncEngine NetworkMonitor nudges after a
// reconnect or a long-hidden visibility change.
type Syncer interface {
	RunFullSync(quiet bool)
	ScheduleDebouncedSync()
}

// Callback is a reconnect/disconnect observer. Register returns a detach
// function, the same pattern used across realtime.Manager.
type Callback func()

// Config carries the two spec-named debounce knobs (spec.md §6) plus the
// poll cadence and probe this Monitor uses.
type Config struct {
	OnlineReconnectCooldownMs int
	VisibilitySyncMinAwayMs   int
	PollInterval              time.Duration
	Probe                     func() bool
	OnAuthKicked              func(reason string)
}

// defaultProbe reports online iff at least one non-loopback interface
// reports counters and their combined byte total has changed since the
// last sample (the first sample counts as online). This is a
// best-effort, LAN-only heuristic; it is not a real internet-reachability
// check, but it avoids a hardcoded remote probe target.
func defaultProbe() func() bool {
	var mu sync.Mutex
	var lastTotal uint64
	var haveSample bool
	var lastOnline bool

	return func() bool {
		counters, err := net.IOCounters(true)
		if err != nil {
			mu.Lock()
			defer mu.Unlock()
			return lastOnline // preserve last known state if the sample fails
		}
		var total uint64
		var anyUp bool
		for _, c := range counters {
			if c.Name == "lo" || c.Name == "lo0" {
				continue
			}
			total += c.BytesSent + c.BytesRecv
			anyUp = true
		}
		mu.Lock()
		defer mu.Unlock()
		if !anyUp {
			lastOnline = false
			return false
		}

		moved := haveSample && total != lastTotal
		online := moved || !haveSample
		lastTotal = total
		haveSample = true
		lastOnline = online
		return online
	}
}

// Monitor is NetworkMonitor: it polls Probe on an interval, drives
// AuthGate/RealtimeManager/Syncer on transitions, and exposes onReconnect/
// onDisconnect registries for other components to hook into.
type Monitor struct {
	cfg    Config
	auth   AuthValidator
	rt     RealtimePauser
	outbox OutboxClearer
	syncer Syncer
	logger *logrus.Logger

	mu                  sync.Mutex
	online              bool
	started             bool
	lastReconnectSyncAt time.Time
	hiddenSince         time.Time
	cancel              context.CancelFunc

	obsMu             sync.RWMutex
	reconnectObservers map[int]Callback
	disconnectObservers map[int]Callback
	nextObserverID      int
}

// New returns a Monitor. auth, rt, outbox, and syncer may be nil in tests
// that only exercise the online/offline transition and observer plumbing.
func New(cfg Config, auth AuthValidator, rt RealtimePauser, outbox OutboxClearer, syncer Syncer, logger *logrus.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Probe == nil {
		cfg.Probe = defaultProbe()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		cfg:                 cfg,
		auth:                auth,
		rt:                  rt,
		outbox:              outbox,
		syncer:              syncer,
		logger:              logger,
		online:              true,
		reconnectObservers:  map[int]Callback{},
		disconnectObservers: map[int]Callback{},
	}
}

// Online reports the last-observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnReconnect registers cb to run on every offline->online transition.
// The returned func detaches it.
func (m *Monitor) OnReconnect(cb Callback) func() {
	return m.register(&m.reconnectObservers, cb)
}

// OnDisconnect registers cb to run on every online->offline transition.
func (m *Monitor) OnDisconnect(cb Callback) func() {
	return m.register(&m.disconnectObservers, cb)
}

func (m *Monitor) register(set *map[int]Callback, cb Callback) func() {
	m.obsMu.Lock()
	id := m.nextObserverID
	m.nextObserverID++
	(*set)[id] = cb
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(*set, id)
		m.obsMu.Unlock()
	}
}

// Start launches the polling loop. Safe to call once; a second call is a
// no-op until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.started = true
	m.cancel = cancel
	m.mu.Unlock()

	go m.loop(loopCtx)
}

// Stop halts the polling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.started = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	nowOnline := m.cfg.Probe()

	m.mu.Lock()
	wasOnline := m.online
	m.online = nowOnline
	m.mu.Unlock()

	if wasOnline && !nowOnline {
		m.handleOffline()
	} else if !wasOnline && nowOnline {
		m.handleOnline(ctx)
	}
}

func (m *Monitor) handleOffline() {
	m.logger.Info("network offline, pausing sync")
	if m.auth != nil {
		m.auth.MarkOffline()
	}
	if m.rt != nil {
		m.rt.Pause()
	}
	m.fire(m.disconnectObservers)
}

func (m *Monitor) handleOnline(ctx context.Context) {
	m.logger.Info("network reconnected, validating session")
	validateCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var userID string
	if m.auth != nil {
		userID = m.auth.GetUserID(validateCtx)
	}

	if m.auth != nil && userID == "" {
		m.logger.Warn("post-reconnect validation failed, treating session as kicked")
		if m.outbox != nil {
			if err := m.outbox.Clear(); err != nil {
				m.logger.WithError(err).Warn("failed clearing outbox after auth kick")
			}
		}
		if m.cfg.OnAuthKicked != nil {
			m.cfg.OnAuthKicked("post-reconnect validation failed")
		}
		m.fire(m.reconnectObservers)
		return
	}

	if m.auth != nil {
		m.auth.MarkValidated()
	}

	m.mu.Lock()
	cooldown := time.Duration(m.cfg.OnlineReconnectCooldownMs) * time.Millisecond
	elapsed := time.Since(m.lastReconnectSyncAt)
	shouldSync := m.syncer != nil && (m.lastReconnectSyncAt.IsZero() || elapsed >= cooldown)
	if shouldSync {
		m.lastReconnectSyncAt = time.Now()
	}
	m.mu.Unlock()

	if shouldSync {
		m.syncer.RunFullSync(true)
	}
	m.fire(m.reconnectObservers)
}

// NotifyVisible is called by the hosting application when its UI surface
// transitions from hidden to visible, with hiddenFor the duration it was
// hidden. If that duration clears visibilitySyncMinAwayMs and
// RealtimeManager is not currently connected, a debounced quiet sync is
// scheduled (spec.md §4.10).
func (m *Monitor) NotifyVisible(hiddenFor time.Duration) {
	threshold := time.Duration(m.cfg.VisibilitySyncMinAwayMs) * time.Millisecond
	if hiddenFor < threshold {
		return
	}
	if m.rt != nil && m.rt.State() == realtime.StateConnected {
		return
	}
	if m.syncer != nil {
		m.syncer.ScheduleDebouncedSync()
	}
}

// NotifyHidden marks the moment the hosting application's UI surface went
// hidden, for a later NotifyVisible call to measure against.
func (m *Monitor) NotifyHidden() {
	m.mu.Lock()
	m.hiddenSince = time.Now()
	m.mu.Unlock()
}

// HiddenSince returns the timestamp NotifyHidden last recorded, the zero
// value if the surface has never been marked hidden.
func (m *Monitor) HiddenSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hiddenSince
}

func (m *Monitor) fire(set map[int]Callback) {
	m.obsMu.RLock()
	cbs := make([]Callback, 0, len(set))
	for _, cb := range set {
		cbs = append(cbs, cb)
	}
	m.obsMu.RUnlock()
	for _, cb := range cbs {
		cb()
	}
}

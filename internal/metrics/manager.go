// Package metrics implements the engine's observability surface:
// spec.md §6's diagnostic snapshot, backed by a prometheus.Registry for
// export plus a bounded in-memory ring buffer of the last 10 sync cycles.
// Grounded on the teacher's method-per-concern Manager interface
// (internal/metrics/manager.go) and its gopsutil-fed gauge style
// (internal/metrics/system_metrics.go), re-scoped from S3/HTTP/storage
// concerns to this domain's push/pull/reconnect/lock concerns.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncCycleStat records one completed push/pull cycle, per spec.md §6
// syncStats.
type SyncCycleStat struct {
	Trigger      string // "debounce", "hydration", "manual"
	PushedItems  int
	PulledRecords int
	DurationMs   int64
	At           time.Time
}

// DiagnosticSnapshot is the full observability payload spec.md §6 names.
type DiagnosticSnapshot struct {
	ConnectionState       string
	LastError             string
	ReconnectAttempts      int
	LockHeldMs             int64
	SyncStats              []SyncCycleStat
	EgressBytes            int64
	RecentlyModifiedSize   int
	RecentlyProcessedSize  int
}

// Manager is the method-per-concern metrics surface SyncEngine,
// RealtimeManager, and NetworkMonitor all record into.
type Manager interface {
	RecordPush(pushedItems int, durationMs int64)
	RecordPull(pulledRecords int, durationMs int64)
	RecordCycle(stat SyncCycleStat)
	RecordReconnect(attempts int)
	RecordLockHeld(heldMs int64)
	RecordEgress(bytes int64)
	SetConnectionState(state string)
	SetLastError(message string)
	SetRecentlyModifiedSize(n int)
	SetRecentlyProcessedSize(n int)

	Snapshot() DiagnosticSnapshot
	Handler() http.Handler
}

const historySize = 10

type manager struct {
	mu      sync.RWMutex
	history []SyncCycleStat

	connectionState      string
	lastError            string
	reconnectAttempts    int
	lockHeldMs           int64
	egressBytes          int64
	recentlyModifiedSize int
	recentlyProcessedSize int

	registry *prometheus.Registry

	pushedCounter      prometheus.Counter
	pulledCounter      prometheus.Counter
	cycleDuration      prometheus.Histogram
	reconnectCounter   prometheus.Counter
	lockHeldGauge      prometheus.Gauge
	egressCounter      prometheus.Counter
}

// NewManager returns a Manager backed by a fresh prometheus registry.
func NewManager() Manager {
	registry := prometheus.NewRegistry()
	m := &manager{
		registry: registry,
		pushedCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd", Name: "pushed_items_total", Help: "Outbox items successfully pushed.",
		}),
		pulledCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd", Name: "pulled_records_total", Help: "Remote rows applied during pull.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "syncd", Name: "sync_cycle_duration_ms", Help: "Duration of a full push/pull cycle.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}),
		reconnectCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd", Name: "realtime_reconnects_total", Help: "RealtimeManager reconnect attempts.",
		}),
		lockHeldGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncd", Name: "sync_lock_held_ms", Help: "Duration the engine mutex was last held.",
		}),
		egressCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncd", Name: "egress_bytes_total", Help: "Best-effort outbound byte estimate.",
		}),
	}
	registry.MustRegister(m.pushedCounter, m.pulledCounter, m.cycleDuration, m.reconnectCounter, m.lockHeldGauge, m.egressCounter)
	return m
}

func (m *manager) RecordPush(pushedItems int, durationMs int64) {
	m.pushedCounter.Add(float64(pushedItems))
	m.cycleDuration.Observe(float64(durationMs))
}

func (m *manager) RecordPull(pulledRecords int, durationMs int64) {
	m.pulledCounter.Add(float64(pulledRecords))
	m.cycleDuration.Observe(float64(durationMs))
}

func (m *manager) RecordCycle(stat SyncCycleStat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, stat)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

func (m *manager) RecordReconnect(attempts int) {
	m.reconnectCounter.Inc()
	m.mu.Lock()
	m.reconnectAttempts = attempts
	m.mu.Unlock()
}

func (m *manager) RecordLockHeld(heldMs int64) {
	m.lockHeldGauge.Set(float64(heldMs))
	m.mu.Lock()
	m.lockHeldMs = heldMs
	m.mu.Unlock()
}

func (m *manager) RecordEgress(bytes int64) {
	m.egressCounter.Add(float64(bytes))
	m.mu.Lock()
	m.egressBytes += bytes
	m.mu.Unlock()
}

func (m *manager) SetConnectionState(state string) {
	m.mu.Lock()
	m.connectionState = state
	m.mu.Unlock()
}

func (m *manager) SetLastError(message string) {
	m.mu.Lock()
	m.lastError = message
	m.mu.Unlock()
}

func (m *manager) SetRecentlyModifiedSize(n int) {
	m.mu.Lock()
	m.recentlyModifiedSize = n
	m.mu.Unlock()
}

func (m *manager) SetRecentlyProcessedSize(n int) {
	m.mu.Lock()
	m.recentlyProcessedSize = n
	m.mu.Unlock()
}

func (m *manager) Snapshot() DiagnosticSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := make([]SyncCycleStat, len(m.history))
	copy(history, m.history)
	return DiagnosticSnapshot{
		ConnectionState:       m.connectionState,
		LastError:             m.lastError,
		ReconnectAttempts:     m.reconnectAttempts,
		LockHeldMs:            m.lockHeldMs,
		SyncStats:             history,
		EgressBytes:           m.egressBytes,
		RecentlyModifiedSize:  m.recentlyModifiedSize,
		RecentlyProcessedSize: m.recentlyProcessedSize,
	}
}

func (m *manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

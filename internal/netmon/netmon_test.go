package netmon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offlinesync/syncengine/internal/realtime"
)

type fakeAuth struct {
	mu          sync.Mutex
	offlineN    int
	validatedN  int
	userID      string
}

func (f *fakeAuth) MarkOffline() {
	f.mu.Lock()
	f.offlineN++
	f.mu.Unlock()
}
func (f *fakeAuth) MarkValidated() {
	f.mu.Lock()
	f.validatedN++
	f.mu.Unlock()
}
func (f *fakeAuth) GetUserID(ctx context.Context) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userID
}

type fakeRealtime struct {
	mu      sync.Mutex
	paused  int
	state   realtime.State
}

func (f *fakeRealtime) Pause() {
	f.mu.Lock()
	f.paused++
	f.mu.Unlock()
}
func (f *fakeRealtime) State() realtime.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

type fakeOutbox struct {
	mu      sync.Mutex
	cleared int
}

func (f *fakeOutbox) Clear() error {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
	return nil
}

type fakeSyncer struct {
	mu           sync.Mutex
	fullSyncN    int
	debouncedN   int
}

func (f *fakeSyncer) RunFullSync(quiet bool) {
	f.mu.Lock()
	f.fullSyncN++
	f.mu.Unlock()
}
func (f *fakeSyncer) ScheduleDebouncedSync() {
	f.mu.Lock()
	f.debouncedN++
	f.mu.Unlock()
}

func toggleProbe(seq []bool) func() bool {
	i := 0
	var mu sync.Mutex
	return func() bool {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(seq) {
			return seq[len(seq)-1]
		}
		v := seq[i]
		i++
		return v
	}
}

func TestMonitor_TransitionsToOfflinePauseAndMarkOffline(t *testing.T) {
	auth := &fakeAuth{userID: "user-1"}
	rt := &fakeRealtime{state: realtime.StateConnected}
	m := New(Config{PollInterval: 10 * time.Millisecond, Probe: toggleProbe([]bool{true, false, false})}, auth, rt, &fakeOutbox{}, &fakeSyncer{}, nil)

	var disconnectFired int
	var mu sync.Mutex
	m.OnDisconnect(func() {
		mu.Lock()
		disconnectFired++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return auth.offlineN >= 1 && rt.paused >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, disconnectFired, 1)
	require.False(t, m.Online())
}

func TestMonitor_ReconnectValidatesAndRunsFullSync(t *testing.T) {
	auth := &fakeAuth{userID: "user-1"}
	rt := &fakeRealtime{state: realtime.StateDisconnected}
	syncer := &fakeSyncer{}
	m := New(Config{PollInterval: 10 * time.Millisecond, Probe: toggleProbe([]bool{false, true, true})}, auth, rt, &fakeOutbox{}, syncer, nil)

	var reconnectFired int
	var mu sync.Mutex
	m.OnReconnect(func() {
		mu.Lock()
		reconnectFired++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.online = false
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return auth.validatedN >= 1 && syncer.fullSyncN >= 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, reconnectFired, 1)
	require.True(t, m.Online())
}

func TestMonitor_ReconnectWithFailedValidationClearsOutboxAndSkipsSync(t *testing.T) {
	auth := &fakeAuth{userID: ""}
	rt := &fakeRealtime{state: realtime.StateDisconnected}
	outbox := &fakeOutbox{}
	syncer := &fakeSyncer{}
	var kickedReason string
	m := New(Config{
		PollInterval: 10 * time.Millisecond,
		Probe:        toggleProbe([]bool{false, true, true}),
		OnAuthKicked: func(reason string) { kickedReason = reason },
	}, auth, rt, outbox, syncer, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.online = false
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return outbox.cleared >= 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, 0, syncer.fullSyncN)
	require.Equal(t, 0, auth.validatedN)
	require.NotEmpty(t, kickedReason)
}

func TestMonitor_NotifyVisibleSchedulesDebounceWhenDisconnectedAndAwayLongEnough(t *testing.T) {
	rt := &fakeRealtime{state: realtime.StateDisconnected}
	syncer := &fakeSyncer{}
	m := New(Config{VisibilitySyncMinAwayMs: 300000}, nil, rt, nil, syncer, nil)

	m.NotifyVisible(100 * time.Millisecond)
	require.Equal(t, 0, syncer.debouncedN)

	m.NotifyVisible(6 * time.Minute)
	require.Equal(t, 1, syncer.debouncedN)
}

func TestMonitor_NotifyVisibleSkipsWhenRealtimeConnected(t *testing.T) {
	rt := &fakeRealtime{state: realtime.StateConnected}
	syncer := &fakeSyncer{}
	m := New(Config{VisibilitySyncMinAwayMs: 1000}, nil, rt, nil, syncer, nil)

	m.NotifyVisible(time.Hour)
	require.Equal(t, 0, syncer.debouncedN)
}

func TestMonitor_OnReconnectDetachStopsFurtherCalls(t *testing.T) {
	m := New(Config{}, nil, nil, nil, nil, nil)

	var calls int
	detach := m.OnReconnect(func() { calls++ })
	m.fire(m.reconnectObservers)
	require.Equal(t, 1, calls)

	detach()
	m.fire(m.reconnectObservers)
	require.Equal(t, 1, calls)
}

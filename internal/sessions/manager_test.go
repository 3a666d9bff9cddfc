package sessions

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-link/internal/apperr"
	"github.com/EternisAI/silo-link/internal/devices"
	"github.com/EternisAI/silo-link/internal/netmon"
	"github.com/EternisAI/silo-link/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	probes atomic.Int64

	mu      sync.Mutex
	lastID  string
	reasons []string
}

func (c *fakeChannel) SendProbe(_ context.Context, probeID string) error {
	c.probes.Add(1)
	c.mu.Lock()
	c.lastID = probeID
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Disconnect(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reasons = append(c.reasons, reason)
}

func (c *fakeChannel) disconnects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.reasons...)
}

func (c *fakeChannel) lastProbe() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

type staticChecker map[string]bool

func (s staticChecker) IsActive(_ context.Context, deviceID string) (bool, error) {
	return s[deviceID], nil
}

func fastConfig() Config {
	return Config{
		IdleTimeout:   time.Minute,
		SweepInterval: time.Hour,
		Monitor: netmon.Config{
			PingInterval: 5 * time.Millisecond,
			PingTimeout:  50 * time.Millisecond,
			WindowSize:   20,
		},
	}
}

func TestOpenRequiresActiveDevice(t *testing.T) {
	m := NewManager(fastConfig(), staticChecker{"phone": true})

	_, err := m.Open(context.Background(), "unknown", &fakeChannel{})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
	assert.Equal(t, 0, m.Stats().Active)
}

func TestOpenStartsMonitorAndCloseStopsIt(t *testing.T) {
	ctx := context.Background()
	m := NewManager(fastConfig(), staticChecker{"phone": true})
	ch := &fakeChannel{}

	s, err := m.Open(ctx, "phone", ch)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, s.Status)
	assert.Eventually(t, func() bool { return ch.probes.Load() >= 2 }, time.Second, time.Millisecond)

	require.NoError(t, m.Close(ctx, s.ID, ReasonClientDisconnect))
	sent := ch.probes.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, sent, ch.probes.Load(), "no probe after close returns")
	assert.Equal(t, []string{ReasonClientDisconnect}, ch.disconnects())

	assert.ErrorIs(t, m.Close(ctx, s.ID, ReasonClientDisconnect), apperr.ErrNotFound)
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestOpenReplacesExistingSession(t *testing.T) {
	ctx := context.Background()
	var reasons []string
	var mu sync.Mutex
	m := NewManager(fastConfig(), staticChecker{"phone": true}, WithCloseRecorder(func(r string) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, r)
	}))

	first := &fakeChannel{}
	second := &fakeChannel{}
	s1, err := m.Open(ctx, "phone", first)
	require.NoError(t, err)
	s2, err := m.Open(ctx, "phone", second)
	require.NoError(t, err)

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, []string{ReasonReplaced}, first.disconnects())
	assert.Len(t, m.List(), 1)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 2, stats.TotalToday)
	assert.Equal(t, 2, stats.TotalOpened)

	m.Shutdown(ctx)
	mu.Lock()
	assert.Equal(t, []string{ReasonReplaced, ReasonShutdown}, reasons)
	mu.Unlock()
}

func TestRevocationClosesSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	registry := devices.NewRegistry("host-1", 3, st)
	m := NewManager(fastConfig(), registry)
	registry.Subscribe(m)

	_, err := registry.Admit(ctx, "phone", "Phone", "fp")
	require.NoError(t, err)

	ch := &fakeChannel{}
	s, err := m.Open(ctx, "phone", ch)
	require.NoError(t, err)

	require.NoError(t, registry.Revoke(ctx, "phone"))

	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, []string{ReasonRevoked}, ch.disconnects())

	_, err = m.Open(ctx, "phone", &fakeChannel{})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)
}

func TestIdleSweep(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	cfg := fastConfig()
	cfg.Monitor.PingInterval = time.Hour
	m := NewManager(cfg, staticChecker{"a": true, "b": true}, WithClock(clock))

	chA, chB := &fakeChannel{}, &fakeChannel{}
	sa, err := m.Open(ctx, "a", chA)
	require.NoError(t, err)
	sb, err := m.Open(ctx, "b", chB)
	require.NoError(t, err)

	advance(45 * time.Second)
	require.NoError(t, m.Heartbeat(sb.ID))
	advance(30 * time.Second)

	assert.Equal(t, 1, m.SweepIdle(ctx))
	assert.Equal(t, []string{ReasonIdleTimeout}, chA.disconnects())
	_, err = m.Get(sa.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	info, err := m.Get(sb.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", info.DeviceID)

	assert.ErrorIs(t, m.Heartbeat("missing"), apperr.ErrNotFound)
	m.Shutdown(ctx)
}

func TestProbeAckFeedsMonitor(t *testing.T) {
	ctx := context.Background()
	cfg := fastConfig()
	cfg.Monitor.PingInterval = 20 * time.Millisecond
	m := NewManager(cfg, staticChecker{"phone": true})
	ch := &fakeChannel{}

	s, err := m.Open(ctx, "phone", ch)
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	require.Eventually(t, func() bool { return ch.lastProbe() != "" }, time.Second, time.Millisecond)
	assert.True(t, m.RecordProbeAck(s.ID, ch.lastProbe()))
	assert.False(t, m.RecordProbeAck(s.ID, "bogus"))
	assert.False(t, m.RecordProbeAck("missing", "bogus"))

	require.Eventually(t, func() bool {
		info, err := m.Get(s.ID)
		return err == nil && info.Metrics != nil
	}, time.Second, 5*time.Millisecond)

	info, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, info.Monitor.AcksReceived, int64(1))
	assert.True(t, info.Monitor.Running)
}

func TestMaxConcurrent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(fastConfig(), staticChecker{"a": true, "b": true, "c": true})

	var ids []string
	for _, d := range []string{"a", "b", "c"} {
		s, err := m.Open(ctx, d, &fakeChannel{})
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}
	for _, id := range ids {
		require.NoError(t, m.Close(ctx, id, ReasonAdmin))
	}

	stats := m.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 3, stats.MaxConcurrent)
	assert.Equal(t, 3, stats.TotalToday)
}

package netmon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSender struct {
	mu  sync.Mutex
	ids []string
	n   atomic.Int64
}

func (s *recordingSender) SendProbe(_ context.Context, probeID string) error {
	s.mu.Lock()
	s.ids = append(s.ids, probeID)
	s.mu.Unlock()
	s.n.Add(1)
	return nil
}

func (s *recordingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[len(s.ids)-1]
}

type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendProbe(ctx context.Context, probeID string) error {
	args := m.Called(ctx, probeID)
	return args.Error(0)
}

type captureObserver struct {
	mu      sync.Mutex
	metrics []Metrics
	alerts  []Alert
}

func (o *captureObserver) OnMetrics(_ string, m Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.metrics = append(o.metrics, m)
}

func (o *captureObserver) OnAlert(_ string, a Alert, _ Metrics) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.alerts = append(o.alerts, a)
}

type panickingObserver struct{}

func (panickingObserver) OnMetrics(string, Metrics)       { panic("boom") }
func (panickingObserver) OnAlert(string, Alert, Metrics) { panic("boom") }

func TestMonitorHealthyWindow(t *testing.T) {
	clock := newFakeClock()
	sender := &recordingSender{}
	obs := &captureObserver{}
	m := New("sess-1", sender, DefaultConfig(), WithClock(clock.Now), WithObserver(obs))
	ctx := context.Background()

	for _, latency := range []time.Duration{10, 20, 30, 25, 15} {
		m.tick(ctx)
		clock.Advance(latency * time.Millisecond)
		require.True(t, m.RecordAck(sender.last()))
		clock.Advance(5*time.Second - latency*time.Millisecond)
	}
	m.tick(ctx)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.InDelta(t, 20.0, cur.LatencyMs, 0.001)
	assert.Equal(t, 0.0, cur.PacketLossPercent)
	assert.Equal(t, QualityExcellent, cur.Quality)
	assert.True(t, cur.Stable)
	assert.Empty(t, obs.alerts)

	stats := m.Stats()
	assert.Equal(t, int64(6), stats.ProbesSent)
	assert.Equal(t, int64(5), stats.AcksReceived)
	assert.Equal(t, int64(0), stats.Timeouts)
	assert.Equal(t, QualityExcellent, stats.CurrentQuality)
}

func TestMonitorTimeoutsRaiseLossAlert(t *testing.T) {
	clock := newFakeClock()
	sender := &recordingSender{}
	obs := &captureObserver{}
	m := New("sess-1", sender, DefaultConfig(), WithClock(clock.Now), WithObserver(obs))
	ctx := context.Background()

	// ack, drop, ack, drop, drop
	acks := []bool{true, false, true, false, false}
	for _, ack := range acks {
		m.tick(ctx)
		if ack {
			clock.Advance(10 * time.Millisecond)
			m.RecordAck(sender.last())
		}
		clock.Advance(3 * time.Second)
	}
	m.tick(ctx)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.InDelta(t, 60.0, cur.PacketLossPercent, 0.001)
	assert.Equal(t, QualityCritical, cur.Quality)
	require.NotEmpty(t, obs.alerts)
	assert.Equal(t, AlertHighPacketLoss, obs.alerts[len(obs.alerts)-1])
	assert.Equal(t, int64(3), m.Stats().Timeouts)
}

func TestMonitorLateAckIgnored(t *testing.T) {
	clock := newFakeClock()
	sender := &recordingSender{}
	m := New("sess-1", sender, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()

	m.tick(ctx)
	first := sender.last()
	clock.Advance(3 * time.Second)
	m.tick(ctx)

	assert.False(t, m.RecordAck(first), "timed out probe must not be resolved")
	assert.False(t, m.RecordAck("never-sent"))

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, 100.0, cur.PacketLossPercent)
	assert.Equal(t, 2000.0, cur.LatencyMs)
}

func TestMonitorSendFailureCountsAsLoss(t *testing.T) {
	clock := newFakeClock()
	sender := new(MockSender)
	sender.On("SendProbe", mock.Anything, mock.AnythingOfType("string")).Return(errors.New("channel closed"))

	m := New("sess-1", sender, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()

	m.tick(ctx)
	_, ok := m.Current()
	assert.False(t, ok, "no snapshot before anything is resolved")

	clock.Advance(3 * time.Second)
	m.tick(ctx)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, QualityCritical, cur.Quality)
	sender.AssertNumberOfCalls(t, "SendProbe", 2)
}

func TestMonitorObserverPanicDoesNotEscape(t *testing.T) {
	clock := newFakeClock()
	sender := &recordingSender{}
	m := New("sess-1", sender, DefaultConfig(), WithClock(clock.Now), WithObserver(panickingObserver{}))
	ctx := context.Background()

	m.tick(ctx)
	clock.Advance(3 * time.Second)
	assert.NotPanics(t, func() { m.tick(ctx) })

	_, ok := m.Current()
	assert.True(t, ok)
}

func TestMonitorStopHaltsProbing(t *testing.T) {
	sender := &recordingSender{}
	cfg := DefaultConfig()
	cfg.PingInterval = 5 * time.Millisecond
	cfg.PingTimeout = 2 * time.Millisecond
	m := New("sess-1", sender, cfg)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateRunning, m.State())

	assert.Eventually(t, func() bool { return sender.n.Load() >= 3 }, time.Second, time.Millisecond)

	m.Stop()
	sent := sender.n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, sent, sender.n.Load())
	assert.Equal(t, StateStopped, m.State())
	assert.False(t, m.Stats().Running)

	assert.NotPanics(t, m.Stop)
	assert.ErrorIs(t, m.Start(context.Background()), ErrMonitorStopped)
}

func TestMonitorStopBeforeStart(t *testing.T) {
	m := New("sess-1", &recordingSender{}, DefaultConfig())
	m.Stop()
	assert.Equal(t, StateStopped, m.State())
}

func TestMonitorReset(t *testing.T) {
	clock := newFakeClock()
	sender := &recordingSender{}
	m := New("sess-1", sender, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()

	m.tick(ctx)
	clock.Advance(5 * time.Millisecond)
	m.RecordAck(sender.last())
	m.tick(ctx)

	m.Reset()
	stats := m.Stats()
	assert.Equal(t, int64(0), stats.ProbesSent)
	assert.Equal(t, int64(0), stats.AcksReceived)
	_, ok := m.Current()
	assert.False(t, ok)
}

func TestObserversFanOut(t *testing.T) {
	a, b := &captureObserver{}, &captureObserver{}
	obs := Observers{a, b}

	obs.OnMetrics("s", Metrics{Quality: QualityGood})
	obs.OnAlert("s", AlertPoorQuality, Metrics{})

	assert.Len(t, a.metrics, 1)
	assert.Len(t, b.metrics, 1)
	assert.Equal(t, []Alert{AlertPoorQuality}, b.alerts)
}

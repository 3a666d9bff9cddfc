package netmon

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrMonitorStopped = errors.New("network monitor already stopped")

// ProbeSender is the outbound half of a session channel. The monitor only emits
// probes through it; acknowledgements come back through RecordAck.
type ProbeSender interface {
	SendProbe(ctx context.Context, probeID string) error
}

// Observer receives every recomputed snapshot and every raised alert.
type Observer interface {
	OnMetrics(sessionID string, m Metrics)
	OnAlert(sessionID string, alert Alert, m Metrics)
}

// Observers fans out to several observers in order.
type Observers []Observer

func (os Observers) OnMetrics(sessionID string, m Metrics) {
	for _, o := range os {
		o.OnMetrics(sessionID, m)
	}
}

func (os Observers) OnAlert(sessionID string, alert Alert, m Metrics) {
	for _, o := range os {
		o.OnAlert(sessionID, alert, m)
	}
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

type Config struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	WindowSize   int
	Thresholds   Thresholds
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 5 * time.Second,
		PingTimeout:  2 * time.Second,
		WindowSize:   20,
		Thresholds:   DefaultThresholds(),
	}
}

// Statistics are lifetime counters of one monitor.
type Statistics struct {
	ProbesSent       int64   `json:"probes_sent"`
	AcksReceived     int64   `json:"acks_received"`
	Timeouts         int64   `json:"timeouts"`
	SuccessRate      float64 `json:"success_rate"`
	CurrentQuality   Quality `json:"current_quality,omitempty"`
	CurrentLatencyMs float64 `json:"current_latency_ms"`
	Running          bool    `json:"running"`
}

// Monitor probes one session channel and derives link-quality metrics.
// The probing loop and RecordAck share the pending table and the window under mu.
type Monitor struct {
	sessionID string
	cfg       Config
	sender    ProbeSender
	observer  Observer
	now       func() time.Time

	mu       sync.Mutex
	window   *Ring[Measurement]
	pending  map[string]Measurement
	current  *Metrics
	sent     int64
	acked    int64
	timeouts int64
	state    State
	cancel   context.CancelFunc
	done     chan struct{}
}

type Option func(*Monitor)

func WithObserver(o Observer) Option {
	return func(m *Monitor) {
		m.observer = o
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

func New(sessionID string, sender ProbeSender, cfg Config, opts ...Option) *Monitor {
	defaults := DefaultConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaults.PingTimeout
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaults.WindowSize
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = defaults.Thresholds
	}

	m := &Monitor{
		sessionID: sessionID,
		cfg:       cfg,
		sender:    sender,
		now:       time.Now,
		window:    NewRing[Measurement](cfg.WindowSize),
		pending:   make(map[string]Measurement),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the probing loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateRunning:
		slog.Warn("Network monitor already running", "session_id", m.sessionID)
		return nil
	case StateStopped:
		return ErrMonitorStopped
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = StateRunning

	go m.run(loopCtx, m.done)

	slog.Info("Network monitor started",
		"session_id", m.sessionID,
		"ping_interval", m.cfg.PingInterval,
		"ping_timeout", m.cfg.PingTimeout)
	return nil
}

// Stop cancels the probing loop and waits until it has exited. Once Stop
// returns no further probe is sent. Safe to call more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	prev := m.state
	m.state = StateStopped
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if prev == StateRunning {
		slog.Info("Network monitor stopped", "session_id", m.sessionID)
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		m.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one loop iteration: probe, expire, recompute, notify.
func (m *Monitor) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	probeID := uuid.NewString()

	m.mu.Lock()
	m.pending[probeID] = Measurement{ProbeID: probeID, SentAt: m.now()}
	m.sent++
	m.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	err := m.sender.SendProbe(sendCtx, probeID)
	cancel()
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		// The probe stays pending and is counted as lost once it times out.
		slog.Warn("Failed to send probe", "session_id", m.sessionID, "probe_id", probeID, "error", err)
	}

	m.expirePending()

	snapshot, ok := m.recompute()
	if !ok {
		return
	}
	m.notify(snapshot)
}

// RecordAck resolves a pending probe. Unknown or late ids are ignored and reported as false.
func (m *Monitor) RecordAck(probeID string) bool {
	m.mu.Lock()
	p, ok := m.pending[probeID]
	if !ok {
		m.mu.Unlock()
		slog.Debug("Probe ack for unknown probe", "session_id", m.sessionID, "probe_id", probeID)
		return false
	}
	delete(m.pending, probeID)
	p.ReceivedAt = m.now()
	p.LatencyMs = float64(p.ReceivedAt.Sub(p.SentAt)) / float64(time.Millisecond)
	m.window.Push(p)
	m.acked++
	m.mu.Unlock()

	slog.Debug("Probe acknowledged", "session_id", m.sessionID, "probe_id", probeID, "latency_ms", p.LatencyMs)
	return true
}

func (m *Monitor) expirePending() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []Measurement
	for id, p := range m.pending {
		if now.Sub(p.SentAt) > m.cfg.PingTimeout {
			p.TimedOut = true
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].SentAt.Before(expired[j].SentAt)
	})
	for _, p := range expired {
		m.window.Push(p)
		m.timeouts++
		slog.Warn("Probe timed out", "session_id", m.sessionID, "probe_id", p.ProbeID)
	}
}

func (m *Monitor) recompute() (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, ok := Compute(m.window.Items(), m.cfg.PingTimeout, m.cfg.Thresholds, m.now())
	if !ok {
		return Metrics{}, false
	}
	m.current = &snapshot
	return snapshot, true
}

func (m *Monitor) notify(snapshot Metrics) {
	if m.observer == nil {
		return
	}

	m.safeCall("metrics", func() {
		m.observer.OnMetrics(m.sessionID, snapshot)
	})

	alert, ok := Evaluate(snapshot, m.cfg.Thresholds)
	if !ok {
		return
	}
	slog.Warn("Network quality alert",
		"session_id", m.sessionID,
		"alert", alert,
		"quality", snapshot.Quality,
		"latency_ms", snapshot.LatencyMs,
		"packet_loss_percent", snapshot.PacketLossPercent)
	m.safeCall("alert", func() {
		m.observer.OnAlert(m.sessionID, alert, snapshot)
	})
}

func (m *Monitor) safeCall(callback string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Network monitor observer panicked",
				"session_id", m.sessionID,
				"callback", callback,
				"panic", r)
		}
	}()
	fn()
}

// Current returns the latest snapshot, if one has been computed.
func (m *Monitor) Current() (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Metrics{}, false
	}
	return *m.current, true
}

func (m *Monitor) Stats() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Statistics{
		ProbesSent:   m.sent,
		AcksReceived: m.acked,
		Timeouts:     m.timeouts,
		Running:      m.state == StateRunning,
	}
	if m.sent > 0 {
		s.SuccessRate = float64(m.acked) / float64(m.sent) * 100
	}
	if m.current != nil {
		s.CurrentQuality = m.current.Quality
		s.CurrentLatencyMs = m.current.LatencyMs
	}
	return s
}

// Reset drops the window, the pending table and all counters.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.window.Reset()
	m.pending = make(map[string]Measurement)
	m.current = nil
	m.sent, m.acked, m.timeouts = 0, 0, 0

	slog.Info("Network monitor statistics reset", "session_id", m.sessionID)
}

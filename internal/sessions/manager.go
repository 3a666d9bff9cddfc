package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/EternisAI/silo-link/internal/apperr"
	"github.com/EternisAI/silo-link/internal/audit"
	"github.com/EternisAI/silo-link/internal/devices"
	"github.com/EternisAI/silo-link/internal/netmon"
	"github.com/google/uuid"
)

const (
	ReasonClientDisconnect = "client_disconnect"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonReplaced         = "replaced"
	ReasonRevoked          = "revoked"
	ReasonRepaired         = "credentials_replaced"
	ReasonAdmin            = "admin"
	ReasonShutdown         = "shutdown"

	DefaultIdleTimeout   = 90 * time.Second
	DefaultSweepInterval = 15 * time.Second
)

// Channel is the transport side of a session: the monitor sends probes through
// it and a forced close tells the peer why it is being dropped.
type Channel interface {
	netmon.ProbeSender
	Disconnect(reason string)
}

// DeviceChecker answers whether a device may hold a session.
type DeviceChecker interface {
	IsActive(ctx context.Context, deviceID string) (bool, error)
}

type Status string

const (
	StatusActive  Status = "active"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

type Session struct {
	ID              string    `json:"session_id"`
	DeviceID        string    `json:"device_id"`
	EstablishedAt   time.Time `json:"established_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	Status          Status    `json:"status"`
}

// Info is a session together with the latest link-quality view of its monitor.
type Info struct {
	Session
	Metrics *netmon.Metrics   `json:"metrics,omitempty"`
	Monitor netmon.Statistics `json:"monitor"`
}

type Stats struct {
	Active        int `json:"active"`
	TotalToday    int `json:"total_today"`
	MaxConcurrent int `json:"max_concurrent"`
	TotalOpened   int `json:"total_opened"`
}

type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Monitor       netmon.Config
}

type entry struct {
	session Session
	channel Channel
	monitor *netmon.Monitor
}

type Option func(*Manager)

func WithObserver(o netmon.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

func WithAuditTrail(t *audit.Trail) Option {
	return func(m *Manager) { m.trail = t }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCloseRecorder is called once per closed session with the close reason.
func WithCloseRecorder(record func(reason string)) Option {
	return func(m *Manager) { m.recordClose = record }
}

// Manager binds admitted devices to live channels. Each session owns one
// network monitor, which is stopped and joined before the session counts as closed.
type Manager struct {
	cfg         Config
	devices     DeviceChecker
	observer    netmon.Observer
	trail       *audit.Trail
	now         func() time.Time
	recordClose func(reason string)

	mu            sync.Mutex
	sessions      map[string]*entry
	byDevice      map[string]string
	day           string
	totalToday    int
	totalOpened   int
	maxConcurrent int
}

func NewManager(cfg Config, checker DeviceChecker, opts ...Option) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	m := &Manager{
		cfg:         cfg,
		devices:     checker,
		now:         time.Now,
		recordClose: func(string) {},
		sessions:    make(map[string]*entry),
		byDevice:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open starts a session for an active device. An existing session of the same
// device is closed with reason "replaced".
func (m *Manager) Open(ctx context.Context, deviceID string, ch Channel) (*Session, error) {
	if err := m.checkActive(ctx, deviceID); err != nil {
		return nil, err
	}

	now := m.now()
	e := &entry{
		session: Session{
			ID:              uuid.NewString(),
			DeviceID:        deviceID,
			EstablishedAt:   now,
			LastHeartbeatAt: now,
			Status:          StatusActive,
		},
		channel: ch,
	}
	monitorOpts := []netmon.Option{netmon.WithClock(m.now)}
	if m.observer != nil {
		monitorOpts = append(monitorOpts, netmon.WithObserver(m.observer))
	}
	e.monitor = netmon.New(e.session.ID, ch, m.cfg.Monitor, monitorOpts...)

	m.mu.Lock()
	var replaced *entry
	if prevID, ok := m.byDevice[deviceID]; ok {
		replaced = m.detachLocked(prevID)
	}
	m.sessions[e.session.ID] = e
	m.byDevice[deviceID] = e.session.ID
	m.countOpenLocked(now)
	session := e.session
	m.mu.Unlock()

	if replaced != nil {
		m.finish(ctx, replaced, ReasonReplaced)
	}

	if err := e.monitor.Start(context.Background()); err != nil {
		m.closeEntry(ctx, e.session.ID, ReasonShutdown)
		return nil, err
	}

	// A revocation that landed between the check above and the insert would
	// have found nothing to close.
	if err := m.checkActive(ctx, deviceID); err != nil {
		m.closeEntry(ctx, session.ID, ReasonRevoked)
		return nil, err
	}

	slog.Info("Session opened", "session_id", session.ID, "device_id", deviceID)
	return &session, nil
}

func (m *Manager) checkActive(ctx context.Context, deviceID string) error {
	active, err := m.devices.IsActive(ctx, deviceID)
	if err != nil {
		return err
	}
	if !active {
		return apperr.Authorization("device %s is not active", deviceID)
	}
	return nil
}

func (m *Manager) countOpenLocked(now time.Time) {
	day := now.Format(time.DateOnly)
	if day != m.day {
		m.day = day
		m.totalToday = 0
	}
	m.totalToday++
	m.totalOpened++
	if n := len(m.sessions); n > m.maxConcurrent {
		m.maxConcurrent = n
	}
}

// detachLocked removes a session from the tables and marks it closing.
func (m *Manager) detachLocked(sessionID string) *entry {
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(m.sessions, sessionID)
	if m.byDevice[e.session.DeviceID] == sessionID {
		delete(m.byDevice, e.session.DeviceID)
	}
	e.session.Status = StatusClosing
	return e
}

// finish stops the monitor, waits for it, then notifies the peer.
func (m *Manager) finish(ctx context.Context, e *entry, reason string) {
	e.monitor.Stop()
	e.channel.Disconnect(reason)
	e.session.Status = StatusClosed

	slog.Info("Session closed",
		"session_id", e.session.ID,
		"device_id", e.session.DeviceID,
		"reason", reason,
		"duration", m.now().Sub(e.session.EstablishedAt))
	m.trail.Record(ctx, audit.SessionClosed, e.session.DeviceID, map[string]any{
		"session_id": e.session.ID,
		"reason":     reason,
	})
	m.recordClose(reason)
}

func (m *Manager) closeEntry(ctx context.Context, sessionID, reason string) bool {
	m.mu.Lock()
	e := m.detachLocked(sessionID)
	m.mu.Unlock()
	if e == nil {
		return false
	}
	m.finish(ctx, e, reason)
	return true
}

// Close ends a session. It returns after the session's monitor has exited.
func (m *Manager) Close(ctx context.Context, sessionID, reason string) error {
	if !m.closeEntry(ctx, sessionID, reason) {
		return apperr.NotFound("session %s", sessionID)
	}
	return nil
}

// CloseDevice closes the session of deviceID, if any.
func (m *Manager) CloseDevice(ctx context.Context, deviceID, reason string) bool {
	m.mu.Lock()
	sessionID, ok := m.byDevice[deviceID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return m.closeEntry(ctx, sessionID, reason)
}

func (m *Manager) Heartbeat(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return apperr.NotFound("session %s", sessionID)
	}
	e.session.LastHeartbeatAt = m.now()
	return nil
}

// RecordProbeAck hands a probe acknowledgement to the session's monitor.
func (m *Manager) RecordProbeAck(sessionID, probeID string) bool {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if ok {
		e.session.LastHeartbeatAt = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	return e.monitor.RecordAck(probeID)
}

// SweepIdle closes sessions without a heartbeat for longer than the idle timeout.
func (m *Manager) SweepIdle(ctx context.Context) int {
	now := m.now()
	m.mu.Lock()
	var idle []string
	for id, e := range m.sessions {
		if now.Sub(e.session.LastHeartbeatAt) > m.cfg.IdleTimeout {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	closed := 0
	for _, id := range idle {
		if m.closeEntry(ctx, id, ReasonIdleTimeout) {
			closed++
		}
	}
	if closed > 0 {
		slog.Info("Closed idle sessions", "count", closed, "idle_timeout", m.cfg.IdleTimeout)
	}
	return closed
}

func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepIdle(ctx)
		}
	}
}

// OnDeviceChange closes the session of a revoked or re-paired device.
func (m *Manager) OnDeviceChange(ctx context.Context, c devices.Change) {
	switch c.Kind {
	case devices.ChangeRevoked:
		m.CloseDevice(ctx, c.DeviceID, ReasonRevoked)
	case devices.ChangeAdmitted:
		m.CloseDevice(ctx, c.DeviceID, ReasonRepaired)
	}
}

func (m *Manager) Get(sessionID string) (*Info, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	var session Session
	if ok {
		session = e.session
	}
	m.mu.Unlock()
	if !ok {
		return nil, apperr.NotFound("session %s", sessionID)
	}
	return describe(session, e.monitor), nil
}

func (m *Manager) List() []Info {
	m.mu.Lock()
	type snapshot struct {
		session Session
		monitor *netmon.Monitor
	}
	snaps := make([]snapshot, 0, len(m.sessions))
	for _, e := range m.sessions {
		snaps = append(snaps, snapshot{session: e.session, monitor: e.monitor})
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, *describe(s.session, s.monitor))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EstablishedAt.Before(out[j].EstablishedAt)
	})
	return out
}

func describe(s Session, mon *netmon.Monitor) *Info {
	info := &Info{Session: s, Monitor: mon.Stats()}
	if cur, ok := mon.Current(); ok {
		info.Metrics = &cur
	}
	return info
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	today := m.totalToday
	if m.day != m.now().Format(time.DateOnly) {
		today = 0
	}
	return Stats{
		Active:        len(m.sessions),
		TotalToday:    today,
		MaxConcurrent: m.maxConcurrent,
		TotalOpened:   m.totalOpened,
	}
}

// Shutdown closes every session and waits for all monitors to exit.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.closeEntry(ctx, id, ReasonShutdown)
		}(id)
	}
	wg.Wait()
}

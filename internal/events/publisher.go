package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-link/internal/devices"
	"github.com/EternisAI/silo-link/internal/netmon"
	"github.com/nats-io/nats.go"
)

const (
	DefaultSubjectPrefix = "silolink"
	DefaultQueueSize     = 1024
)

var ErrQueueFull = errors.New("event queue is full")

const (
	TypeLinkMetrics  = "link_metrics"
	TypeLinkAlert    = "link_alert"
	TypeDeviceChange = "device_change"
)

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

var _ Conn = (*nats.Conn)(nil)

type Event struct {
	Type      string          `json:"type"`
	HostID    string          `json:"host_id"`
	SessionID string          `json:"session_id,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Alert     netmon.Alert    `json:"alert,omitempty"`
	Metrics   *netmon.Metrics `json:"metrics,omitempty"`
	Change    string          `json:"change,omitempty"`

	subject string
}

// Publisher forwards link-quality snapshots, alerts and device changes to
// NATS. Enqueueing never blocks the caller; a full queue drops the event.
type Publisher struct {
	conn   Conn
	prefix string
	hostID string
	now    func() time.Time

	queue    chan Event
	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewPublisher(conn Conn, prefix, hostID string) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		hostID: hostID,
		now:    time.Now,
		queue:  make(chan Event, DefaultQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Connect dials NATS with reconnects enabled.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

func (p *Publisher) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	slog.Info("Starting event publisher", "prefix", p.prefix)
	go p.loop(ctx)
}

// Stop ends the publish loop after draining queued events.
func (p *Publisher) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.started.Load() {
		<-p.done
	}
}

func (p *Publisher) Subject(parts ...string) string {
	s := p.prefix
	for _, part := range parts {
		s += "." + part
	}
	return s
}

func (p *Publisher) OnMetrics(sessionID string, m netmon.Metrics) {
	snap := m
	p.enqueue(Event{
		Type:      TypeLinkMetrics,
		SessionID: sessionID,
		Metrics:   &snap,
		subject:   p.Subject("link", "metrics"),
	})
}

func (p *Publisher) OnAlert(sessionID string, alert netmon.Alert, m netmon.Metrics) {
	snap := m
	p.enqueue(Event{
		Type:      TypeLinkAlert,
		SessionID: sessionID,
		Alert:     alert,
		Metrics:   &snap,
		subject:   p.Subject("link", "alert"),
	})
}

func (p *Publisher) OnDeviceChange(_ context.Context, c devices.Change) {
	p.enqueue(Event{
		Type:      TypeDeviceChange,
		DeviceID:  c.DeviceID,
		Change:    string(c.Kind),
		Timestamp: c.At,
		subject:   p.Subject("device", string(c.Kind)),
	})
}

func (p *Publisher) enqueue(e Event) {
	e.HostID = p.hostID
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}
	select {
	case p.queue <- e:
	default:
		slog.Warn("Dropping event", "type", e.Type, "error", ErrQueueFull)
	}
}

func (p *Publisher) loop(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			p.drain()
			return
		case e := <-p.queue:
			p.publish(e)
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case e := <-p.queue:
			p.publish(e)
		default:
			return
		}
	}
}

func (p *Publisher) publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("Failed to marshal event", "type", e.Type, "error", err)
		return
	}
	if err := p.conn.Publish(e.subject, data); err != nil {
		slog.Error("Failed to publish event", "subject", e.subject, "error", err)
		return
	}
	slog.Debug("Published event", "subject", e.subject, "type", e.Type)
}

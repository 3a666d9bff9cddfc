// Package audit records security relevant events of pairing and channel setup.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/EternisAI/silo-link/internal/store"
	"github.com/google/uuid"
)

type Event string

const (
	PairingInitiated          Event = "pairing_initiated"
	PairingVerificationFailed Event = "pairing_verification_failed"
	PairingVerified           Event = "pairing_verified"
	PairingRevoked            Event = "pairing_revoked"
	AuthTokenRotated          Event = "auth_token_rotated"
	ChannelEstablished        Event = "channel_established"
	ChannelAuthFailed         Event = "channel_authentication_failed"
	SessionClosed             Event = "session_closed"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

func (e Event) Severity() Severity {
	switch e {
	case PairingVerificationFailed, ChannelAuthFailed, PairingRevoked:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

type Record struct {
	ID       string         `json:"id"`
	At       time.Time      `json:"at"`
	Event    Event          `json:"event"`
	DeviceID string         `json:"device_id,omitempty"`
	Severity Severity       `json:"severity"`
	Details  map[string]any `json:"details,omitempty"`
}

type Sink interface {
	Write(ctx context.Context, r Record) error
}

// Trail fans each record out to its sinks. Sink failures are logged and never
// fail the operation being audited.
type Trail struct {
	sinks []Sink
	now   func() time.Time
}

func NewTrail(sinks ...Sink) *Trail {
	return &Trail{sinks: sinks, now: time.Now}
}

func (t *Trail) Record(ctx context.Context, event Event, deviceID string, details map[string]any) {
	if t == nil {
		return
	}
	r := Record{
		ID:       uuid.NewString(),
		At:       t.now(),
		Event:    event,
		DeviceID: deviceID,
		Severity: event.Severity(),
		Details:  details,
	}
	for _, s := range t.sinks {
		if err := s.Write(ctx, r); err != nil {
			slog.Error("Failed to write audit record", "event", event, "device_id", deviceID, "error", err)
		}
	}
}

// SlogSink writes records to a structured logger.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Write(ctx context.Context, r Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	if r.Severity == SeverityWarning {
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "Audit event",
		slog.String("audit_id", r.ID),
		slog.String("event", string(r.Event)),
		slog.String("device_id", r.DeviceID),
		slog.Any("details", r.Details))
	return nil
}

// StoreSink persists records to the audit log table.
type StoreSink struct {
	Store store.Store
}

func (s StoreSink) Write(ctx context.Context, r Record) error {
	return s.Store.AppendAudit(ctx, &store.AuditEntry{
		ID:         r.ID,
		OccurredAt: r.At,
		Event:      string(r.Event),
		DeviceID:   r.DeviceID,
		Severity:   string(r.Severity),
		Details:    r.Details,
	})
}

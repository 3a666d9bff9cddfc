package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/EternisAI/silo-link/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingSink struct{}

func (failingSink) Write(context.Context, Record) error { return errors.New("disk full") }

func TestTrailWritesToAllSinks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	trail := NewTrail(failingSink{}, SlogSink{Logger: logger}, StoreSink{Store: st})
	trail.Record(ctx, PairingVerificationFailed, "phone-1", map[string]any{"reason": "invalid code"})

	entries, err := st.ListAudit(ctx, "phone-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "pairing_verification_failed", entries[0].Event)
	assert.Equal(t, "warning", entries[0].Severity)
	assert.Equal(t, "invalid code", entries[0].Details["reason"])
	assert.NotEmpty(t, entries[0].ID)

	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "event=pairing_verification_failed")
}

func TestNilTrailIsNoop(t *testing.T) {
	var trail *Trail
	assert.NotPanics(t, func() {
		trail.Record(context.Background(), PairingInitiated, "phone-1", nil)
	})
}

func TestEventSeverity(t *testing.T) {
	assert.Equal(t, SeverityInfo, PairingVerified.Severity())
	assert.Equal(t, SeverityWarning, ChannelAuthFailed.Severity())
}

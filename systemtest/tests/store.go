package tests

import (
	"context"
	"testing"
	"time"

	"github.com/EternisAI/silo-link/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T, st store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("pairing requests", func(t *testing.T) {
		live := &store.PairingRequest{
			PairingID:  "store-live",
			Code:       "900001",
			DeviceID:   "store-dev-1",
			DeviceName: "Store Phone",
			CreatedAt:  now,
			ExpiresAt:  now.Add(5 * time.Minute),
		}
		expired := &store.PairingRequest{
			PairingID:  "store-expired",
			Code:       "900002",
			DeviceID:   "store-dev-2",
			DeviceName: "Old Phone",
			CreatedAt:  now.Add(-10 * time.Minute),
			ExpiresAt:  now.Add(-5 * time.Minute),
		}
		require.NoError(t, st.SavePairingRequest(ctx, live))
		require.NoError(t, st.SavePairingRequest(ctx, expired))

		got, err := st.GetPairingRequest(ctx, "store-live")
		require.NoError(t, err)
		assert.Equal(t, "900001", got.Code)
		assert.Equal(t, "Store Phone", got.DeviceName)
		assert.WithinDuration(t, live.ExpiresAt, got.ExpiresAt, time.Millisecond)
		assert.False(t, got.Consumed)

		inUse, err := st.PairingCodeInUse(ctx, "900001", now)
		require.NoError(t, err)
		assert.True(t, inUse)

		inUse, err = st.PairingCodeInUse(ctx, "900002", now)
		require.NoError(t, err)
		assert.False(t, inUse, "expired codes are free again")

		got.FailedAttempts = 2
		got.Consumed = true
		require.NoError(t, st.SavePairingRequest(ctx, got))

		got, err = st.GetPairingRequest(ctx, "store-live")
		require.NoError(t, err)
		assert.True(t, got.Consumed)
		assert.Equal(t, 2, got.FailedAttempts)

		removed, err := st.DeleteStalePairingRequests(ctx, now)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, removed, int64(2))

		_, err = st.GetPairingRequest(ctx, "store-expired")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("devices and tokens", func(t *testing.T) {
		dev := &store.DeviceRegistration{
			DeviceID:              "store-dev-3",
			HostID:                "store-host",
			DeviceName:            "Tablet",
			CredentialFingerprint: "fp-1",
			PairedAt:              now,
			Status:                store.DeviceActive,
		}
		require.NoError(t, st.SaveDevice(ctx, dev))

		revokedAt := now.Add(time.Minute)
		dev.Status = store.DeviceRevoked
		dev.RevokedAt = &revokedAt
		require.NoError(t, st.SaveDevice(ctx, dev))

		got, err := st.GetDevice(ctx, "store-dev-3")
		require.NoError(t, err)
		assert.Equal(t, store.DeviceRevoked, got.Status)
		require.NotNil(t, got.RevokedAt)
		assert.WithinDuration(t, revokedAt, *got.RevokedAt, time.Millisecond)

		list, err := st.ListDevices(ctx, "store-host")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "Tablet", list[0].DeviceName)

		_, err = st.GetDevice(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, st.SaveAuthToken(ctx, &store.AuthToken{
			DeviceID:  "store-dev-3",
			TokenHash: "hash-1",
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}))
		require.NoError(t, st.SaveAuthToken(ctx, &store.AuthToken{
			DeviceID:  "store-dev-3",
			TokenHash: "hash-2",
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}))
		tok, err := st.GetAuthToken(ctx, "store-dev-3")
		require.NoError(t, err)
		assert.Equal(t, "hash-2", tok.TokenHash, "a newer token supersedes the old one")
	})

	t.Run("audit log", func(t *testing.T) {
		for i, event := range []string{"first", "second", "third"} {
			require.NoError(t, st.AppendAudit(ctx, &store.AuditEntry{
				ID:         uuid.NewString(),
				OccurredAt: now.Add(time.Duration(i) * time.Second),
				Event:      event,
				DeviceID:   "store-audit",
				Severity:   "info",
				Details:    map[string]any{"n": event},
			}))
		}

		entries, err := st.ListAudit(ctx, "store-audit", 2)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "third", entries[0].Event)
		assert.Equal(t, "second", entries[1].Event)
		assert.Equal(t, "third", entries[0].Details["n"])
	})
}

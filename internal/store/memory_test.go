package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPairingRequests(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()

	req := &PairingRequest{
		PairingID:  "pair_1",
		Code:       "123456",
		DeviceID:   "phone-1",
		DeviceName: "Phone",
		CreatedAt:  now,
		ExpiresAt:  now.Add(5 * time.Minute),
	}
	require.NoError(t, s.SavePairingRequest(ctx, req))

	// mutating the caller's copy does not leak into the store
	req.Consumed = true
	got, err := s.GetPairingRequest(ctx, "pair_1")
	require.NoError(t, err)
	assert.False(t, got.Consumed)

	inUse, err := s.PairingCodeInUse(ctx, "123456", now)
	require.NoError(t, err)
	assert.True(t, inUse)

	inUse, err = s.PairingCodeInUse(ctx, "123456", now.Add(6*time.Minute))
	require.NoError(t, err)
	assert.False(t, inUse, "expired codes are free again")

	_, err = s.GetPairingRequest(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDeleteStalePairingRequests(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()

	require.NoError(t, s.SavePairingRequest(ctx, &PairingRequest{PairingID: "live", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, s.SavePairingRequest(ctx, &PairingRequest{PairingID: "expired", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, s.SavePairingRequest(ctx, &PairingRequest{PairingID: "used", ExpiresAt: now.Add(time.Minute), Consumed: true}))

	n, err := s.DeleteStalePairingRequests(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = s.GetPairingRequest(ctx, "live")
	assert.NoError(t, err)
	_, err = s.GetPairingRequest(ctx, "used")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDevices(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	now := time.Now()

	require.NoError(t, s.SaveDevice(ctx, &DeviceRegistration{DeviceID: "b", HostID: "host", PairedAt: now.Add(time.Second), Status: DeviceActive}))
	require.NoError(t, s.SaveDevice(ctx, &DeviceRegistration{DeviceID: "a", HostID: "host", PairedAt: now, Status: DeviceActive}))
	require.NoError(t, s.SaveDevice(ctx, &DeviceRegistration{DeviceID: "c", HostID: "other", PairedAt: now, Status: DeviceActive}))

	devices, err := s.ListDevices(ctx, "host")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "a", devices[0].DeviceID)
	assert.Equal(t, "b", devices[1].DeviceID)

	revokedAt := now
	require.NoError(t, s.SaveDevice(ctx, &DeviceRegistration{DeviceID: "a", HostID: "host", PairedAt: now, Status: DeviceRevoked, RevokedAt: &revokedAt}))
	got, err := s.GetDevice(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, DeviceRevoked, got.Status)
	require.NotNil(t, got.RevokedAt)

	_, err = s.GetDevice(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAuthTokens(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.SaveAuthToken(ctx, &AuthToken{DeviceID: "a", TokenHash: "h1"}))
	require.NoError(t, s.SaveAuthToken(ctx, &AuthToken{DeviceID: "a", TokenHash: "h2"}))

	tok, err := s.GetAuthToken(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "h2", tok.TokenHash)

	_, err = s.GetAuthToken(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAuditNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for _, e := range []AuditEntry{
		{ID: "1", Event: "pairing_initiated", DeviceID: "a"},
		{ID: "2", Event: "pairing_initiated", DeviceID: "b"},
		{ID: "3", Event: "pairing_verified", DeviceID: "a", Details: map[string]any{"k": "v"}},
	} {
		require.NoError(t, s.AppendAudit(ctx, &e))
	}

	all, err := s.ListAudit(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].ID)

	forA, err := s.ListAudit(ctx, "a", 1)
	require.NoError(t, err)
	require.Len(t, forA, 1)
	assert.Equal(t, "pairing_verified", forA[0].Event)
	assert.Equal(t, "v", forA[0].Details["k"])
}

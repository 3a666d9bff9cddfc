package tests

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EternisAI/silo-link/internal/api/http/dto"
	"github.com/EternisAI/silo-link/internal/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (h *Host) initiate(t *testing.T, name, deviceID string) dto.InitiatePairingResponse {
	t.Helper()
	rr := h.Do(http.MethodPost, "/api/v1/pairing/initiate", dto.InitiatePairingRequest{DeviceName: name, DeviceID: deviceID})
	requireStatus(t, http.StatusOK, rr)
	return decode[dto.InitiatePairingResponse](t, rr)
}

func (h *Host) verify(ticket dto.InitiatePairingResponse, code, deviceID string) *httptest.ResponseRecorder {
	return h.Do(http.MethodPost, "/api/v1/pairing/verify", dto.VerifyPairingRequest{
		PairingID:   ticket.PairingID,
		PairingCode: code,
		DeviceID:    deviceID,
	})
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestPairingFlow(t *testing.T, h *Host) {
	ctx := context.Background()
	const deviceID = "flow-phone"

	ticket := h.initiate(t, "Flow Phone", deviceID)
	assert.Len(t, ticket.PairingCode, 6)
	assert.Equal(t, 300, ticket.ExpiresInSeconds)

	t.Run("wrong code is rejected", func(t *testing.T) {
		res := h.verify(ticket, wrongCode(ticket.PairingCode), deviceID)
		requireStatus(t, http.StatusUnauthorized, res)
	})

	var creds dto.VerifyPairingResponse
	t.Run("correct code issues credentials", func(t *testing.T) {
		res := h.verify(ticket, ticket.PairingCode, deviceID)
		requireStatus(t, http.StatusOK, res)
		creds = decode[dto.VerifyPairingResponse](t, res)

		assert.NotEmpty(t, creds.AuthToken)
		assert.Equal(t, h.Authority.CACertPEM(), creds.CACertificate)

		block, _ := pem.Decode([]byte(creds.ClientCertificate))
		require.NotNil(t, block)
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		assert.Equal(t, deviceID, cert.Subject.CommonName)
	})

	t.Run("code cannot be reused", func(t *testing.T) {
		res := h.verify(ticket, ticket.PairingCode, deviceID)
		requireStatus(t, http.StatusUnauthorized, res)
	})

	t.Run("status and listing", func(t *testing.T) {
		rr := h.Do(http.MethodGet, "/api/v1/pairing/status/"+deviceID, nil)
		requireStatus(t, http.StatusOK, rr)
		status := decode[dto.PairingStatusResponse](t, rr)
		assert.Equal(t, "active", status.PairingStatus)
		assert.Equal(t, "Flow Phone", status.DeviceName)
		assert.NotNil(t, status.PairedAt)

		rr = h.Do(http.MethodGet, "/api/v1/devices", nil)
		requireStatus(t, http.StatusUnauthorized, rr)

		rr = h.Do(http.MethodGet, "/api/v1/devices", nil, "X-API-Key", AdminKey)
		requireStatus(t, http.StatusOK, rr)
		list := decode[dto.DevicesResponse](t, rr)
		assert.Equal(t, 1, list.Count)
		assert.Equal(t, 3, list.MaxDevices)
	})

	t.Run("token rotation supersedes the old token", func(t *testing.T) {
		path := "/api/v1/devices/" + deviceID + "/token"
		rr := h.Do(http.MethodPost, path, nil, "Authorization", "Bearer "+creds.AuthToken)
		requireStatus(t, http.StatusOK, rr)
		grant := decode[dto.TokenResponse](t, rr)
		assert.NotEqual(t, creds.AuthToken, grant.AuthToken)

		rr = h.Do(http.MethodPost, path, nil, "Authorization", "Bearer "+creds.AuthToken)
		requireStatus(t, http.StatusUnauthorized, rr)

		require.NoError(t, h.Coordinator.Authenticate(ctx, deviceID, grant.AuthToken))
	})

	t.Run("revocation", func(t *testing.T) {
		rr := h.Do(http.MethodDelete, "/api/v1/pairing/"+deviceID, nil, "X-API-Key", AdminKey)
		requireStatus(t, http.StatusOK, rr)

		rr = h.Do(http.MethodGet, "/api/v1/pairing/status/"+deviceID, nil)
		requireStatus(t, http.StatusOK, rr)
		assert.Equal(t, "revoked", decode[dto.PairingStatusResponse](t, rr).PairingStatus)
	})

	t.Run("audit trail is persisted", func(t *testing.T) {
		entries, err := h.Store.ListAudit(ctx, deviceID, 50)
		require.NoError(t, err)
		var events []string
		for _, e := range entries {
			events = append(events, e.Event)
		}
		for _, want := range []audit.Event{
			audit.PairingInitiated,
			audit.PairingVerificationFailed,
			audit.PairingVerified,
			audit.AuthTokenRotated,
			audit.PairingRevoked,
		} {
			assert.Contains(t, events, string(want))
		}
	})
}

func TestCapacity(t *testing.T, h *Host) {
	first := h.initiate(t, "Only Phone", "cap-phone-1")
	requireStatus(t, http.StatusOK, h.verify(first, first.PairingCode, "cap-phone-1"))

	second := h.initiate(t, "Extra Phone", "cap-phone-2")
	res := h.verify(second, second.PairingCode, "cap-phone-2")
	requireStatus(t, http.StatusForbidden, res)
	assert.Equal(t, 1, decode[dto.ErrorResponse](t, res).Limit)

	// revoking frees the slot
	rr := h.Do(http.MethodDelete, "/api/v1/pairing/cap-phone-1", nil, "X-API-Key", AdminKey)
	requireStatus(t, http.StatusOK, rr)

	third := h.initiate(t, "Extra Phone", "cap-phone-2")
	requireStatus(t, http.StatusOK, h.verify(third, third.PairingCode, "cap-phone-2"))
}

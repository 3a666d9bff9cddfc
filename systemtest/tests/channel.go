package tests

import (
	"context"
	"testing"
	"time"

	"github.com/EternisAI/silo-link/internal/apperr"
	grpcclient "github.com/EternisAI/silo-link/internal/grpc/client"
	grpctls "github.com/EternisAI/silo-link/internal/grpc/tls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestChannel(t *testing.T, h *Host) {
	ctx := context.Background()
	const deviceID = "channel-laptop"

	ticket, err := h.Coordinator.Initiate(ctx, "Laptop", deviceID)
	require.NoError(t, err)
	creds, err := h.Coordinator.Verify(ctx, ticket.PairingID, ticket.Code, deviceID)
	require.NoError(t, err)

	tlsCreds, err := grpctls.ClientCredentials(
		[]byte(creds.ClientCertificate),
		[]byte(creds.ClientPrivateKey),
		[]byte(creds.CACertificate),
		"localhost")
	require.NoError(t, err)

	client := grpcclient.NewClient(grpcclient.Config{
		ServerAddr:        h.GrpcAddr,
		DeviceID:          deviceID,
		AuthToken:         creds.AuthToken,
		HeartbeatInterval: 50 * time.Millisecond,
	}, grpcclient.WithDialOptions(grpc.WithTransportCredentials(tlsCreds)))
	require.NoError(t, client.Start())
	defer client.Stop()

	require.Eventually(t, func() bool { return client.SessionID() != "" }, 5*time.Second, 10*time.Millisecond)
	sessionID := client.SessionID()

	t.Run("probes are answered over mutual TLS", func(t *testing.T) {
		require.Eventually(t, func() bool {
			info, err := h.Sessions.Get(sessionID)
			return err == nil && info.Monitor.AcksReceived >= 3
		}, 5*time.Second, 10*time.Millisecond)

		info, err := h.Sessions.Get(sessionID)
		require.NoError(t, err)
		assert.Equal(t, deviceID, info.DeviceID)
	})

	t.Run("revocation closes the live session", func(t *testing.T) {
		require.NoError(t, h.Coordinator.Revoke(ctx, deviceID))

		require.Eventually(t, func() bool { return h.Sessions.Stats().Active == 0 }, 5*time.Second, 10*time.Millisecond)
		_, err := h.Sessions.Get(sessionID)
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("revoked device cannot reopen a channel", func(t *testing.T) {
		// the client keeps retrying in the background; none of its attempts may succeed
		time.Sleep(300 * time.Millisecond)
		assert.Equal(t, 0, h.Sessions.Stats().Active)
	})
}

package systemtest

import (
	"context"
	"testing"

	"github.com/EternisAI/silo-link/internal/db"
	"github.com/EternisAI/silo-link/internal/store"
	"github.com/EternisAI/silo-link/systemtest/postgres"
	"github.com/EternisAI/silo-link/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestSystemIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("system tests need a container runtime")
	}
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	pg, err := postgres.Start(ctx, "silo", "silo", "silo_link")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Stop(ctx) })

	cfg := db.Config{Url: pg.DSN, Schema: "silo_link"}
	require.NoError(t, db.Migrate(ctx, cfg))
	// a second run finds nothing to apply
	require.NoError(t, db.Migrate(ctx, cfg))

	pool, err := db.Connect(ctx, cfg)
	require.NoError(t, err)
	st := store.NewPostgres(pool)
	t.Cleanup(st.Close)

	t.Run("Store", func(t *testing.T) { tests.TestPostgresStore(t, st) })
	t.Run("PairingFlow", func(t *testing.T) { tests.TestPairingFlow(t, tests.NewHost(t, st, "host-pairing", 3)) })
	t.Run("Capacity", func(t *testing.T) { tests.TestCapacity(t, tests.NewHost(t, st, "host-capacity", 1)) })
	t.Run("Channel", func(t *testing.T) { tests.TestChannel(t, tests.NewHost(t, st, "host-channel", 3)) })
}

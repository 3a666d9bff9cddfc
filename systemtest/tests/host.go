package tests

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	internalhttp "github.com/EternisAI/silo-link/internal/api/http"
	"github.com/EternisAI/silo-link/internal/audit"
	"github.com/EternisAI/silo-link/internal/auth"
	"github.com/EternisAI/silo-link/internal/cert"
	"github.com/EternisAI/silo-link/internal/devices"
	grpcserver "github.com/EternisAI/silo-link/internal/grpc/server"
	grpctls "github.com/EternisAI/silo-link/internal/grpc/tls"
	"github.com/EternisAI/silo-link/internal/metrics"
	"github.com/EternisAI/silo-link/internal/netmon"
	"github.com/EternisAI/silo-link/internal/pairing"
	"github.com/EternisAI/silo-link/internal/sessions"
	"github.com/EternisAI/silo-link/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const AdminKey = "system-admin-key"

var (
	authorityOnce sync.Once
	authority     *cert.Authority
	authorityErr  error
)

func sharedAuthority(t *testing.T) *cert.Authority {
	t.Helper()
	authorityOnce.Do(func() {
		authority, authorityErr = cert.NewAuthority(cert.Config{KeyBits: 1024})
	})
	require.NoError(t, authorityErr)
	return authority
}

// Host is a fully wired host process backed by the given store, with its
// channel server listening on a loopback port behind mutual TLS.
type Host struct {
	Store       store.Store
	Registry    *devices.Registry
	Coordinator *pairing.Coordinator
	Sessions    *sessions.Manager
	Authority   *cert.Authority
	Metrics     *metrics.Metrics
	Engine      *gin.Engine
	GrpcAddr    string
}

func NewHost(t *testing.T, st store.Store, hostID string, maxDevices int) *Host {
	t.Helper()

	registry := devices.NewRegistry(hostID, maxDevices, st)
	ca := sharedAuthority(t)
	tokens, err := auth.NewTokens("system-test-secret", time.Hour)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	trail := audit.NewTrail(audit.StoreSink{Store: st})

	coord := pairing.NewCoordinator(pairing.Config{}, st, registry, ca, tokens, trail,
		pairing.WithOutcomeRecorder(m.RecordPairing))

	manager := sessions.NewManager(sessions.Config{
		IdleTimeout:   time.Minute,
		SweepInterval: time.Hour,
		Monitor: netmon.Config{
			PingInterval: 20 * time.Millisecond,
			PingTimeout:  time.Second,
			WindowSize:   20,
		},
	}, registry,
		sessions.WithObserver(m),
		sessions.WithAuditTrail(trail),
		sessions.WithCloseRecorder(m.RecordSessionClosed))
	registry.Subscribe(manager)

	certPEM, keyPEM := ca.ServerKeyPair()
	creds, err := grpctls.ServerCredentials([]byte(certPEM), []byte(keyPEM), []byte(ca.CACertPEM()), tls.RequireAndVerifyClientCert)
	require.NoError(t, err)

	srv := grpcserver.NewServer(0, grpcserver.NewStreamHandler(coord, manager, trail, true), creds)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()

	hash, err := bcrypt.GenerateFromPassword([]byte(AdminKey), bcrypt.MinCost)
	require.NoError(t, err)

	engine := gin.New()
	err = internalhttp.SetupRoute(engine, internalhttp.Config{
		AdminAPIKey: string(hash),
		VerifyLimit: internalhttp.VerifyRateLimit{Every: time.Millisecond, Burst: 100},
	}, &internalhttp.Services{
		Coordinator:   coord,
		Registry:      registry,
		Sessions:      manager,
		Gatherer:      reg,
		OnRateLimited: m.RecordRateLimited,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		manager.Shutdown(ctx)
		_ = srv.Stop(ctx)
	})

	return &Host{
		Store:       st,
		Registry:    registry,
		Coordinator: coord,
		Sessions:    manager,
		Authority:   ca,
		Metrics:     m,
		Engine:      engine,
		GrpcAddr:    lis.Addr().String(),
	}
}

func (h *Host) Do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.Engine.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func requireStatus(t *testing.T, want int, rr *httptest.ResponseRecorder) {
	t.Helper()
	require.Equal(t, want, rr.Code, rr.Body.String())
}

package main

import (
	"context"
	"crypto/rand"
	cryptotls "crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-link/internal/api/http"
	"github.com/EternisAI/silo-link/internal/audit"
	"github.com/EternisAI/silo-link/internal/auth"
	"github.com/EternisAI/silo-link/internal/cert"
	"github.com/EternisAI/silo-link/internal/db"
	"github.com/EternisAI/silo-link/internal/devices"
	"github.com/EternisAI/silo-link/internal/events"
	grpcserver "github.com/EternisAI/silo-link/internal/grpc/server"
	grpctls "github.com/EternisAI/silo-link/internal/grpc/tls"
	"github.com/EternisAI/silo-link/internal/metrics"
	"github.com/EternisAI/silo-link/internal/netmon"
	"github.com/EternisAI/silo-link/internal/pairing"
	"github.com/EternisAI/silo-link/internal/sessions"
	"github.com/EternisAI/silo-link/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc/credentials"
)

var AppVersion string

const shutdownTimeout = 10 * time.Second

func main() {
	InitConfig()

	slog.Info("Silo Link Server", "version", AppVersion)

	if err := run(); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (store.Store, error) {
	if !config.DB.Enabled() {
		slog.Warn("No database configured, pairing records are kept in memory")
		return store.NewMemory(), nil
	}
	if err := db.Migrate(ctx, config.DB); err != nil {
		return nil, err
	}
	pool, err := db.Connect(ctx, config.DB)
	if err != nil {
		return nil, err
	}
	return store.NewPostgres(pool), nil
}

func jwtSecret() (string, error) {
	if config.Pairing.JWTSecret != "" {
		return config.Pairing.JWTSecret, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token secret: %w", err)
	}
	slog.Warn("pairing.jwt_secret not set, using an ephemeral secret; issued tokens will not survive a restart")
	return hex.EncodeToString(buf), nil
}

func grpcCredentials(authority *cert.Authority) (credentials.TransportCredentials, cryptotls.ClientAuthType, error) {
	if !config.Grpc.TLS.Enabled {
		slog.Warn("gRPC TLS disabled, device channels are unencrypted")
		return nil, cryptotls.NoClientCert, nil
	}
	clientAuth, err := grpctls.ParseClientAuthType(config.Grpc.TLS.ClientAuth)
	if err != nil {
		return nil, cryptotls.NoClientCert, err
	}
	certPEM, keyPEM := authority.ServerKeyPair()
	creds, err := grpctls.ServerCredentials([]byte(certPEM), []byte(keyPEM), []byte(authority.CACertPEM()), clientAuth)
	if err != nil {
		return nil, cryptotls.NoClientCert, err
	}
	return creds, clientAuth, nil
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	hostID := config.Pairing.hostID()
	registry := devices.NewRegistry(hostID, config.Pairing.MaxDevices, st)

	authorityCfg, err := config.Cert.authorityConfig()
	if err != nil {
		return err
	}
	authority, err := cert.NewAuthority(authorityCfg)
	if err != nil {
		return err
	}

	secret, err := jwtSecret()
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(secret, config.Pairing.TokenTTL)
	if err != nil {
		return err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promRegistry)

	trail := audit.NewTrail(audit.SlogSink{Logger: slog.Default()}, audit.StoreSink{Store: st})

	observers := netmon.Observers{m}

	var (
		nc  *nats.Conn
		pub *events.Publisher
	)
	if config.Nats.Url != "" {
		nc, err = events.Connect(config.Nats.Url, "silo-link-"+hostID)
		if err != nil {
			return err
		}
		pub = events.NewPublisher(nc, config.Nats.SubjectPrefix, hostID)
		pub.Start(ctx)
		registry.Subscribe(pub)
		observers = append(observers, pub)
	}

	coord := pairing.NewCoordinator(config.Pairing.coordinatorConfig(), st, registry, authority, tokens, trail,
		pairing.WithOutcomeRecorder(m.RecordPairing))

	manager := sessions.NewManager(config.sessionsConfig(), registry,
		sessions.WithObserver(observers),
		sessions.WithAuditTrail(trail),
		sessions.WithCloseRecorder(m.RecordSessionClosed))
	registry.Subscribe(manager)

	m.RegisterGauges(
		func() float64 { return float64(manager.Stats().Active) },
		func() float64 { return float64(manager.Stats().MaxConcurrent) },
		func() float64 {
			n, err := registry.ActiveCount(context.Background())
			if err != nil {
				return 0
			}
			return float64(n)
		},
	)

	go coord.RunCleanup(ctx)
	go manager.RunSweeper(ctx)

	creds, clientAuth, err := grpcCredentials(authority)
	if err != nil {
		return err
	}
	handler := grpcserver.NewStreamHandler(coord, manager, trail, clientAuth == cryptotls.RequireAndVerifyClientCert)
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, handler, creds)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	err = internalhttp.SetupRoute(engine, config.Http, &internalhttp.Services{
		Coordinator:   coord,
		Registry:      registry,
		Sessions:      manager,
		Gatherer:      promRegistry,
		OnRateLimited: m.RecordRateLimited,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	slog.Info("Host ready",
		"host_id", hostID,
		"max_devices", config.Pairing.MaxDevices,
		"http_port", config.Http.Port,
		"grpc_port", config.Grpc.Port,
		"tls", config.Grpc.TLS.Enabled)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errChan:
		slog.Error("Server error", "error", runErr)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down servers...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()
	go func() {
		defer wg.Done()
		manager.Shutdown(shutdownCtx)
		if err := grpcSrv.Stop(shutdownCtx); err != nil {
			slog.Error("gRPC server shutdown error", "error", err)
		}
	}()
	wg.Wait()

	cancel()
	if pub != nil {
		pub.Stop()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			slog.Warn("Failed to drain NATS connection", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return runErr
}

package http

import (
	"fmt"
	"net/http"

	"github.com/EternisAI/silo-link/internal/api/http/handler"
	"github.com/EternisAI/silo-link/internal/api/http/middleware"
	"github.com/EternisAI/silo-link/internal/devices"
	"github.com/EternisAI/silo-link/internal/pairing"
	"github.com/EternisAI/silo-link/internal/sessions"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

type Services struct {
	Coordinator *pairing.Coordinator
	Registry    *devices.Registry
	Sessions    *sessions.Manager
	// Gatherer backs /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	// OnRateLimited is called for each verification rejected by the limiter.
	OnRateLimited func()
}

func SetupRoute(engine *gin.Engine, cfg Config, srvs *Services) error {
	engine.Use(middleware.RequestLogger())

	if len(cfg.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.CORSOrigins
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", "X-API-Key")
		engine.Use(cors.New(corsCfg))
	}

	limits := cfg.VerifyLimit.withDefaults()
	limiter, err := middleware.NewRateLimiter(rate.Every(limits.Every), limits.Burst, limits.CacheSize, srvs.OnRateLimited)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}

	healthHandler := handler.NewHealthHandler(srvs.Sessions)
	engine.GET("/health", healthHandler.Check)

	if srvs.Gatherer != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srvs.Gatherer, promhttp.HandlerOpts{})))
	}

	admin := middleware.APIKeyAuth(cfg.AdminAPIKey)

	pairingHandler := handler.NewPairingHandler(srvs.Coordinator)
	devicesHandler := handler.NewDevicesHandler(srvs.Registry, srvs.Sessions)
	sessionsHandler := handler.NewSessionsHandler(srvs.Sessions)

	v1 := engine.Group("/api/v1")
	{
		p := v1.Group("/pairing")
		p.POST("/initiate", pairingHandler.Initiate)
		p.POST("/verify", limiter.Middleware(), pairingHandler.Verify)
		p.GET("/status/:device_id", pairingHandler.Status)
		p.DELETE("/:device_id", admin, pairingHandler.Revoke)

		v1.GET("/devices", admin, devicesHandler.List)
		v1.POST("/devices/:device_id/token", middleware.BearerToken(), pairingHandler.RotateToken)

		s := v1.Group("/sessions")
		s.GET("", admin, sessionsHandler.List)
		s.GET("/stats", sessionsHandler.Stats)
		s.DELETE("/:session_id", admin, sessionsHandler.Close)
	}

	engine.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return nil
}

package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/metroengine/authgate/internal/app"
	iauth "github.com/metroengine/authgate/internal/auth"
	"github.com/metroengine/authgate/internal/auth/mfa"
	"github.com/metroengine/authgate/internal/handlers"
	"github.com/metroengine/authgate/internal/middleware"
)

// Deps bundles the wired components the router mounts.
type Deps struct {
	DB       *gorm.DB
	Throttle *iauth.Throttle
	Verifier *iauth.CredentialVerifier
	Tokens   *iauth.TokenService
	Engine   *mfa.Engine
	Recovery *mfa.RecoveryService
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(cfg *app.Config, deps Deps) (*gin.Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.DB == nil || deps.Throttle == nil || deps.Verifier == nil || deps.Tokens == nil || deps.Engine == nil || deps.Recovery == nil {
		return nil, fmt.Errorf("all router dependencies must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(middleware.SecurityHeaders())

	maxRequests := cfg.Server.RateLimit.MaxRequests
	window := cfg.Server.RateLimit.Window
	if window <= 0 {
		window = time.Minute
	}
	if maxRequests > 0 {
		r.Use(middleware.RateLimit(maxRequests, window))
	}

	r.GET("/health", handlers.Health())

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	authHandler, err := handlers.NewAuthHandler(handlers.AuthHandlerConfig{
		DB:         deps.DB,
		Throttle:   deps.Throttle,
		Verifier:   deps.Verifier,
		Tokens:     deps.Tokens,
		Engine:     deps.Engine,
		Recovery:   deps.Recovery,
		MFAEnabled: cfg.Auth.MFA.Enabled,
	})
	if err != nil {
		return nil, err
	}

	registerAuthRoutes(r, authRouteDeps{
		AuthHandler: authHandler,
		Tokens:      deps.Tokens,
	})

	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

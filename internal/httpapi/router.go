// Package httpapi is the HTTP control-plane adapter: REST CRUD over
// rules, forward-manager introspection/actions, host telemetry, an
// optional live-stats WebSocket, and an optional web-mode static asset
// server — all on top of gin, a direct dependency already declared by
// the teacher's go.mod.
package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheOrdinaryWow/pedicab/internal/forward"
	"github.com/TheOrdinaryWow/pedicab/internal/store"
)

// Server holds everything a request handler needs. Handlers are methods
// on *Server so they share state without a pile of closures.
type Server struct {
	repo                *store.Store
	manager             *forward.Manager
	authToken           string
	statsUpdateInterval time.Duration
	webMode             bool
	startedAt           time.Time
}

// Options configures NewRouter.
type Options struct {
	AuthToken           string
	StatsUpdateInterval time.Duration
	WebMode             bool
}

// NewRouter builds the gin engine for either the full REST API or,
// when opts.WebMode is set, the static-asset-only web mode.
func NewRouter(repo *store.Store, manager *forward.Manager, opts Options) *gin.Engine {
	s := &Server{
		repo:                repo,
		manager:             manager,
		authToken:           opts.AuthToken,
		statsUpdateInterval: opts.StatsUpdateInterval,
		webMode:             opts.WebMode,
		startedAt:           time.Now(),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestIDMiddleware())

	r.GET("/health/", s.health)

	if opts.WebMode {
		registerWebMode(r)
		return r
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(newPromCollectors(s))
	r.GET("/debug/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	r.GET("/api/v1/ws/stats", s.wsStats)

	api := r.Group("/api/v1", bearerAuth(opts.AuthToken))
	{
		api.GET("/rules/", s.listRules)
		api.POST("/rules/", s.createRule)
		api.GET("/rules/:id", s.getRule)
		api.PATCH("/rules/:id", s.updateRule)
		api.DELETE("/rules/:id", s.deleteRule)
		api.POST("/rules/:id/actions/enable", s.enableRule)
		api.POST("/rules/:id/actions/disable", s.disableRule)

		api.GET("/fm/running", s.fmRunning)
		api.GET("/fm/stats", s.fmStatsAll)
		api.DELETE("/fm/stats", s.fmStatsResetAll)
		api.GET("/fm/stats/:id", s.fmStatsOne)
		api.DELETE("/fm/stats/:id", s.fmStatsResetOne)
		api.GET("/fm/restart/:id", s.fmRestart)

		api.GET("/metrics/system", s.metricsSystem)
		api.GET("/metrics/network", s.metricsNetwork)
		api.GET("/metrics/host", s.metricsHost)
	}

	return r
}

package main

import (
	"database/sql"

	"voice-signaling/internal/auth"
	"voice-signaling/internal/calls"
	"voice-signaling/internal/config"
	"voice-signaling/internal/httpapi"
	"voice-signaling/internal/signaling"
	"voice-signaling/internal/stats"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type routeDeps struct {
	Auth  *auth.Manager
	Calls calls.Store
	Stats *stats.Service
	ICE   config.ICEConfig
	DB    *sql.DB
	Redis *redis.Client
	WS    *signaling.Server
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, deps routeDeps) {
	h := httpapi.Handlers{
		Auth:  deps.Auth,
		Calls: deps.Calls,
		Stats: deps.Stats,
		ICE:   deps.ICE,
		DB:    deps.DB,
		Redis: deps.Redis,
	}

	// public
	r.GET("/healthz", h.Health)
	r.GET("/readyz", h.Ready)
	r.POST("/v1/auth/token", h.IssueToken)

	// The websocket endpoint authenticates inside the handshake; the bearer
	// token rides as a query parameter because browsers cannot set headers
	// on websocket dials.
	r.GET("/ws", deps.WS.Handle)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(deps.Auth))
	{
		v1.GET("/ice", h.ICEServers)
		v1.GET("/stats", h.StatsSnapshot)
		v1.GET("/calls/history", h.CallHistory)
	}
}

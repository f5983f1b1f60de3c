package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-signaling/internal/auth"
	"voice-signaling/internal/calls"
	"voice-signaling/internal/config"
	"voice-signaling/internal/journal"
	"voice-signaling/internal/presence"
	"voice-signaling/internal/registry"
	"voice-signaling/internal/relay"
	"voice-signaling/internal/signaling"
	"voice-signaling/internal/stats"
	"voice-signaling/pkg/logger"
	"voice-signaling/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	// Signaling plane
	reg := registry.New()
	presCache := presence.NewRedisCache(rdb)
	pres := presence.NewBroadcaster(reg, presCache, log, cfg.WS.PresenceTTL)
	engine := calls.NewEngine(calls.NewPostgresStore(db), calls.NewRedisCache(rdb), reg, log, calls.EngineOptions{
		Journal:        journal.NewService(journal.NewPostgresRepo(db)),
		ActiveCallTTL:  cfg.WS.ActiveCallTTL,
		StorageTimeout: cfg.WS.StorageTimeout,
	})
	rly := relay.New(reg, log)
	ws := signaling.NewServer(reg, pres, engine, rly, authManager, log, cfg.WS)

	statsSvc := stats.NewService(stats.NewPostgresRepo(db), calls.NewRedisCache(rdb), presCache, reg)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		Auth:   authManager,
		Calls:  calls.NewPostgresStore(db),
		Stats:  statsSvc,
		ICE:    cfg.ICE,
		DB:     db,
		Redis:  rdb,
		WS:     ws,
	})

	// No global read/write timeouts: the websocket endpoint holds
	// connections open for the session lifetime.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("signaling listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

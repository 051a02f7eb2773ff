package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"smarthome-hub/internal/config"
	"smarthome-hub/internal/dispatch"
	"smarthome-hub/internal/gateway"
	"smarthome-hub/internal/httpapi"
	"smarthome-hub/internal/liveness"
	mqttpkg "smarthome-hub/internal/mqtt"
	"smarthome-hub/internal/realtime"
	"smarthome-hub/internal/rules"
	"smarthome-hub/internal/store"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		slog.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	cache := store.NewStateCache(rdb)

	mClient := mqttpkg.New(cfg.MQTTBrokerURL, cfg.MQTTClientID)

	tracker := liveness.NewTracker(repo, cfg.LivenessTimeout)
	hub := realtime.NewHub()
	disp := dispatch.New(mClient, tracker, repo)
	eval := rules.NewEvaluator(repo, tracker, disp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := gateway.New(mClient, repo, cache, tracker, eval, disp, hub)
	if err := gw.Start(ctx); err != nil {
		slog.Error("gateway start failed", "error", err)
		os.Exit(1)
	}

	sched := rules.NewScheduler(repo, disp, cfg.SchedulerTick)
	sched.Start(ctx)

	api := httpapi.New(repo, tracker, disp, hub, cache)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: api.Handler()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()
	slog.Info("smarthome-hub started", "port", cfg.Port, "broker", cfg.MQTTBrokerURL)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
	mClient.Disconnect()
	slog.Info("smarthome-hub stopped")
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
}

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"redis-qos/internal/api"
	"redis-qos/internal/config"
	"redis-qos/internal/logger"
	"redis-qos/internal/queue"
	"redis-qos/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(
		logger.WithLevel(logger.ParseLevel(cfg.LogLevel)),
		logger.WithFormat(logger.Format(cfg.LogFormat)),
		logger.WithService("qos-api", cfg.Env),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := store.Connect(ctx, store.FromConfig(cfg))
	if err != nil {
		log.Error("connect redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	schedule, err := queue.NewSchedule(client, cfg.ScheduleKey, queue.WithLogger(log))
	if err != nil {
		log.Error("build schedule", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv := api.New(client, schedule, cfg.APIKey, log)
	log.Info("api listening", slog.String("port", cfg.Port))
	if err := srv.Serve(ctx, ":"+cfg.Port); err != nil {
		log.Error("serve", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("api stopped")
}

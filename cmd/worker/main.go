package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

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
		logger.WithService("qos-worker", cfg.Env),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := store.Connect(ctx, store.FromConfig(cfg))
	if err != nil {
		log.Error("connect redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	handlers := queue.NewRegistry()
	handlers.Register("jobs/Echo", func(ctx context.Context, job queue.Job) error {
		var message string
		if err := job.Bind(&message); err != nil {
			return err
		}
		log.InfoContext(ctx, "echo", slog.String("message", message))
		return nil
	})

	opts := []queue.Option{
		queue.WithBackoff(cfg.Backoff),
		queue.WithLogger(log),
	}

	q, err := queue.NewQueue(client, cfg.QueueKey, handlers, opts...)
	if err != nil {
		log.Error("build queue", slog.String("error", err.Error()))
		os.Exit(1)
	}
	schedule, err := queue.NewSchedule(client, cfg.ScheduleKey, opts...)
	if err != nil {
		log.Error("build schedule", slog.String("error", err.Error()))
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(q.Run(ctx))
	g.Go(schedule.Run(ctx))

	log.Info("worker running",
		slog.String("queue", q.Key()),
		slog.String("schedule", schedule.Key()),
		slog.Any("handlers", handlers.Paths()))

	if err := g.Wait(); err != nil {
		log.Error("worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("worker stopped")
}

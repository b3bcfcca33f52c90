// Package main は文字起こしワーカーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/audio-scribe/internal/bootstrap"
	"github.com/yourusername/audio-scribe/internal/config"
	"github.com/yourusername/audio-scribe/internal/jobs"
	"github.com/yourusername/audio-scribe/internal/logging"
)

// reapInterval は Redis キューのリース切れを確認する間隔です。
const reapInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var rdb *redis.Client
	if bootstrap.NeedsRedis(cfg) {
		var err error
		rdb, err = bootstrap.OpenRedis(ctx, cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	queue, err := bootstrap.OpenQueue(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer queue.Close()

	artifacts, closeStorage, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	transcriber, closeTranscriber, err := bootstrap.OpenTranscriber(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTranscriber()

	policy := bootstrap.Policy(cfg)
	dispatcher, err := jobs.NewDispatcher(store, queue, artifacts, transcriber, policy, logger.With("component", "dispatcher"))
	if err != nil {
		return err
	}

	logger.Info("starting worker",
		"slots", cfg.WorkerConcurrency,
		"store", cfg.StoreBackend,
		"queue", cfg.QueueBackend,
		"transcriber", cfg.Transcriber,
		"lease", policy.LeaseDuration(),
		"maxDeliveries", policy.MaxDeliveries,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx, cfg.WorkerConcurrency)
	})

	if rq, ok := queue.(*jobs.RedisQueue); ok {
		g.Go(func() error {
			return rq.RunReaper(gctx, reapInterval)
		})
	}

	if cfg.SweepSchedule != "" {
		sweeper := jobs.NewSweeper(store, queue, policy, cfg.StaleAfter, logger.With("component", "sweeper"))
		g.Go(func() error {
			return sweeper.Run(gctx, cfg.SweepSchedule)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

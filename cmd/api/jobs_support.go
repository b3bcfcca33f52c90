package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/audio-scribe/internal/bootstrap"
	"github.com/yourusername/audio-scribe/internal/config"
	"github.com/yourusername/audio-scribe/internal/jobs"
	"github.com/yourusername/audio-scribe/internal/storage"
)

// jobServices は API が使うジョブ関連の依存をまとめます。
type jobServices struct {
	manager   *jobs.Manager
	artifacts storage.Storage
	closers   []func() error
}

// Close は確保した資源を逆順に解放します。
func (s *jobServices) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func setupJobs(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *jobServices, err error) {
	svc := &jobServices{}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()

	var rdb *redis.Client
	if bootstrap.NeedsRedis(cfg) {
		rdb, err = bootstrap.OpenRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		svc.closers = append(svc.closers, rdb.Close)
	}

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, rdb)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, closeStore)

	queue, err := bootstrap.OpenQueue(cfg, rdb, logger)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, queue.Close)

	artifacts, closeStorage, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc.closers = append(svc.closers, closeStorage)
	svc.artifacts = artifacts

	svc.manager, err = jobs.NewManager(store, queue, logger.With("component", "jobs"))
	if err != nil {
		return nil, err
	}
	return svc, nil
}

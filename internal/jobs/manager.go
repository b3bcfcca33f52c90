// Package jobs は文字起こしジョブの状態管理、キュー、ワーカーを提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Manager はジョブの投入と参照を担います。文字起こしの完了は待ちません。
type Manager struct {
	store  Store
	queue  Queue
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewManager は Manager を初期化します。
func NewManager(store Store, queue Queue, logger *slog.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if queue == nil {
		return nil, errors.New("queue is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		queue:  queue,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// Submit はジョブを uploaded で保存し、キューに投入します。
// 投入に失敗した場合は保存済みのジョブと ErrQueueUnavailable を返します。
// ジョブは uploaded のまま残り、Sweeper が再投入します。
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if strings.TrimSpace(req.Owner) == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidJob)
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		return nil, fmt.Errorf("%w: sourceRef is required", ErrInvalidJob)
	}

	now := normalizeTime(m.now())
	job := &Job{
		ID:           m.newID(),
		Owner:        req.Owner,
		SourceRef:    req.SourceRef,
		OriginalName: req.OriginalName,
		ContentType:  req.ContentType,
		Status:       StatusUploaded,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := m.store.Put(ctx, job); err != nil {
		return nil, err
	}

	logger := m.logger.With("jobId", job.ID, "owner", job.Owner)
	if err := m.queue.Enqueue(ctx, Task{JobID: job.ID, SourceRef: job.SourceRef}); err != nil {
		logger.Error("failed to enqueue job; left for the sweeper", "error", err)
		if !errors.Is(err, ErrQueueUnavailable) {
			err = queueUnavailable("enqueue task", err)
		}
		return job, err
	}
	logger.Info("job submitted", "filename", job.OriginalName)
	return job, nil
}

// Get はジョブを取得します。
func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	return m.store.Get(ctx, id)
}

// List は所有者のジョブを新しい順に返します。
func (m *Manager) List(ctx context.Context, owner string) ([]*Job, error) {
	return m.store.ListByOwner(ctx, owner)
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/audio-scribe/internal/transcribe"
)

const (
	timeoutMessage = "文字起こしが時間内に終わりませんでした。"
	settleTimeout  = 10 * time.Second
	dequeueBackoff = time.Second
)

// ArtifactOpener は SourceRef から音声ファイルを開きます。
type ArtifactOpener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

var errClaimLost = errors.New("claim token no longer held")

// claimConflictError は他のワーカーのリースが切れる時刻を保持します。
type claimConflictError struct {
	until time.Time
}

func (e *claimConflictError) Error() string {
	return fmt.Sprintf("%s until %s", ErrClaimConflict, e.until.Format(time.RFC3339))
}

func (e *claimConflictError) Unwrap() error {
	return ErrClaimConflict
}

// Dispatcher はキューからタスクを取り出し、ジョブを処理中にしてから文字起こしを実行します。
type Dispatcher struct {
	store       Store
	queue       Queue
	artifacts   ArtifactOpener
	transcriber transcribe.Transcriber
	policy      Policy
	logger      *slog.Logger
	now         func() time.Time
	newToken    func() string
}

// NewDispatcher は Dispatcher を初期化します。
func NewDispatcher(store Store, queue Queue, artifacts ArtifactOpener, transcriber transcribe.Transcriber, policy Policy, logger *slog.Logger) (*Dispatcher, error) {
	switch {
	case store == nil:
		return nil, errors.New("store is nil")
	case queue == nil:
		return nil, errors.New("queue is nil")
	case artifacts == nil:
		return nil, errors.New("artifacts is nil")
	case transcriber == nil:
		return nil, errors.New("transcriber is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:       store,
		queue:       queue,
		artifacts:   artifacts,
		transcriber: transcriber,
		policy:      policy.normalized(),
		logger:      logger,
		now:         time.Now,
		newToken:    uuid.NewString,
	}, nil
}

// Run は slots 個の並行ループでタスクを処理し、ctx の終了で戻ります。
func (d *Dispatcher) Run(ctx context.Context, slots int) error {
	if slots <= 0 {
		slots = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < slots; i++ {
		slot := i
		g.Go(func() error {
			return d.loop(ctx, slot)
		})
	}
	return g.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, slot int) error {
	logger := d.logger.With("slot", slot)
	for {
		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		if err := d.Process(ctx, delivery); err != nil {
			logger.Warn("task requeued", "jobId", delivery.Task().JobID, "error", err)
		}
	}
}

// Process はタスク1件を処理し、配信を Ack / Nack / Reject します。
// 再配信に回した場合はその原因を返します。
func (d *Dispatcher) Process(ctx context.Context, delivery Delivery) error {
	task := delivery.Task()
	attempt := delivery.Attempt()
	logger := d.logger.With("jobId", task.JobID, "attempt", attempt)

	token := d.newToken()
	abandoned := false
	job, err := d.store.Update(ctx, task.JobID, func(j *Job) error {
		now := d.now()
		if j.Status.Terminal() {
			return ErrJobFinished
		}
		if j.Status == StatusProcessing && j.ClaimToken != "" && now.Before(j.LeaseExpiresAt) {
			return &claimConflictError{until: j.LeaseExpiresAt}
		}
		if d.policy.Exhausted(max(attempt, j.Attempts+1)) {
			abandoned = true
			j.Status = StatusFailed
			j.ErrorMessage = abandonedMessage(max(attempt-1, j.Attempts))
			j.ClaimToken = ""
			j.LeaseExpiresAt = time.Time{}
			return nil
		}
		j.Status = StatusProcessing
		j.ErrorMessage = ""
		j.ClaimToken = token
		j.LeaseExpiresAt = now.Add(d.policy.LeaseDuration())
		j.Attempts++
		return nil
	})

	var conflict *claimConflictError
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Warn("job not found; dropping task")
		return d.ack(ctx, delivery)
	case errors.Is(err, ErrJobFinished):
		logger.Info("job already finished; dropping duplicate task")
		return d.ack(ctx, delivery)
	case errors.As(err, &conflict):
		delay := conflict.until.Sub(d.now())
		if delay < time.Second {
			delay = time.Second
		}
		logger.Info("job is claimed by another worker", "retryIn", delay)
		return d.nack(ctx, delivery, delay, err)
	case err != nil:
		return d.nack(ctx, delivery, d.policy.RetryDelay(attempt), err)
	}

	if abandoned {
		logger.Error("giving up on job", "reason", job.ErrorMessage)
		settleCtx, cancel := d.settleContext(ctx)
		defer cancel()
		if err := delivery.Reject(settleCtx, job.ErrorMessage); err != nil {
			return fmt.Errorf("reject task: %w", err)
		}
		return nil
	}

	logger.Info("job claimed", "attempts", job.Attempts)
	text, runErr := d.transcribe(ctx, job)
	if runErr != nil && ctx.Err() != nil {
		// ワーカー停止による中断は失敗扱いにしない
		d.release(ctx, job.ID, token, logger)
		return d.nack(ctx, delivery, 0, ctx.Err())
	}

	var outcome func(j *Job)
	switch {
	case runErr != nil:
		msg := d.failureFor(runErr)
		logger.Warn("transcription failed", "error", runErr, "message", msg)
		outcome = func(j *Job) {
			j.Status = StatusFailed
			j.Transcript = ""
			j.ErrorMessage = msg
		}
	case strings.TrimSpace(text) == "":
		logger.Warn("transcription returned empty text")
		outcome = func(j *Job) {
			j.Status = StatusFailed
			j.Transcript = ""
			j.ErrorMessage = emptyTranscriptMessage
		}
	default:
		outcome = func(j *Job) {
			j.Status = StatusCompleted
			j.Transcript = text
			j.ErrorMessage = ""
		}
	}

	settleCtx, cancel := d.settleContext(ctx)
	defer cancel()
	finished, err := d.store.Update(settleCtx, job.ID, func(j *Job) error {
		if j.Status.Terminal() {
			return ErrJobFinished
		}
		if j.ClaimToken != token {
			return errClaimLost
		}
		outcome(j)
		j.ClaimToken = ""
		j.LeaseExpiresAt = time.Time{}
		return nil
	})
	switch {
	case errors.Is(err, errClaimLost), errors.Is(err, ErrJobFinished), errors.Is(err, ErrNotFound):
		logger.Warn("lost claim before saving the result; discarding it", "error", err)
		return d.ack(ctx, delivery)
	case err != nil:
		return d.nack(ctx, delivery, d.policy.RetryDelay(attempt), err)
	}

	logger.Info("job finished", "status", finished.Status)
	return d.ack(ctx, delivery)
}

func (d *Dispatcher) transcribe(ctx context.Context, job *Job) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, d.policy.TranscribeTimeout)
	defer cancel()

	rc, err := d.artifacts.Open(tctx, job.SourceRef)
	if err != nil {
		return "", &transcribe.Error{Stage: transcribe.StagePreprocessing, Message: missingAudioMessage, Err: err}
	}
	defer rc.Close()

	name := job.OriginalName
	if ext := extOf(job.SourceRef); ext != "" && extOf(name) == "" {
		name += ext
	}
	return d.transcriber.Transcribe(tctx, transcribe.Audio{
		Name:        name,
		ContentType: job.ContentType,
		Body:        rc,
	})
}

func (d *Dispatcher) failureFor(err error) string {
	var terr *transcribe.Error
	if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &terr) {
		return timeoutMessage
	}
	return failureMessage(err)
}

// release は停止時にリースを手放し、再配信ですぐ再開できるようにします。
func (d *Dispatcher) release(ctx context.Context, id, token string, logger *slog.Logger) {
	settleCtx, cancel := d.settleContext(ctx)
	defer cancel()
	_, err := d.store.Update(settleCtx, id, func(j *Job) error {
		if j.Status != StatusProcessing || j.ClaimToken != token {
			return errClaimLost
		}
		j.LeaseExpiresAt = d.now()
		return nil
	})
	if err != nil && !errors.Is(err, errClaimLost) {
		logger.Warn("failed to release claim", "error", err)
	}
}

func (d *Dispatcher) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (d *Dispatcher) ack(ctx context.Context, delivery Delivery) error {
	settleCtx, cancel := d.settleContext(ctx)
	defer cancel()
	if err := delivery.Ack(settleCtx); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

func (d *Dispatcher) nack(ctx context.Context, delivery Delivery, delay time.Duration, cause error) error {
	settleCtx, cancel := d.settleContext(ctx)
	defer cancel()
	if err := delivery.Nack(settleCtx, delay); err != nil {
		return fmt.Errorf("nack task after %v: %w", cause, err)
	}
	return cause
}

func extOf(name string) string {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 || strings.ContainsAny(name[i:], `/\`) {
		return ""
	}
	return name[i:]
}

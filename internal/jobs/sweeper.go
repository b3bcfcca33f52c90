package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var errSkipSweep = errors.New("job changed since it was listed")

// Sweeper は取り残されたジョブを見つけてキューに戻します。
//   - uploaded のまま StaleAfter を過ぎたジョブ（投入失敗など）
//   - processing でリースが切れ、StaleAfter 以上更新の無いジョブ（メッセージ消失など）
//
// 後者のうち試行回数が上限に達したものは失敗として確定させます。
type Sweeper struct {
	store      Store
	queue      Queue
	policy     Policy
	staleAfter time.Duration
	batch      int
	logger     *slog.Logger
	now        func() time.Time
}

// NewSweeper は Sweeper を作成します。
func NewSweeper(store Store, queue Queue, policy Policy, staleAfter time.Duration, logger *slog.Logger) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	policy = policy.normalized()
	// 更新からリース期間が経っていれば、処理中のジョブのリースも必ず切れている
	staleAfter = max(staleAfter, policy.LeaseDuration())
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:      store,
		queue:      queue,
		policy:     policy,
		staleAfter: staleAfter,
		batch:      100,
		logger:     logger.With("component", "sweeper"),
		now:        time.Now,
	}
}

// SweepResult は1回の掃除の結果です。
type SweepResult struct {
	Requeued  int
	Abandoned int
}

// Sweep は1回分の掃除を行います。
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now()
	cutoff := now.Add(-s.staleAfter)

	uploaded, err := s.store.ListByStatus(ctx, StatusUploaded, cutoff, s.batch)
	if err != nil {
		return res, err
	}
	for _, job := range uploaded {
		if err := s.queue.Enqueue(ctx, Task{JobID: job.ID, SourceRef: job.SourceRef}); err != nil {
			return res, err
		}
		res.Requeued++
		s.logger.Info("requeued stale uploaded job", "jobId", job.ID)
	}

	processing, err := s.store.ListByStatus(ctx, StatusProcessing, cutoff, s.batch)
	if err != nil {
		return res, err
	}
	for _, job := range processing {
		if now.Before(job.LeaseExpiresAt) {
			continue
		}
		if job.Attempts >= s.policy.MaxDeliveries {
			ok, err := s.abandon(ctx, job, now)
			if err != nil {
				return res, err
			}
			if ok {
				res.Abandoned++
			}
			continue
		}
		if err := s.queue.Enqueue(ctx, Task{JobID: job.ID, SourceRef: job.SourceRef}); err != nil {
			return res, err
		}
		res.Requeued++
		s.logger.Info("requeued job with expired lease", "jobId", job.ID, "attempts", job.Attempts)
	}
	return res, nil
}

func (s *Sweeper) abandon(ctx context.Context, job *Job, now time.Time) (bool, error) {
	_, err := s.store.Update(ctx, job.ID, func(j *Job) error {
		if j.Status != StatusProcessing || now.Before(j.LeaseExpiresAt) || j.ClaimToken != job.ClaimToken {
			return errSkipSweep
		}
		j.Status = StatusFailed
		j.ErrorMessage = abandonedMessage(j.Attempts)
		j.ClaimToken = ""
		j.LeaseExpiresAt = time.Time{}
		return nil
	})
	switch {
	case err == nil:
		s.logger.Warn("abandoned job", "jobId", job.ID, "attempts", job.Attempts)
		return true, nil
	case errors.Is(err, errSkipSweep), errors.Is(err, ErrJobFinished), errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Run は schedule（cron 形式または "@every 1m"）に従って Sweep を実行し、ctx の終了で戻ります。
func (s *Sweeper) Run(ctx context.Context, schedule string) error {
	logger := cronLogger{l: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(schedule, func() {
		res, err := s.Sweep(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("sweep failed", "error", err)
			}
			return
		}
		if res.Requeued > 0 || res.Abandoned > 0 {
			s.logger.Info("sweep finished", "requeued", res.Requeued, "abandoned", res.Abandoned)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger は cron.Logger を slog に流します。
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
)

// Delivery はキューから取り出したタスクと、その完了通知用ハンドルです。
type Delivery interface {
	Task() Task
	// Attempt は配信回数（初回は1）です。
	Attempt() int
	// Ack は処理完了を通知し、メッセージを削除します。
	Ack(ctx context.Context) error
	// Nack はメッセージを delay 後に再配信させます。
	Nack(ctx context.Context, delay time.Duration) error
	// Reject はメッセージをデッドレターに移し、以降再配信させません。
	Reject(ctx context.Context, reason string) error
}

// Queue は投入側とワーカー側をつなぐ at-least-once のキューです。
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue はタスクが届くか ctx が終了するまでブロックします。
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}

const (
	// TaskTypeTranscribe は文字起こしタスクの種別です。
	TaskTypeTranscribe = "transcribe:audio"
)

// AsynqOptions は AsynqQueue の設定です。
type AsynqOptions struct {
	Queue       string
	Concurrency int
	// MaxDeliveries を超えた配信はワーカー側で打ち切ります。
	MaxDeliveries int
	// TaskTimeout は asynq がハンドラーを打ち切るまでの時間です。
	TaskTimeout time.Duration
	Logger      *slog.Logger
}

// AsynqQueue は asynq の push 型ハンドラーを Dequeue の pull 型に橋渡しします。
type AsynqQueue struct {
	client     *asynq.Client
	inspector  *asynq.Inspector
	server     *asynq.Server
	mux        *asynq.ServeMux
	opts       AsynqOptions
	deliveries chan *asynqDelivery
	logger     *slog.Logger

	startOnce sync.Once
	started   bool
	startErr  error
}

// NewAsynqQueue は AsynqQueue を初期化します。サーバーは最初の Dequeue で起動します。
func NewAsynqQueue(redisOpt asynq.RedisConnOpt, opts AsynqOptions) *AsynqQueue {
	if opts.Queue == "" {
		opts.Queue = "transcribe"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &AsynqQueue{
		client:     asynq.NewClient(redisOpt),
		inspector:  asynq.NewInspector(redisOpt),
		opts:       opts,
		deliveries: make(chan *asynqDelivery),
		logger:     logger,
	}
	q.server = asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: opts.Concurrency,
			Queues: map[string]int{
				opts.Queue: 1,
			},
			RetryDelayFunc: retryDelay,
			LogLevel:       asynq.WarnLevel,
		},
	)
	q.mux = asynq.NewServeMux()
	q.mux.HandleFunc(TaskTypeTranscribe, q.handle)
	return q
}

// Enqueue はタスクを投入します。同じジョブのタスクが待機中または実行中なら何もしません。
// アーカイブ済み・完了済みのタスクが ID を塞いでいる場合は削除して投入し直します。
func (q *AsynqQueue) Enqueue(ctx context.Context, task Task) error {
	if task.JobID == "" {
		return fmt.Errorf("task.JobID is required")
	}
	body, err := json.Marshal(task)
	if err != nil {
		return err
	}

	options := []asynq.Option{
		asynq.Queue(q.opts.Queue),
		asynq.MaxRetry(q.opts.MaxDeliveries),
		asynq.TaskID(task.JobID),
	}
	if q.opts.TaskTimeout > 0 {
		options = append(options, asynq.Timeout(q.opts.TaskTimeout))
	}
	t := asynq.NewTask(TaskTypeTranscribe, body)

	_, err = q.client.EnqueueContext(ctx, t, options...)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, asynq.ErrTaskIDConflict):
		return queueUnavailable("enqueue task", err)
	}

	released, err := q.releaseTaskID(task.JobID)
	if err != nil || !released {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, t, options...)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return queueUnavailable("enqueue task", err)
	}
	return nil
}

// releaseTaskID はもう実行されないタスクが id を使っていれば削除し、true を返します。
func (q *AsynqQueue) releaseTaskID(id string) (bool, error) {
	info, err := q.inspector.GetTaskInfo(q.opts.Queue, id)
	if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
		return true, nil
	}
	if err != nil {
		return false, queueUnavailable("inspect task", err)
	}
	switch info.State {
	case asynq.TaskStateArchived, asynq.TaskStateCompleted:
	default:
		return false, nil
	}
	err = q.inspector.DeleteTask(q.opts.Queue, id)
	if err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, queueUnavailable("delete finished task", err)
	}
	q.logger.Info("released finished task for re-enqueue", "jobId", id, "state", info.State.String())
	return true, nil
}

// Dequeue は asynq サーバーが受け取ったタスクを1件返します。
func (q *AsynqQueue) Dequeue(ctx context.Context) (Delivery, error) {
	q.startOnce.Do(func() {
		q.startErr = q.server.Start(q.mux)
		q.started = q.startErr == nil
	})
	if q.startErr != nil {
		return nil, queueUnavailable("start asynq server", q.startErr)
	}

	select {
	case d := <-q.deliveries:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close はサーバーとクライアントを閉じます。
func (q *AsynqQueue) Close() error {
	if q.started {
		q.server.Shutdown()
	}
	var errs []error
	if q.inspector != nil {
		errs = append(errs, q.inspector.Close())
	}
	if q.client != nil {
		errs = append(errs, q.client.Close())
	}
	return errors.Join(errs...)
}

func (q *AsynqQueue) handle(ctx context.Context, t *asynq.Task) error {
	var task Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		q.logger.Error("dropping malformed task payload", "error", err)
		return fmt.Errorf("decode task payload: %v: %w", err, asynq.SkipRetry)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	d := &asynqDelivery{
		task:    task,
		attempt: retried + 1,
		done:    make(chan error, 1),
	}

	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-d.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryAfterError は Nack で指定された遅延を asynq に伝えます。
type retryAfterError struct {
	delay time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("requeued, retry after %s", e.delay)
}

func retryDelay(n int, err error, task *asynq.Task) time.Duration {
	var after *retryAfterError
	if errors.As(err, &after) && after.delay > 0 {
		return after.delay
	}
	return asynq.DefaultRetryDelayFunc(n, err, task)
}

type asynqDelivery struct {
	task    Task
	attempt int
	done    chan error
	once    sync.Once
}

func (d *asynqDelivery) Task() Task   { return d.task }
func (d *asynqDelivery) Attempt() int { return d.attempt }

func (d *asynqDelivery) settle(err error) {
	d.once.Do(func() {
		d.done <- err
	})
}

func (d *asynqDelivery) Ack(ctx context.Context) error {
	d.settle(nil)
	return nil
}

func (d *asynqDelivery) Nack(ctx context.Context, delay time.Duration) error {
	d.settle(&retryAfterError{delay: delay})
	return nil
}

func (d *asynqDelivery) Reject(ctx context.Context, reason string) error {
	d.settle(fmt.Errorf("%s: %w", reason, asynq.SkipRetry))
	return nil
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// enqueueScript はジョブ単位で重複投入を防ぎます。
var enqueueScript = redis.NewScript(`
if redis.call('SADD', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[2])
return 1
`)

// requeueScript はリース切れのメッセージを pending に戻します。
// processing に残っていないメッセージ（既に settle 済み）はリースだけ消します。
var requeueScript = redis.NewScript(`
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[3], ARGV[2])
return 1
`)

// promoteScript は遅延キューから pending へ移します。
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// settleScript は処理中のメッセージを ack / nack / reject します。
// ARGV[3]: "ack" | "retry" | "dead"、ARGV[4]: retry の再配信時刻（ms, 0 なら即時）
var settleScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
if ARGV[3] == 'ack' then
  redis.call('SREM', KEYS[5], ARGV[5])
elseif ARGV[3] == 'retry' then
  if tonumber(ARGV[4]) <= 0 then
    redis.call('LPUSH', KEYS[3], ARGV[2])
  else
    redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
  end
else
  redis.call('SREM', KEYS[5], ARGV[5])
  redis.call('LPUSH', KEYS[6], ARGV[2])
end
return 1
`)

// queueMessage は Redis のリストに積まれるメッセージです。
type queueMessage struct {
	ID         string    `json:"id"`
	Task       Task      `json:"task"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Reason     string    `json:"reason,omitempty"`
}

// RedisQueueOptions は RedisQueue の設定です。
type RedisQueueOptions struct {
	// Visibility は Ack されないメッセージが再配信されるまでの時間です。
	Visibility time.Duration
	// Block は BRPOPLPUSH の待ち時間です（最小 1 秒）。
	Block  time.Duration
	Logger *slog.Logger
}

// RedisQueue は Redis のリストで実装した at-least-once キューです。
type RedisQueue struct {
	rdb        *redis.Client
	name       string
	visibility time.Duration
	block      time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewRedisQueue は RedisQueue を作成します。
func NewRedisQueue(rdb *redis.Client, name string, opts RedisQueueOptions) *RedisQueue {
	if name == "" {
		name = "transcribe"
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 5 * time.Minute
	}
	if opts.Block < time.Second {
		opts.Block = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{
		rdb:        rdb,
		name:       name,
		visibility: opts.Visibility,
		block:      opts.Block,
		logger:     logger.With("queue", name),
		now:        time.Now,
	}
}

func (q *RedisQueue) pendingKey() string    { return q.name + ":pending" }
func (q *RedisQueue) processingKey() string { return q.name + ":processing" }
func (q *RedisQueue) leasesKey() string     { return q.name + ":leases" }
func (q *RedisQueue) delayedKey() string    { return q.name + ":delayed" }
func (q *RedisQueue) queuedKey() string     { return q.name + ":queued" }
func (q *RedisQueue) deadKey() string       { return q.name + ":dead" }

// Enqueue はタスクを pending に積みます。同じジョブが未処理で残っている場合は何もしません。
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if task.JobID == "" {
		return fmt.Errorf("task.JobID is required")
	}
	raw, err := encodeMessage(queueMessage{
		ID:         uuid.NewString(),
		Task:       task,
		Attempt:    1,
		EnqueuedAt: q.now().UTC(),
	})
	if err != nil {
		return err
	}
	keys := []string{q.queuedKey(), q.pendingKey()}
	if err := enqueueScript.Run(ctx, q.rdb, keys, task.JobID, raw).Err(); err != nil {
		return queueUnavailable("enqueue task", err)
	}
	return nil
}

// Dequeue はメッセージを processing に移し、リースを付けて返します。
func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw, err := q.rdb.BRPopLPush(ctx, q.pendingKey(), q.processingKey(), q.block).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, queueUnavailable("dequeue task", err)
		}

		msg, err := decodeMessage(raw)
		if err != nil {
			q.logger.Error("moving malformed message to dead letter", "error", err)
			if _, perr := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.LRem(ctx, q.processingKey(), 1, raw)
				pipe.LPush(ctx, q.deadKey(), raw)
				return nil
			}); perr != nil {
				return nil, queueUnavailable("dead-letter malformed message", perr)
			}
			continue
		}

		deadline := q.now().Add(q.visibility)
		if err := q.rdb.ZAdd(ctx, q.leasesKey(), redis.Z{Score: millis(deadline), Member: raw}).Err(); err != nil {
			return nil, queueUnavailable("lease task", err)
		}
		return &redisDelivery{q: q, raw: raw, msg: msg}, nil
	}
}

// Close は何もしません。Redis クライアントは呼び出し側が閉じます。
func (q *RedisQueue) Close() error {
	return nil
}

// Reap はリース切れのメッセージを再投入し、期限の来た遅延メッセージを pending に移します。
// 戻り値は移動したメッセージ数です。
func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	now := q.now()
	upTo := &redis.ZRangeBy{Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10)}
	moved := 0

	expired, err := q.rdb.ZRangeByScore(ctx, q.leasesKey(), upTo).Result()
	if err != nil {
		return moved, queueUnavailable("scan leases", err)
	}
	for _, raw := range expired {
		next := raw
		if msg, err := decodeMessage(raw); err == nil {
			msg.Attempt++
			if next, err = encodeMessage(msg); err != nil {
				return moved, err
			}
		}
		keys := []string{q.processingKey(), q.leasesKey(), q.pendingKey()}
		n, err := requeueScript.Run(ctx, q.rdb, keys, raw, next).Int()
		if err != nil {
			return moved, queueUnavailable("requeue expired task", err)
		}
		moved += n
	}

	// BRPOPLPUSH と ZADD の間で落ちたメッセージにはリースが無いので、ここで付与する
	inFlight, err := q.rdb.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return moved, queueUnavailable("scan processing", err)
	}
	for _, raw := range inFlight {
		z := redis.Z{Score: millis(now.Add(q.visibility)), Member: raw}
		if err := q.rdb.ZAddNX(ctx, q.leasesKey(), z).Err(); err != nil {
			return moved, queueUnavailable("lease orphaned task", err)
		}
	}

	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), upTo).Result()
	if err != nil {
		return moved, queueUnavailable("scan delayed", err)
	}
	for _, raw := range due {
		n, err := promoteScript.Run(ctx, q.rdb, []string{q.delayedKey(), q.pendingKey()}, raw).Int()
		if err != nil {
			return moved, queueUnavailable("promote delayed task", err)
		}
		moved += n
	}
	return moved, nil
}

// RunReaper は ctx が終了するまで interval ごとに Reap を実行します。
func (q *RedisQueue) RunReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := q.Reap(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				q.logger.Warn("reap failed", "error", err)
				continue
			}
			if n > 0 {
				q.logger.Info("requeued tasks", "count", n)
			}
		}
	}
}

// DeadLetters はデッドレターに移されたメッセージ数を返します。
func (q *RedisQueue) DeadLetters(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.deadKey()).Result()
	if err != nil {
		return 0, queueUnavailable("count dead letters", err)
	}
	return n, nil
}

func (q *RedisQueue) settle(ctx context.Context, raw string, msg queueMessage, mode string, readyAt time.Time) error {
	next, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	ready := int64(0)
	if !readyAt.IsZero() {
		ready = readyAt.UnixMilli()
	}
	keys := []string{
		q.processingKey(),
		q.leasesKey(),
		q.pendingKey(),
		q.delayedKey(),
		q.queuedKey(),
		q.deadKey(),
	}
	if err := settleScript.Run(ctx, q.rdb, keys, raw, next, mode, ready, msg.Task.JobID).Err(); err != nil {
		return queueUnavailable(mode+" task", err)
	}
	return nil
}

type redisDelivery struct {
	q   *RedisQueue
	raw string
	msg queueMessage
}

func (d *redisDelivery) Task() Task   { return d.msg.Task }
func (d *redisDelivery) Attempt() int { return d.msg.Attempt }

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.q.settle(ctx, d.raw, d.msg, "ack", time.Time{})
}

func (d *redisDelivery) Nack(ctx context.Context, delay time.Duration) error {
	msg := d.msg
	msg.Attempt++
	var readyAt time.Time
	if delay > 0 {
		readyAt = d.q.now().Add(delay)
	}
	return d.q.settle(ctx, d.raw, msg, "retry", readyAt)
}

func (d *redisDelivery) Reject(ctx context.Context, reason string) error {
	msg := d.msg
	msg.Reason = reason
	return d.q.settle(ctx, d.raw, msg, "dead", time.Time{})
}

func encodeMessage(msg queueMessage) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode queue message: %w", err)
	}
	return string(b), nil
}

func decodeMessage(raw string) (queueMessage, error) {
	var msg queueMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, fmt.Errorf("decode queue message: %w", err)
	}
	if msg.Task.JobID == "" {
		return msg, fmt.Errorf("decode queue message: missing jobId")
	}
	return msg, nil
}

func millis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

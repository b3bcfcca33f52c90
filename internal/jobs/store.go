package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store はジョブ状態の永続化を担います。API プロセスと複数のワーカープロセスから同時に利用されます。
type Store interface {
	// Put はジョブを新規作成または上書きします。
	Put(ctx context.Context, job *Job) error
	// Get はジョブを取得します。存在しない場合は ErrNotFound を返します。
	Get(ctx context.Context, id string) (*Job, error)
	// ListByOwner は所有者のジョブを作成日時の新しい順に返します。
	ListByOwner(ctx context.Context, owner string) ([]*Job, error)
	// ListByStatus は指定状態のうち before より前に更新されたジョブを古い順に返します。
	ListByStatus(ctx context.Context, status Status, before time.Time, limit int) ([]*Job, error)
	// Update はジョブを読み込み、mutate を適用して保存します。
	// mutate がエラーを返した場合は何も保存せず、そのエラーを返します。
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)
}

const (
	jobKeyPrefix      = "job:"
	ownerIndexPrefix  = "jobs:owner:"
	statusIndexPrefix = "jobs:status:"

	maxTxRetries = 16
)

// RedisStore はジョブ状態を Redis に保存します。
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// NewRedisStore は RedisStore を作成します。ttl が 0 の場合、ジョブは失効しません。
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb: rdb,
		ttl: ttl,
		now: time.Now,
	}
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	return readJob(ctx, s.rdb, jobKey(id))
}

// Put はジョブ情報を保存します（存在しない場合は作成）。
func (s *RedisStore) Put(ctx context.Context, job *Job) error {
	rec, err := prepareForPut(job, s.now())
	if err != nil {
		return err
	}
	key := jobKey(rec.ID)
	return s.watch(ctx, key, func(tx *redis.Tx) error {
		prev, err := readJob(ctx, tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return s.write(ctx, tx, prev, rec)
	})
}

// Update はジョブ情報を楽観ロックで更新します。
func (s *RedisStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	key := jobKey(id)
	var updated *Job
	err := s.watch(ctx, key, func(tx *redis.Tx) error {
		prev, err := readJob(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := applyUpdate(prev, mutate, s.now())
		if err != nil {
			return err
		}
		if err := s.write(ctx, tx, prev, next); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListByOwner は所有者のジョブ一覧を返します。
func (s *RedisStore) ListByOwner(ctx context.Context, owner string) ([]*Job, error) {
	ids, err := s.rdb.ZRevRange(ctx, ownerKey(owner), 0, -1).Result()
	if err != nil {
		return nil, storeUnavailable("list owner index", err)
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	filtered := jobs[:0]
	for _, job := range jobs {
		if job.Owner == owner {
			filtered = append(filtered, job)
		}
	}
	sortNewestFirst(filtered)
	return filtered, nil
}

// ListByStatus は滞留ジョブの検出に使用します。
func (s *RedisStore) ListByStatus(ctx context.Context, status Status, before time.Time, limit int) ([]*Job, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(normalizeTime(before).UnixMicro(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	ids, err := s.rdb.ZRangeByScore(ctx, statusKey(status), opt).Result()
	if err != nil {
		return nil, storeUnavailable("list status index", err)
	}
	jobs, err := s.loadMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	filtered := jobs[:0]
	for _, job := range jobs {
		if job.Status == status {
			filtered = append(filtered, job)
		}
	}
	return filtered, nil
}

func (s *RedisStore) loadMany(ctx context.Context, ids []string) ([]*Job, error) {
	jobs := make([]*Job, 0, len(ids))
	if len(ids) == 0 {
		return jobs, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeUnavailable("load jobs", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// TTL で失効したジョブはインデックスにだけ残っている
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// watch は WATCH/MULTI による楽観ロックをリトライ付きで実行します。
func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		var fnErr error
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			fnErr = fn(tx)
			return fnErr
		}, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case fnErr != nil:
			return fnErr
		default:
			return storeUnavailable("watch job", err)
		}
	}
	return storeUnavailable("update job", fmt.Errorf("too much contention on %s", key))
}

func (s *RedisStore) write(ctx context.Context, tx *redis.Tx, prev, next *Job) error {
	payload, err := json.Marshal(next)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(next.ID), payload, s.ttl)
		if prev != nil && prev.Owner != next.Owner {
			pipe.ZRem(ctx, ownerKey(prev.Owner), next.ID)
		}
		if prev != nil && prev.Status != next.Status {
			pipe.ZRem(ctx, statusKey(prev.Status), next.ID)
		}
		pipe.ZAdd(ctx, ownerKey(next.Owner), redis.Z{Score: score(next.CreatedAt), Member: next.ID})
		pipe.ZAdd(ctx, statusKey(next.Status), redis.Z{Score: score(next.UpdatedAt), Member: next.ID})
		return nil
	})
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return err
		}
		return storeUnavailable("write job", err)
	}
	return nil
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readJob(ctx context.Context, c stringGetter, key string) (*Job, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, storeUnavailable("get job", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", key, err)
	}
	return &job, nil
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func ownerKey(owner string) string {
	return ownerIndexPrefix + owner
}

func statusKey(status Status) string {
	return statusIndexPrefix + string(status)
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// prepareForPut は保存前のジョブを検証し、時刻を正規化したコピーを返します。
func prepareForPut(job *Job, now time.Time) (*Job, error) {
	if job == nil {
		return nil, fmt.Errorf("%w: job is nil", ErrInvalidJob)
	}
	if job.ID == "" {
		return nil, fmt.Errorf("%w: id is required", ErrInvalidJob)
	}
	if job.Owner == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrInvalidJob)
	}
	if !job.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidJob, job.Status)
	}
	rec := job.Clone()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	rec.CreatedAt = normalizeTime(rec.CreatedAt)
	rec.UpdatedAt = normalizeTime(rec.UpdatedAt)
	rec.LeaseExpiresAt = normalizeTime(rec.LeaseExpiresAt)
	return rec, nil
}

// applyUpdate は mutate を適用し、不変項目と状態遷移の単調性を保証します。
func applyUpdate(prev *Job, mutate func(*Job) error, now time.Time) (*Job, error) {
	next := prev.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}

	next.ID = prev.ID
	next.Owner = prev.Owner
	next.SourceRef = prev.SourceRef
	next.OriginalName = prev.OriginalName
	next.ContentType = prev.ContentType
	next.CreatedAt = prev.CreatedAt

	if !next.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidJob, next.Status)
	}
	if prev.Status.Terminal() &&
		(next.Status != prev.Status || next.Transcript != prev.Transcript || next.ErrorMessage != prev.ErrorMessage) {
		return nil, fmt.Errorf("%w: %s is %s", ErrJobFinished, prev.ID, prev.Status)
	}
	if statusRank(next.Status) < statusRank(prev.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}

	next.LeaseExpiresAt = normalizeTime(next.LeaseExpiresAt)
	next.UpdatedAt = normalizeTime(now)
	return next, nil
}

func statusRank(s Status) int {
	switch s {
	case StatusUploaded:
		return 0
	case StatusProcessing:
		return 1
	default:
		return 2
	}
}

func sortNewestFirst(jobs []*Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
}

package jobs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yourusername/audio-scribe/internal/transcribe"
)

// memStore はテスト用のインメモリ Store です。
type memStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time

	// failUpdate が nil 以外を返すと Update はそのエラーで失敗します。
	failUpdate func(call int) error
	updates    int
	// history は状態遷移の記録です。
	history map[string][]Status
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		jobs:    make(map[string]*Job),
		now:     now,
		history: make(map[string][]Status),
	}
}

func (s *memStore) Put(ctx context.Context, job *Job) error {
	rec, err := prepareForPut(job, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[rec.ID] = rec
	s.history[rec.ID] = append(s.history[rec.ID], rec.Status)
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *memStore) ListByOwner(ctx context.Context, owner string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Owner == owner {
			out = append(out, job.Clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *memStore) ListByStatus(ctx context.Context, status Status, before time.Time, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0)
	for _, job := range s.jobs {
		if job.Status == status && job.UpdatedAt.Before(before) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	if s.failUpdate != nil {
		if err := s.failUpdate(s.updates); err != nil {
			return nil, err
		}
	}
	prev, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	next, err := applyUpdate(prev, mutate, s.now())
	if err != nil {
		return nil, err
	}
	s.jobs[id] = next
	if next.Status != prev.Status {
		s.history[id] = append(s.history[id], next.Status)
	}
	return next.Clone(), nil
}

func (s *memStore) statuses(id string) []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.history[id]...)
}

// fakeQueue は投入されたタスクを記録します。
type fakeQueue struct {
	mu         sync.Mutex
	tasks      []Task
	enqueueErr error
	ch         chan Delivery
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{ch: make(chan Delivery, 16)}
}

func (q *fakeQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case d := <-q.ch:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) enqueued() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.tasks...)
}

// fakeDelivery は Ack / Nack / Reject の呼び出しを記録します。
type fakeDelivery struct {
	mu       sync.Mutex
	task     Task
	attempt  int
	acked    bool
	nacked   bool
	delay    time.Duration
	rejected string
	done     chan struct{}
}

func newDelivery(jobID string, attempt int) *fakeDelivery {
	return &fakeDelivery{
		task:    Task{JobID: jobID, SourceRef: jobID + ".mp3"},
		attempt: attempt,
		done:    make(chan struct{}),
	}
}

func (d *fakeDelivery) Task() Task   { return d.task }
func (d *fakeDelivery) Attempt() int { return d.attempt }

func (d *fakeDelivery) Ack(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	close(d.done)
	return nil
}

func (d *fakeDelivery) Nack(ctx context.Context, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.delay = delay
	close(d.done)
	return nil
}

func (d *fakeDelivery) Reject(ctx context.Context, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected = reason
	close(d.done)
	return nil
}

func (d *fakeDelivery) outcome() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case d.acked:
		return "ack"
	case d.nacked:
		return "nack"
	case d.rejected != "":
		return "reject"
	default:
		return ""
	}
}

// memArtifacts は ref ごとの内容を返します。
type memArtifacts struct {
	files map[string]string
}

func (a *memArtifacts) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	body, ok := a.files[ref]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

// fakeTranscriber は呼び出し回数と受け取った音声を記録します。
type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, audio transcribe.Audio) (string, error)
	last  transcribe.Audio
	body  string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio transcribe.Audio) (string, error) {
	f.mu.Lock()
	f.calls++
	f.last = audio
	if audio.Body != nil {
		b, _ := io.ReadAll(audio.Body)
		f.body = string(b)
	}
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return "", errors.New("no transcription configured")
	}
	return fn(ctx, audio)
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func returns(text string) func(context.Context, transcribe.Audio) (string, error) {
	return func(context.Context, transcribe.Audio) (string, error) { return text, nil }
}

// fakeClock はテストで進められる時計です。
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

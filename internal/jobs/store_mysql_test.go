package jobs

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

var mysqlColumnNames = []string{
	"id", "owner", "source_ref", "original_name", "content_type", "status", "transcript",
	"error_message", "attempts", "claim_token", "lease_expires_at", "created_at", "updated_at",
}

func newTestMySQLStore(t *testing.T, clock *fakeClock) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewMySQLStore(db)
	s.now = clock.Now
	return s, mock
}

func jobRow(id, owner string, status Status, created time.Time) []driver.Value {
	return []driver.Value{id, owner, id + ".mp3", "a.mp3", "audio/mpeg", string(status), nil, nil, 0, nil, nil, created, created}
}

func TestMySQLStoreGet(t *testing.T) {
	clock := newFakeClock()
	s, mock := newTestMySQLStore(t, clock)

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = ?")).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(mysqlColumnNames).AddRow(jobRow("j1", "u1", StatusUploaded, clock.Now())...))

	job, err := s.Get(context.Background(), "j1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if job.ID != "j1" || job.Owner != "u1" || job.Status != StatusUploaded || job.Transcript != "" {
		t.Fatalf("Get() = %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreGetNotFoundAndUnavailable(t *testing.T) {
	s, mock := newTestMySQLStore(t, newFakeClock())

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = ?")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(mysqlColumnNames))
	if _, err := s.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = ?")).
		WithArgs("j1").
		WillReturnError(errors.New("bad connection"))
	_, err := s.Get(context.Background(), "j1")
	if !errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrStoreUnavailable", err)
	}
}

func TestMySQLStorePut(t *testing.T) {
	clock := newFakeClock()
	s, mock := newTestMySQLStore(t, clock)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO jobs")).
		WithArgs("j1", "u1", "j1.mp3", "a.mp3", "", "uploaded", nil, nil, 0, nil, nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Put(context.Background(), &Job{ID: "j1", Owner: "u1", SourceRef: "j1.mp3", OriginalName: "a.mp3", Status: StatusUploaded})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreListByOwner(t *testing.T) {
	clock := newFakeClock()
	s, mock := newTestMySQLStore(t, clock)

	rows := sqlmock.NewRows(mysqlColumnNames).
		AddRow(jobRow("j2", "u1", StatusCompleted, clock.Now().Add(time.Second))...).
		AddRow(jobRow("j1", "u1", StatusUploaded, clock.Now())...)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE owner = ? ORDER BY created_at DESC, id DESC")).
		WithArgs("u1").
		WillReturnRows(rows)

	jobs, err := s.ListByOwner(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListByOwner() error = %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != "j2" || jobs[1].ID != "j1" {
		t.Fatalf("ListByOwner() = %+v", jobs)
	}
}

func TestMySQLStoreUpdateCommits(t *testing.T) {
	clock := newFakeClock()
	s, mock := newTestMySQLStore(t, clock)
	created := clock.Now()
	clock.Advance(time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM jobs WHERE id = ? FOR UPDATE")).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(mysqlColumnNames).AddRow(jobRow("j1", "u1", StatusProcessing, created)...))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE jobs SET")).
		WithArgs("completed", "hello", nil, 0, nil, nil, sqlmock.AnyArg(), "j1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := s.Update(context.Background(), "j1", func(j *Job) error {
		j.Status = StatusCompleted
		j.Transcript = "hello"
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if job.Status != StatusCompleted || !job.CreatedAt.Equal(created) {
		t.Fatalf("Update() = %+v", job)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreUpdateRollsBackOnMutateError(t *testing.T) {
	clock := newFakeClock()
	s, mock := newTestMySQLStore(t, clock)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("j1").
		WillReturnRows(sqlmock.NewRows(mysqlColumnNames).AddRow(jobRow("j1", "u1", StatusCompleted, clock.Now())...))
	mock.ExpectRollback()

	_, err := s.Update(context.Background(), "j1", func(j *Job) error {
		j.Status = StatusFailed
		return nil
	})
	if !errors.Is(err, ErrJobFinished) {
		t.Fatalf("Update() error = %v, want ErrJobFinished", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMySQLStoreUpdateMissingRow(t *testing.T) {
	s, mock := newTestMySQLStore(t, newFakeClock())

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(mysqlColumnNames))
	mock.ExpectRollback()

	if _, err := s.Update(context.Background(), "missing", func(*Job) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

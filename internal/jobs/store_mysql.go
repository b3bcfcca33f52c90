package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

const mysqlSchema = `CREATE TABLE IF NOT EXISTS jobs (
  id               CHAR(36)      NOT NULL,
  owner            VARCHAR(255)  NOT NULL,
  source_ref       VARCHAR(1024) NOT NULL,
  original_name    VARCHAR(512)  NOT NULL,
  content_type     VARCHAR(255)  NOT NULL DEFAULT '',
  status           VARCHAR(16)   NOT NULL,
  transcript       LONGTEXT      NULL,
  error_message    TEXT          NULL,
  attempts         INT           NOT NULL DEFAULT 0,
  claim_token      VARCHAR(64)   NULL,
  lease_expires_at DATETIME(6)   NULL,
  created_at       DATETIME(6)   NOT NULL,
  updated_at       DATETIME(6)   NOT NULL,
  PRIMARY KEY (id),
  KEY idx_jobs_owner_created (owner, created_at),
  KEY idx_jobs_status_updated (status, updated_at)
)`

const jobColumns = `id, owner, source_ref, original_name, content_type, status, transcript,
  error_message, attempts, claim_token, lease_expires_at, created_at, updated_at`

// OpenMySQL は DSN から接続を作成します。時刻は常に UTC として扱います。
func OpenMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return db, nil
}

// MySQLStore はジョブ状態を MySQL の jobs テーブルに保存します。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore は MySQLStore を作成します。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Migrate は jobs テーブルを作成します。
func (s *MySQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, mysqlSchema); err != nil {
		return storeUnavailable("migrate jobs table", err)
	}
	return nil
}

// Put はジョブを挿入し、既存の場合は全項目を上書きします。
func (s *MySQLStore) Put(ctx context.Context, job *Job) error {
	rec, err := prepareForPut(job, s.now())
	if err != nil {
		return err
	}
	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		  owner = VALUES(owner),
		  source_ref = VALUES(source_ref),
		  original_name = VALUES(original_name),
		  content_type = VALUES(content_type),
		  status = VALUES(status),
		  transcript = VALUES(transcript),
		  error_message = VALUES(error_message),
		  attempts = VALUES(attempts),
		  claim_token = VALUES(claim_token),
		  lease_expires_at = VALUES(lease_expires_at),
		  created_at = VALUES(created_at),
		  updated_at = VALUES(updated_at)`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Owner,
		rec.SourceRef,
		rec.OriginalName,
		rec.ContentType,
		string(rec.Status),
		nullString(rec.Transcript),
		nullString(rec.ErrorMessage),
		rec.Attempts,
		nullString(rec.ClaimToken),
		nullTime(rec.LeaseExpiresAt),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return storeUnavailable("insert job", err)
	}
	return nil
}

// Get はジョブを取得します。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeUnavailable("get job", err)
	}
	return job, nil
}

// ListByOwner は所有者のジョブを新しい順に返します。
func (s *MySQLStore) ListByOwner(ctx context.Context, owner string) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner = ? ORDER BY created_at DESC, id DESC`, owner)
	if err != nil {
		return nil, storeUnavailable("list jobs", err)
	}
	return collectJobs(rows)
}

// ListByStatus は before より前に更新された指定状態のジョブを古い順に返します。
func (s *MySQLStore) ListByStatus(ctx context.Context, status Status, before time.Time, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`
	args := []any{string(status), normalizeTime(before)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeUnavailable("list jobs by status", err)
	}
	return collectJobs(rows)
}

// Update は SELECT ... FOR UPDATE で行ロックを取って更新します。
func (s *MySQLStore) Update(ctx context.Context, id string, mutate func(*Job) error) (_ *Job, err error) {
	if id == "" {
		return nil, ErrNotFound
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeUnavailable("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ? FOR UPDATE`, id)
	prev, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storeUnavailable("lock job", err)
	}

	next, err := applyUpdate(prev, mutate, s.now())
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `UPDATE jobs SET
		  status = ?,
		  transcript = ?,
		  error_message = ?,
		  attempts = ?,
		  claim_token = ?,
		  lease_expires_at = ?,
		  updated_at = ?
		WHERE id = ?`,
		string(next.Status),
		nullString(next.Transcript),
		nullString(next.ErrorMessage),
		next.Attempts,
		nullString(next.ClaimToken),
		nullTime(next.LeaseExpiresAt),
		next.UpdatedAt,
		next.ID,
	)
	if err != nil {
		return nil, storeUnavailable("update job", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, storeUnavailable("commit job", err)
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                         Job
		status                      string
		transcript, errMsg, claimed sql.NullString
		lease                       sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.Owner,
		&job.SourceRef,
		&job.OriginalName,
		&job.ContentType,
		&status,
		&transcript,
		&errMsg,
		&job.Attempts,
		&claimed,
		&lease,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = Status(status)
	job.Transcript = transcript.String
	job.ErrorMessage = errMsg.String
	job.ClaimToken = claimed.String
	if lease.Valid {
		job.LeaseExpiresAt = normalizeTime(lease.Time)
	}
	job.CreatedAt = normalizeTime(job.CreatedAt)
	job.UpdatedAt = normalizeTime(job.UpdatedAt)
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	jobs := make([]*Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeUnavailable("scan job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeUnavailable("iterate jobs", err)
	}
	return jobs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Package jobstore persists jobs and scheduler triggers in SQLite and is the
// single source of truth for the job state machine. Every mutating statement
// is guarded by the current status, so concurrent workers can never drive a
// job through an illegal transition.
package jobstore

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "fetchq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the store.
//
// All durations are optional; zero values get defaults in Open.
type Config struct {
	Path        string
	BusyTimeout time.Duration

	// RetryDelay is how long a retried job stays ineligible for claiming.
	// This is the delay between attempts; 0 means retries are immediately
	// eligible again.
	RetryDelay time.Duration
}

type Store struct {
	db  *sql.DB
	log logx.Logger

	retryDelay time.Duration
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("jobstore: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, storeErr("mkdir", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, storeErr("open", err)
	}
	// SQLite prefers a single writer; this also makes the conditional claim
	// statement serialize naturally.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, log: log, retryDelay: cfg.RetryDelay}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, storeErr("migrate", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const jobColumns = `id, name, target, handler, status, priority,
	created_at, started_at, completed_at, not_before,
	retry_count, max_retries, error_message, result, metadata`

// AddJob creates a pending job and returns its id. If the insert fails no
// job exists; there are no partial writes visible to readers.
func (s *Store) AddJob(ctx context.Context, spec JobSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("jobstore: job name is required")
	}
	if strings.TrimSpace(spec.Target) == "" {
		return "", fmt.Errorf("jobstore: job target is required")
	}
	if strings.TrimSpace(spec.Handler) == "" {
		return "", fmt.Errorf("jobstore: job handler is required")
	}
	if spec.MaxRetries < 0 {
		spec.MaxRetries = 0
	}

	id := uuid.NewString()
	now := time.Now()

	meta, err := encodeMetadata(spec.Metadata)
	if err != nil {
		return "", fmt.Errorf("jobstore: encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, name, target, handler, status, priority, created_at, retry_count, max_retries, metadata)
		 VALUES(?,?,?,?,?,?,?,0,?,?)`,
		id, spec.Name, spec.Target, spec.Handler, string(StatusPending),
		spec.Priority, now.UnixNano(), spec.MaxRetries, meta,
	)
	if err != nil {
		return "", storeErr("add_job", err)
	}

	s.log.Debug("job added", logx.String("id", id), logx.String("name", spec.Name), logx.Int("priority", spec.Priority))
	return id, nil
}

// GetJob returns a job by id, or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get_job", err)
	}
	return j, nil
}

// ListPending returns pending jobs in dispatch order: priority descending,
// ties broken oldest-first. Workers rely on this ordering.
func (s *Store) ListPending(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ?
		 ORDER BY priority DESC, created_at ASC LIMIT ?`,
		string(StatusPending), limit,
	)
	if err != nil {
		return nil, storeErr("list_pending", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("list_pending", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_pending", err)
	}
	return out, nil
}

// ClaimNext atomically transitions the highest-priority, oldest eligible
// pending job to running and returns it. Returns (nil, nil) when nothing is
// claimable. The select and the status flip are one statement, so two racing
// callers can never both receive the same job.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	now := time.Now()
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ?
		 WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		 )
		 RETURNING `+jobColumns,
		string(StatusRunning), now.UnixNano(),
		string(StatusPending), now.UnixNano(),
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("claim_next", err)
	}
	return j, nil
}

// Complete marks a running job completed and records its result. Calling it
// again with a byte-identical result is a no-op; any other call on a settled
// job returns ErrConflict.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	var stored any
	if len(result) > 0 {
		stored = string(result)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, result = ?, error_message = NULL
		 WHERE id = ? AND status = ?`,
		string(StatusCompleted), time.Now().UnixNano(), stored, id, string(StatusRunning),
	)
	if err != nil {
		return storeErr("complete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("complete", err)
	}
	if n > 0 {
		s.log.Debug("job completed", logx.String("id", id))
		return nil
	}

	// No row flipped: either unknown, already completed idempotently, or in
	// an incompatible state.
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status == StatusCompleted && bytes.Equal(j.Result, result) {
		return nil
	}
	return fmt.Errorf("%w: cannot complete job %s in status %s", ErrConflict, id, j.Status)
}

// FailOrRetry records a failure for a running job. Under the retry budget
// the job re-enters the pending queue (retry_count incremented, the error
// kept for visibility, started_at cleared, eligibility pushed out by the
// configured retry delay) and FailOrRetry reports requeued=true. Over budget
// the job becomes terminally failed.
func (s *Store) FailOrRetry(ctx context.Context, id, errorMessage string) (requeued bool, err error) {
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storeErr("fail_or_retry", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT status, retry_count, max_retries FROM jobs WHERE id = ?`, id,
	).Scan(&status, &retryCount, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, storeErr("fail_or_retry", err)
	}
	if Status(status) != StatusRunning {
		return false, fmt.Errorf("%w: cannot fail job %s in status %s", ErrConflict, id, status)
	}

	if retryCount < maxRetries {
		var notBefore any
		if s.retryDelay > 0 {
			notBefore = now.Add(s.retryDelay).UnixNano()
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, retry_count = retry_count + 1,
				error_message = ?, started_at = NULL, not_before = ?
			 WHERE id = ? AND status = ?`,
			string(StatusPending), errorMessage, notBefore, id, string(StatusRunning),
		)
		if err != nil {
			return false, storeErr("fail_or_retry", err)
		}
		if err := tx.Commit(); err != nil {
			return false, storeErr("fail_or_retry", err)
		}
		s.log.Debug("job requeued for retry",
			logx.String("id", id),
			logx.Int("retry", retryCount+1),
			logx.Int("max_retries", maxRetries),
			logx.String("reason", errorMessage),
		)
		return true, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?, error_message = ?
		 WHERE id = ? AND status = ?`,
		string(StatusFailed), now.UnixNano(), errorMessage, id, string(StatusRunning),
	)
	if err != nil {
		return false, storeErr("fail_or_retry", err)
	}
	if err := tx.Commit(); err != nil {
		return false, storeErr("fail_or_retry", err)
	}
	s.log.Warn("job failed permanently",
		logx.String("id", id),
		logx.Int("retries", retryCount),
		logx.String("reason", errorMessage),
	)
	return false, nil
}

// Cancel terminally cancels a pending or running job.
func (s *Store) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, completed_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelled), time.Now().UnixNano(),
		id, string(StatusPending), string(StatusRunning),
	)
	if err != nil {
		return storeErr("cancel", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("cancel", err)
	}
	if n == 0 {
		j, err := s.GetJob(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot cancel job %s in status %s", ErrConflict, id, j.Status)
	}
	s.log.Info("job cancelled", logx.String("id", id))
	return nil
}

// Stats returns a count per status. Statuses with no jobs report zero.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, storeErr("stats", err)
	}
	defer rows.Close()

	out := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		out[st] = 0
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, storeErr("stats", err)
		}
		out[Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("stats", err)
	}
	return out, nil
}

// PurgeOlderThan deletes terminal jobs whose completion precedes the cutoff.
// Pending and running jobs are never touched, whatever their age.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff,
	)
	if err != nil {
		return 0, storeErr("purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("purge", err)
	}
	if n > 0 {
		s.log.Info("purged old jobs", logx.Int64("removed", n))
	}
	return int(n), nil
}

// ReclaimStale returns running jobs whose claim is older than the cutoff to
// the pending queue. This recovers work abandoned by a crashed or forcefully
// stopped worker; the re-run does not consume a retry slot.
func (s *Store) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL
		 WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(StatusPending), string(StatusRunning), cutoff,
	)
	if err != nil {
		return 0, storeErr("reclaim_stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("reclaim_stale", err)
	}
	if n > 0 {
		s.log.Warn("reclaimed stale running jobs", logx.Int64("count", n))
	}
	return int(n), nil
}

// ---- row scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*Job, error) {
	var (
		j           Job
		status      string
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
		notBefore   sql.NullInt64
		errMsg      sql.NullString
		result      sql.NullString
		metadata    sql.NullString
	)
	err := r.Scan(
		&j.ID, &j.Name, &j.Target, &j.Handler, &status, &j.Priority,
		&createdAt, &startedAt, &completedAt, &notBefore,
		&j.RetryCount, &j.MaxRetries, &errMsg, &result, &metadata,
	)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.CreatedAt = time.Unix(0, createdAt)
	if startedAt.Valid {
		j.StartedAt = time.Unix(0, startedAt.Int64)
	}
	if completedAt.Valid {
		j.CompletedAt = time.Unix(0, completedAt.Int64)
	}
	if notBefore.Valid {
		j.NotBefore = time.Unix(0, notBefore.Int64)
	}
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	if metadata.Valid && metadata.String != "" {
		m := map[string]string{}
		if err := json.Unmarshal([]byte(metadata.String), &m); err == nil {
			j.Metadata = m
		}
	}
	return &j, nil
}

func encodeMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

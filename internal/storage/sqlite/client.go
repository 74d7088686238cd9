package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/grading-agent/backend/internal/storage/models"
	"github.com/grading-agent/backend/pkg/logger"
	"github.com/grading-agent/backend/pkg/retry"
)

type Client struct {
	db       *sql.DB
	retryCfg retry.Config
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{
		db: db,
		retryCfg: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
			Retryable:    isBusy,
			Logger:       logger.GetLogger(),
		},
	}, nil
}

// isBusy matches the lock contention errors WAL mode can still produce under
// concurrent page-run writers.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT,
		fingerprint TEXT,
		subject TEXT NOT NULL,
		strict INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		page_count INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_updated ON jobs(updated_at);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		page_index INTEGER NOT NULL,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		tokens INTEGER NOT NULL DEFAULT 0,
		elapsed_ms INTEGER NOT NULL DEFAULT 0,
		parse_retries INTEGER NOT NULL DEFAULT 0,
		failure_code TEXT,
		failure_cause TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job_id);

	CREATE TABLE IF NOT EXISTS grade_results (
		run_id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		page_index INTEGER NOT NULL,
		findings TEXT NOT NULL,
		confidence REAL NOT NULL,
		classification TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_results_job ON grade_results(job_id);

	CREATE TABLE IF NOT EXISTS provider_calls (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		kind TEXT NOT NULL,
		success INTEGER NOT NULL,
		err_msg TEXT,
		tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_calls_run ON provider_calls(run_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) exec(ctx context.Context, query string, args ...interface{}) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		_, err := c.db.ExecContext(ctx, query, args...)
		return err
	})
}

func (c *Client) InsertJob(ctx context.Context, job *models.JobRecord) error {
	query := `
		INSERT INTO jobs (id, idempotency_key, fingerprint, subject, strict, page_count, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	strict := 0
	if job.Strict {
		strict = 1
	}

	err := c.exec(ctx, query,
		job.ID,
		job.IdempotencyKey,
		job.Fingerprint,
		job.Subject,
		strict,
		job.PageCount,
		job.Status,
		job.CreatedAt.Unix(),
		job.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	logger.Debug("Job inserted", zap.String("job_id", job.ID))
	return nil
}

func (c *Client) UpdateJobStatus(ctx context.Context, jobID, status string) error {
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`

	err := c.exec(ctx, query, status, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*models.JobRecord, error) {
	query := `
		SELECT id, idempotency_key, fingerprint, subject, strict, page_count, status, created_at, updated_at
		FROM jobs WHERE id = ?
	`

	var job models.JobRecord
	var strict int
	var createdAt, updatedAt int64

	err := c.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID,
		&job.IdempotencyKey,
		&job.Fingerprint,
		&job.Subject,
		&strict,
		&job.PageCount,
		&job.Status,
		&createdAt,
		&updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Strict = strict == 1
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)

	return &job, nil
}

func (c *Client) InsertRun(ctx context.Context, run *models.RunRecord) error {
	query := `
		INSERT INTO runs (id, job_id, page_index, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	err := c.exec(ctx, query,
		run.ID,
		run.JobID,
		run.PageIndex,
		run.Status,
		run.CreatedAt.Unix(),
		run.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (c *Client) UpdateRun(ctx context.Context, run *models.RunRecord) error {
	query := `
		UPDATE runs SET status = ?, iterations = ?, tokens = ?, elapsed_ms = ?,
			parse_retries = ?, failure_code = ?, failure_cause = ?, updated_at = ?
		WHERE id = ?
	`

	err := c.exec(ctx, query,
		run.Status,
		run.Iterations,
		run.Tokens,
		run.ElapsedMS,
		run.ParseRetries,
		run.FailureCode,
		run.FailureCause,
		time.Now().Unix(),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}

func (c *Client) GetRunsByJob(ctx context.Context, jobID string) ([]models.RunRecord, error) {
	query := `
		SELECT id, job_id, page_index, status, iterations, tokens, elapsed_ms,
			parse_retries, COALESCE(failure_code, ''), COALESCE(failure_cause, ''), created_at, updated_at
		FROM runs WHERE job_id = ? ORDER BY page_index
	`

	rows, err := c.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get runs: %w", err)
	}
	defer rows.Close()

	var runs []models.RunRecord
	for rows.Next() {
		var r models.RunRecord
		var createdAt, updatedAt int64

		err := rows.Scan(&r.ID, &r.JobID, &r.PageIndex, &r.Status, &r.Iterations, &r.Tokens,
			&r.ElapsedMS, &r.ParseRetries, &r.FailureCode, &r.FailureCause, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.CreatedAt = time.Unix(createdAt, 0)
		r.UpdatedAt = time.Unix(updatedAt, 0)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

func (c *Client) InsertGradeResult(ctx context.Context, result *models.GradeResultRecord) error {
	query := `
		INSERT INTO grade_results (run_id, job_id, page_index, findings, confidence, classification, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err := c.exec(ctx, query,
		result.RunID,
		result.JobID,
		result.PageIndex,
		result.FindingsJSON,
		result.Confidence,
		result.Classification,
		result.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert grade result: %w", err)
	}

	logger.Debug("Grade result inserted",
		zap.String("run_id", result.RunID),
		zap.String("classification", result.Classification),
	)
	return nil
}

func (c *Client) GetGradeResultsByJob(ctx context.Context, jobID string) ([]models.GradeResultRecord, error) {
	query := `
		SELECT run_id, job_id, page_index, findings, confidence, classification, created_at
		FROM grade_results WHERE job_id = ? ORDER BY page_index
	`

	rows, err := c.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get grade results: %w", err)
	}
	defer rows.Close()

	var results []models.GradeResultRecord
	for rows.Next() {
		var r models.GradeResultRecord
		var createdAt int64

		err := rows.Scan(&r.RunID, &r.JobID, &r.PageIndex, &r.FindingsJSON, &r.Confidence, &r.Classification, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.CreatedAt = time.Unix(createdAt, 0)
		results = append(results, r)
	}

	return results, rows.Err()
}

func (c *Client) InsertProviderCall(ctx context.Context, call *models.ProviderCallRecord) error {
	query := `
		INSERT INTO provider_calls (run_id, iteration, kind, success, err_msg, tokens, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	success := 0
	if call.Success {
		success = 1
	}

	err := c.exec(ctx, query,
		call.RunID,
		call.Iteration,
		call.Kind,
		success,
		call.ErrMsg,
		call.Tokens,
		call.DurationMS,
		call.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert provider call: %w", err)
	}
	return nil
}

// DeleteExpiredJobs garbage-collects terminal jobs past the retention window.
// Runs and results cascade.
func (c *Client) DeleteExpiredJobs(ctx context.Context, terminalStatuses []string, olderThan time.Time) (int64, error) {
	if len(terminalStatuses) == 0 {
		return 0, nil
	}

	placeholders := strings.Repeat("?,", len(terminalStatuses))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`DELETE FROM jobs WHERE status IN (%s) AND updated_at < ?`, placeholders)

	args := make([]interface{}, 0, len(terminalStatuses)+1)
	for _, s := range terminalStatuses {
		args = append(args, s)
	}
	args = append(args, olderThan.Unix())

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired jobs: %w", err)
	}

	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		logger.Info("Expired jobs deleted", zap.Int64("count", deleted))
	}
	return deleted, nil
}

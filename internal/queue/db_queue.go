package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// DBQueue implements Queue on the background_jobs table created by the
// schema migrations
type DBQueue struct {
	db *sql.DB
}

// NewDBQueue creates a new database-backed queue
func NewDBQueue(db *sql.DB) (*DBQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	return &DBQueue{db: db}, nil
}

// Enqueue adds a new job to the queue
func (q *DBQueue) Enqueue(ctx context.Context, jobType string, payload map[string]interface{}) error {
	return q.EnqueueWithDelay(ctx, jobType, payload, 0)
}

// EnqueueWithDelay adds a job to be processed after a delay
func (q *DBQueue) EnqueueWithDelay(ctx context.Context, jobType string, payload map[string]interface{}, delay time.Duration) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	nextRunAt := time.Now().Add(delay)

	query := `
		INSERT INTO background_jobs (job_type, payload, next_run_at)
		VALUES ($1, $2, $3)
	`

	_, err = q.db.ExecContext(ctx, query, jobType, payloadJSON, nextRunAt)
	if err != nil {
		return wrapDBError("enqueue job", err)
	}

	return nil
}

// Dequeue retrieves the next available job from the queue
func (q *DBQueue) Dequeue(ctx context.Context) (*Job, error) {
	// SKIP LOCKED lets several workers share the table
	query := `
		UPDATE background_jobs
		SET status = 'processing', attempts = attempts + 1
		WHERE id = (
			SELECT id FROM background_jobs
			WHERE status = 'pending' AND next_run_at <= NOW()
			ORDER BY next_run_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, payload, created_at, next_run_at, attempts
	`

	var job Job
	var payloadJSON []byte

	err := q.db.QueryRowContext(ctx, query).Scan(
		&job.ID,
		&job.Type,
		&payloadJSON,
		&job.CreatedAt,
		&job.NextRunAt,
		&job.Attempts,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // No jobs available
	}

	if err != nil {
		return nil, wrapDBError("dequeue job", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}

	return &job, nil
}

// Complete marks a job as successfully completed
func (q *DBQueue) Complete(ctx context.Context, jobID int64) error {
	return q.transition(ctx, "complete job", jobID,
		`UPDATE background_jobs SET status = 'completed', completed_at = NOW() WHERE id = $1`)
}

// Retry puts a job back to pending, due after delay
func (q *DBQueue) Retry(ctx context.Context, jobID int64, delay time.Duration) error {
	return q.transition(ctx, "retry job", jobID,
		`UPDATE background_jobs SET status = 'pending', next_run_at = $2 WHERE id = $1`,
		time.Now().Add(delay))
}

// Fail marks a job as permanently failed
func (q *DBQueue) Fail(ctx context.Context, jobID int64, errorMsg string) error {
	return q.transition(ctx, "mark job as failed", jobID,
		`UPDATE background_jobs SET status = 'failed', error_message = $2, failed_at = NOW() WHERE id = $1`,
		errorMsg)
}

// transition runs a single-row status update keyed by job id
func (q *DBQueue) transition(ctx context.Context, action string, jobID int64, query string, args ...interface{}) error {
	result, err := q.db.ExecContext(ctx, query, append([]interface{}{jobID}, args...)...)
	if err != nil {
		return wrapDBError(action, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	return nil
}

// Depth counts jobs per status
func (q *DBQueue) Depth(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM background_jobs GROUP BY status`)
	if err != nil {
		return nil, wrapDBError("count jobs", err)
	}
	defer rows.Close()

	depth := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		depth[status] = count
	}
	return depth, rows.Err()
}

// HealthCheck verifies the queue is operational
func (q *DBQueue) HealthCheck(ctx context.Context) error {
	if err := q.db.PingContext(ctx); err != nil {
		return fmt.Errorf("queue health check failed: %w", err)
	}
	return nil
}

// Close closes the queue connection
func (q *DBQueue) Close() error {
	// DBQueue doesn't own the database connection, so nothing to close
	return nil
}

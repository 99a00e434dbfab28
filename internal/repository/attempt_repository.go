package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/checkfox/go_broker/internal/models"
)

// AttemptRepository persists the append-only send audit trail
type AttemptRepository interface {
	// CreateAttempt appends a new attempt row
	CreateAttempt(ctx context.Context, attempt *models.LeadBrokerAttempt) error

	// CountByLead returns the number of attempts recorded for a lead
	CountByLead(ctx context.Context, leadID int64) (int, error)

	// CountAcceptedByBroker returns the all-time number of accepted attempts for a broker code
	CountAcceptedByBroker(ctx context.Context, brokerCode string) (int, error)

	// ListByLead returns all attempts for a lead ordered by attempt number
	ListByLead(ctx context.Context, leadID int64) ([]*models.LeadBrokerAttempt, error)
}

// attemptRepository is the concrete implementation of AttemptRepository
type attemptRepository struct {
	db *sql.DB
}

// NewAttemptRepository creates a new AttemptRepository instance
func NewAttemptRepository(db *sql.DB) AttemptRepository {
	return &attemptRepository{
		db: db,
	}
}

// CreateAttempt appends a new attempt row
func (r *attemptRepository) CreateAttempt(ctx context.Context, attempt *models.LeadBrokerAttempt) error {
	query := `
		INSERT INTO lead_broker_attempts (
			lead_id, broker_code, attempt_no, outcome,
			response_code, response_body, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}

	err := r.db.QueryRowContext(
		ctx,
		query,
		attempt.LeadID,
		attempt.BrokerCode,
		attempt.AttemptNo,
		attempt.Outcome,
		attempt.ResponseCode,
		attempt.ResponseBody,
		attempt.DurationMs,
		attempt.CreatedAt,
	).Scan(&attempt.ID)

	if err != nil {
		return fmt.Errorf("failed to create attempt: %w", err)
	}

	return nil
}

// CountByLead returns the number of attempts recorded for a lead
func (r *attemptRepository) CountByLead(ctx context.Context, leadID int64) (int, error) {
	query := `SELECT COUNT(*) FROM lead_broker_attempts WHERE lead_id = $1`

	var count int
	if err := r.db.QueryRowContext(ctx, query, leadID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}

	return count, nil
}

// CountAcceptedByBroker counts accepted attempts across all boxes and all time
func (r *attemptRepository) CountAcceptedByBroker(ctx context.Context, brokerCode string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM lead_broker_attempts
		WHERE UPPER(broker_code) = UPPER($1) AND outcome = $2
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, brokerCode, models.OutcomeAccepted).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count accepted attempts: %w", err)
	}

	return count, nil
}

// ListByLead returns all attempts for a lead ordered by attempt number
func (r *attemptRepository) ListByLead(ctx context.Context, leadID int64) ([]*models.LeadBrokerAttempt, error) {
	query := `
		SELECT id, lead_id, broker_code, attempt_no, outcome,
			response_code, response_body, duration_ms, created_at
		FROM lead_broker_attempts
		WHERE lead_id = $1
		ORDER BY attempt_no ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.LeadBrokerAttempt
	for rows.Next() {
		attempt := &models.LeadBrokerAttempt{}
		var responseCode sql.NullInt64

		err := rows.Scan(
			&attempt.ID,
			&attempt.LeadID,
			&attempt.BrokerCode,
			&attempt.AttemptNo,
			&attempt.Outcome,
			&responseCode,
			&attempt.ResponseBody,
			&attempt.DurationMs,
			&attempt.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}

		if responseCode.Valid {
			code := int(responseCode.Int64)
			attempt.ResponseCode = &code
		}

		attempts = append(attempts, attempt)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return attempts, nil
}

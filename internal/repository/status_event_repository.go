package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/checkfox/go_broker/internal/models"
)

// StatusEventRepository persists brokerStatus transitions
type StatusEventRepository interface {
	CreateEvent(ctx context.Context, event *models.LeadStatusEvent) error
	ListByLead(ctx context.Context, leadID int64) ([]*models.LeadStatusEvent, error)
}

type statusEventRepository struct {
	db *sql.DB
}

// NewStatusEventRepository creates a new StatusEventRepository instance
func NewStatusEventRepository(db *sql.DB) StatusEventRepository {
	return &statusEventRepository{
		db: db,
	}
}

// CreateEvent appends a status transition
func (r *statusEventRepository) CreateEvent(ctx context.Context, event *models.LeadStatusEvent) error {
	query := `
		INSERT INTO lead_status_events (
			lead_id, broker_code, from_status, to_status, raw_status, source, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	err := r.db.QueryRowContext(
		ctx,
		query,
		event.LeadID,
		event.BrokerCode,
		event.FromStatus,
		event.ToStatus,
		event.RawStatus,
		event.Source,
		event.CreatedAt,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to create status event: %w", err)
	}

	return nil
}

// ListByLead returns the transitions of a lead, oldest first
func (r *statusEventRepository) ListByLead(ctx context.Context, leadID int64) ([]*models.LeadStatusEvent, error) {
	query := `
		SELECT id, lead_id, broker_code, from_status, to_status, raw_status, source, created_at
		FROM lead_status_events
		WHERE lead_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, leadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status events: %w", err)
	}
	defer rows.Close()

	var events []*models.LeadStatusEvent
	for rows.Next() {
		event := &models.LeadStatusEvent{}
		if err := rows.Scan(
			&event.ID,
			&event.LeadID,
			&event.BrokerCode,
			&event.FromStatus,
			&event.ToStatus,
			&event.RawStatus,
			&event.Source,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan status event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}

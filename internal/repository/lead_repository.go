package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/checkfox/go_broker/internal/models"
)

// LeadRepository defines the lead persistence operations used by the
// dispatch and reconciliation flows. General lead CRUD lives elsewhere.
type LeadRepository interface {
	// CreateLead inserts a new lead (used by the importer)
	CreateLead(ctx context.Context, lead *models.Lead) error

	// GetLeadByID retrieves a lead by its ID
	GetLeadByID(ctx context.Context, id int64) (*models.Lead, error)

	// AssignBroker persists the routing decision for a delayed send
	AssignBroker(ctx context.Context, id int64, brokerCode string) error

	// SaveDispatchResult writes the fields a send outcome mutates:
	// status, broker, brokerStatus, externalId, autologinUrl, brokerResp, password, sentAt
	SaveDispatchResult(ctx context.Context, lead *models.Lead) error

	// UpdateBrokerStatus sets the broker-reported status of a lead
	UpdateBrokerStatus(ctx context.Context, id int64, brokerStatus string) error

	// FindByExternalID finds a lead by its broker-assigned ID. An empty
	// brokerCode matches any broker.
	FindByExternalID(ctx context.Context, externalID, brokerCode string) (*models.Lead, error)

	// ExistingExternalIDs returns the subset of ids already present on some lead
	ExistingExternalIDs(ctx context.Context, ids []string) (map[string]bool, error)

	// ListWithExternalID lists leads sent to brokerCode since the given time that carry an external ID
	ListWithExternalID(ctx context.Context, brokerCode string, since time.Time) ([]*models.Lead, error)

	// GetLeadCountsByStatus returns counts of leads grouped by status
	GetLeadCountsByStatus(ctx context.Context) (map[string]int, error)
}

const leadColumns = `
	id, first_name, last_name, email, phone, country, password,
	status, broker_status, broker, external_id, autologin_url, broker_resp,
	extra, sent_at, created_at, updated_at`

// leadRepository is the concrete implementation of LeadRepository
type leadRepository struct {
	db *sql.DB
}

// NewLeadRepository creates a new LeadRepository instance
func NewLeadRepository(db *sql.DB) LeadRepository {
	return &leadRepository{
		db: db,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLead(row rowScanner) (*models.Lead, error) {
	lead := &models.Lead{}
	var externalID sql.NullString
	var sentAt sql.NullTime

	err := row.Scan(
		&lead.ID,
		&lead.FirstName,
		&lead.LastName,
		&lead.Email,
		&lead.Phone,
		&lead.Country,
		&lead.Password,
		&lead.Status,
		&lead.BrokerStatus,
		&lead.Broker,
		&externalID,
		&lead.AutologinURL,
		&lead.BrokerResp,
		&lead.Extra,
		&sentAt,
		&lead.CreatedAt,
		&lead.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if externalID.Valid {
		lead.ExternalID = &externalID.String
	}
	if sentAt.Valid {
		lead.SentAt = &sentAt.Time
	}
	return lead, nil
}

// CreateLead inserts a new lead
func (r *leadRepository) CreateLead(ctx context.Context, lead *models.Lead) error {
	query := `
		INSERT INTO leads (
			first_name, last_name, email, phone, country, password,
			status, broker_status, broker, external_id, autologin_url, broker_resp,
			extra, sent_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`

	now := time.Now()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = now
	}
	if lead.UpdatedAt.IsZero() {
		lead.UpdatedAt = now
	}
	if lead.Status == "" {
		lead.Status = models.LeadStatusNew
	}

	err := r.db.QueryRowContext(
		ctx,
		query,
		lead.FirstName,
		lead.LastName,
		lead.Email,
		lead.Phone,
		lead.Country,
		lead.Password,
		lead.Status,
		lead.BrokerStatus,
		lead.Broker,
		lead.ExternalID,
		lead.AutologinURL,
		lead.BrokerResp,
		lead.Extra,
		lead.SentAt,
		lead.CreatedAt,
		lead.UpdatedAt,
	).Scan(&lead.ID)

	if err != nil {
		return fmt.Errorf("failed to create lead: %w", err)
	}

	return nil
}

// GetLeadByID retrieves a lead by its ID
func (r *leadRepository) GetLeadByID(ctx context.Context, id int64) (*models.Lead, error) {
	query := `SELECT ` + leadColumns + ` FROM leads WHERE id = $1`

	lead, err := scanLead(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("lead", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lead: %w", err)
	}

	return lead, nil
}

// AssignBroker persists the routing decision for a delayed send
func (r *leadRepository) AssignBroker(ctx context.Context, id int64, brokerCode string) error {
	query := `
		UPDATE leads
		SET broker = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, brokerCode, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to assign broker: %w", err)
	}

	return expectOneRow(result, "lead", id)
}

// SaveDispatchResult writes the fields mutated by a send outcome
func (r *leadRepository) SaveDispatchResult(ctx context.Context, lead *models.Lead) error {
	query := `
		UPDATE leads
		SET status = $1, broker = $2, broker_status = $3, external_id = $4,
			autologin_url = $5, broker_resp = $6, password = $7, sent_at = $8,
			updated_at = $9
		WHERE id = $10
	`

	lead.UpdatedAt = time.Now()
	result, err := r.db.ExecContext(ctx, query,
		lead.Status,
		lead.Broker,
		lead.BrokerStatus,
		lead.ExternalID,
		lead.AutologinURL,
		lead.BrokerResp,
		lead.Password,
		lead.SentAt,
		lead.UpdatedAt,
		lead.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save dispatch result: %w", err)
	}

	return expectOneRow(result, "lead", lead.ID)
}

// UpdateBrokerStatus sets the broker-reported status of a lead
func (r *leadRepository) UpdateBrokerStatus(ctx context.Context, id int64, brokerStatus string) error {
	query := `
		UPDATE leads
		SET broker_status = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, brokerStatus, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update broker status: %w", err)
	}

	return expectOneRow(result, "lead", id)
}

// FindByExternalID finds the most recent lead carrying the external ID
func (r *leadRepository) FindByExternalID(ctx context.Context, externalID, brokerCode string) (*models.Lead, error) {
	query := `SELECT ` + leadColumns + `
		FROM leads
		WHERE external_id = $1 AND ($2 = '' OR UPPER(broker) = UPPER($2))
		ORDER BY created_at DESC
		LIMIT 1`

	lead, err := scanLead(r.db.QueryRowContext(ctx, query, externalID, brokerCode))
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("lead with externalId", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find lead by external id: %w", err)
	}

	return lead, nil
}

// ExistingExternalIDs returns the subset of ids already stored on a lead
func (r *leadRepository) ExistingExternalIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(ids) == 0 {
		return existing, nil
	}

	query := `SELECT DISTINCT external_id FROM leads WHERE external_id = ANY($1)`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query external ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		existing[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return existing, nil
}

// ListWithExternalID lists leads of a broker created since the given time that carry an external ID
func (r *leadRepository) ListWithExternalID(ctx context.Context, brokerCode string, since time.Time) ([]*models.Lead, error) {
	query := `SELECT ` + leadColumns + `
		FROM leads
		WHERE UPPER(broker) = UPPER($1)
			AND external_id IS NOT NULL AND external_id <> ''
			AND created_at >= $2
		ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, brokerCode, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query leads with external id: %w", err)
	}
	defer rows.Close()

	var leads []*models.Lead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lead: %w", err)
		}
		leads = append(leads, lead)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return leads, nil
}

// GetLeadCountsByStatus returns counts of leads grouped by status
func (r *leadRepository) GetLeadCountsByStatus(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*) as count
		FROM leads
		GROUP BY status
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query lead counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return counts, nil
}

// expectOneRow turns a zero-row update into a NotFoundError
func expectOneRow(result sql.Result, entity string, key interface{}) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return models.NewNotFoundError(entity, key)
	}

	return nil
}

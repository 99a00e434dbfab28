package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/checkfox/go_broker/internal/models"
)

// TemplateRepository reads broker templates and owns the pull watermark
type TemplateRepository interface {
	// ListActive returns all active templates
	ListActive(ctx context.Context) ([]*models.BrokerTemplate, error)

	// GetByCode returns a template by its case-insensitive code
	GetByCode(ctx context.Context, code string) (*models.BrokerTemplate, error)

	// UpdatePullLastSync advances the reconciliation watermark of a template
	UpdatePullLastSync(ctx context.Context, id int64, syncedAt time.Time) error
}

const templateColumns = `
	id, code, name, active, url, method, headers, body, params, password_policy,
	response_id_path, response_autologin_path,
	pull_enabled, pull_url, pull_method, pull_headers, pull_body, pull_interval, pull_last_sync,
	created_at, updated_at`

type templateRepository struct {
	db *sql.DB
}

// NewTemplateRepository creates a new TemplateRepository instance
func NewTemplateRepository(db *sql.DB) TemplateRepository {
	return &templateRepository{
		db: db,
	}
}

func scanTemplate(row rowScanner) (*models.BrokerTemplate, error) {
	tpl := &models.BrokerTemplate{}
	var params, policy []byte
	var lastSync sql.NullTime

	err := row.Scan(
		&tpl.ID,
		&tpl.Code,
		&tpl.Name,
		&tpl.Active,
		&tpl.URL,
		&tpl.Method,
		&tpl.Headers,
		&tpl.Body,
		&params,
		&policy,
		&tpl.ResponseIDPath,
		&tpl.ResponseAutologinPath,
		&tpl.PullEnabled,
		&tpl.PullURL,
		&tpl.PullMethod,
		&tpl.PullHeaders,
		&tpl.PullBody,
		&tpl.PullInterval,
		&lastSync,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &tpl.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of template %s: %w", tpl.Code, err)
		}
	}
	if len(policy) > 0 {
		if err := json.Unmarshal(policy, &tpl.PasswordPolicy); err != nil {
			return nil, fmt.Errorf("failed to decode password policy of template %s: %w", tpl.Code, err)
		}
	}
	if lastSync.Valid {
		tpl.PullLastSync = &lastSync.Time
	}

	return tpl, nil
}

// ListActive returns all active templates ordered by code
func (r *templateRepository) ListActive(ctx context.Context) ([]*models.BrokerTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM broker_templates WHERE active = TRUE ORDER BY code`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.BrokerTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, tpl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return templates, nil
}

// GetByCode returns a template by its case-insensitive code
func (r *templateRepository) GetByCode(ctx context.Context, code string) (*models.BrokerTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM broker_templates WHERE UPPER(code) = $1`

	tpl, err := scanTemplate(r.db.QueryRowContext(ctx, query, models.NormalizeCode(code)))
	if err == sql.ErrNoRows {
		return nil, models.NewNotFoundError("broker template", code)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}

	return tpl, nil
}

// UpdatePullLastSync advances the reconciliation watermark of a template
func (r *templateRepository) UpdatePullLastSync(ctx context.Context, id int64, syncedAt time.Time) error {
	query := `
		UPDATE broker_templates
		SET pull_last_sync = $1, updated_at = $2
		WHERE id = $3
	`

	result, err := r.db.ExecContext(ctx, query, syncedAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update pull last sync: %w", err)
	}

	return expectOneRow(result, "broker template", id)
}

package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/checkfox/go_broker/internal/models"
)

// BoxRepository reads boxes together with their broker lists
type BoxRepository interface {
	// GetByID returns a box by ID
	GetByID(ctx context.Context, id int64) (*models.Box, error)

	// FindByCountry returns the box scoped to a country (case-insensitive)
	FindByCountry(ctx context.Context, country string) (*models.Box, error)

	// FindUniversal returns the box without a country scope
	FindUniversal(ctx context.Context) (*models.Box, error)
}

type boxRepository struct {
	db *sql.DB
}

// NewBoxRepository creates a new BoxRepository instance
func NewBoxRepository(db *sql.DB) BoxRepository {
	return &boxRepository{
		db: db,
	}
}

// GetByID returns a box by ID
func (r *boxRepository) GetByID(ctx context.Context, id int64) (*models.Box, error) {
	return r.findOne(ctx, `SELECT id, name, country FROM boxes WHERE id = $1`, id)
}

// FindByCountry returns the oldest box scoped to the country
func (r *boxRepository) FindByCountry(ctx context.Context, country string) (*models.Box, error) {
	return r.findOne(ctx,
		`SELECT id, name, country FROM boxes WHERE UPPER(country) = UPPER($1) ORDER BY id LIMIT 1`,
		country)
}

// FindUniversal returns the oldest box without a country
func (r *boxRepository) FindUniversal(ctx context.Context) (*models.Box, error) {
	return r.findOne(ctx,
		`SELECT id, name, country FROM boxes WHERE country IS NULL OR country = '' ORDER BY id LIMIT 1`)
}

func (r *boxRepository) findOne(ctx context.Context, query string, args ...interface{}) (*models.Box, error) {
	box := &models.Box{}
	var country sql.NullString

	err := r.db.QueryRowContext(ctx, query, args...).Scan(&box.ID, &box.Name, &country)
	if err == sql.ErrNoRows {
		key := "universal"
		if len(args) > 0 {
			key = fmt.Sprint(args[0])
		}
		return nil, models.NewNotFoundError("box", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get box: %w", err)
	}

	if country.Valid {
		box.Country = &country.String
	}

	brokers, err := r.listBrokers(ctx, box.ID)
	if err != nil {
		return nil, err
	}
	box.Brokers = brokers

	return box, nil
}

func (r *boxRepository) listBrokers(ctx context.Context, boxID int64) ([]models.BoxBroker, error) {
	query := `
		SELECT broker_code, broker_name, priority, delivery_enabled, delivery_from, delivery_to, lead_cap
		FROM box_brokers
		WHERE box_id = $1
		ORDER BY priority ASC, id ASC
	`

	rows, err := r.db.QueryContext(ctx, query, boxID)
	if err != nil {
		return nil, fmt.Errorf("failed to query box brokers: %w", err)
	}
	defer rows.Close()

	var brokers []models.BoxBroker
	for rows.Next() {
		var b models.BoxBroker
		var leadCap sql.NullInt64
		if err := rows.Scan(
			&b.BrokerCode,
			&b.BrokerName,
			&b.Priority,
			&b.DeliveryEnabled,
			&b.DeliveryFrom,
			&b.DeliveryTo,
			&leadCap,
		); err != nil {
			return nil, fmt.Errorf("failed to scan box broker: %w", err)
		}
		if leadCap.Valid {
			c := int(leadCap.Int64)
			b.LeadCap = &c
		}
		brokers = append(brokers, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return brokers, nil
}

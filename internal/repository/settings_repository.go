package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/checkfox/go_broker/internal/models"
)

// SettingTimezone is the CRM-wide timezone used for delivery windows
const SettingTimezone = "timezone"

// SettingsRepository reads CRM-wide key/value settings
type SettingsRepository interface {
	// GetSetting returns the value stored under key, or a NotFoundError
	GetSetting(ctx context.Context, key string) (string, error)
}

type settingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository creates a new SettingsRepository instance
func NewSettingsRepository(db *sql.DB) SettingsRepository {
	return &settingsRepository{
		db: db,
	}
}

func (r *settingsRepository) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", models.NewNotFoundError("setting", key)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

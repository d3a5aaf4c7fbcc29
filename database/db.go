package database

import (
	"errors"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relay-backend/config"
)

// Connect opens the Postgres connection described by cfg.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := strings.TrimSpace(cfg.URL)
	if dsn == "" {
		return nil, errors.New("RELAY_DATABASE_URL is required (PostgreSQL URL)")
	}
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return nil, errors.New("RELAY_DATABASE_URL must be a postgres:// or postgresql:// URL")
	}

	return gorm.Open(postgres.Open(dsn), &gorm.Config{
		// Keep bound values (credentials, sealed payloads) out of the SQL log.
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
}

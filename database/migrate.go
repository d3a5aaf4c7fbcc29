package database

import (
	"fmt"

	"gorm.io/gorm"

	"relay-backend/models"
)

// Migrate applies (idempotent) schema migrations:
// - AutoMigrate (tables/columns)
// - Indexes the tags cannot express
// - CHECK constraints on enum columns
func Migrate(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		// --- AutoMigrate tables/columns/index tags (non-destructive) ---
		if err := tx.AutoMigrate(
			&models.Account{},
			&models.Profile{},
			&models.ApiKey{},
			&models.IpEvent{},
			&models.Request{},
			&models.Message{},
			&models.IdempotencyKey{},
		); err != nil {
			return fmt.Errorf("automigrate failed: %w", err)
		}

		// --- Composite / helpful indexes (idempotent) ---
		indexes := []string{
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency_key ON messages (idempotency_key)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_request_created ON messages (request_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_requests_pending_expiry ON requests (expires_at) WHERE status = 'pending'`,
			`CREATE INDEX IF NOT EXISTS idx_api_keys_previous_hash ON api_keys (previous_key_hash) WHERE previous_key_hash <> ''`,
		}
		for _, stmt := range indexes {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("index migration failed on: %s - %w", stmt, err)
			}
		}

		// --- CHECK constraints (idempotent) ---
		checks := []struct{ table, name, expr string }{
			{"requests", "chk_requests_status", `status IN ('pending','reviewing','active','responded','closed','expired')`},
			{"messages", "chk_messages_sender_role", `sender_role IN ('consumer','provider')`},
			{"api_keys", "chk_api_keys_scope", `scope IN ('read','write','full','admin')`},
			{"api_keys", "chk_api_keys_rate_limit_pos", `rate_limit > 0`},
			{"ip_events", "chk_ip_events_status", `status IN ('allowed','pending','blacklisted')`},
		}
		for _, c := range checks {
			stmt := fmt.Sprintf(`DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM pg_constraint
					WHERE conrelid = '%s'::regclass
					  AND conname  = '%s'
				) THEN
					ALTER TABLE %s
					ADD CONSTRAINT %s
					CHECK (%s);
				END IF;
			END $$;`, c.table, c.name, c.table, c.name, c.expr)
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("check constraint migration failed on %s: %w", c.name, err)
			}
		}

		return nil
	})
}

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"relay-backend/models"
)

// Gorm is the Postgres-backed store.
type Gorm struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db}
}

func (g *Gorm) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return ErrDuplicate
	}
	return err
}

// isUniqueViolation catches SQLSTATE 23505 when TranslateError is off.
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "23505")
}

// Requests

func (g *Gorm) CreateRequest(ctx context.Context, req *models.Request) error {
	return translate(g.db.WithContext(ctx).Create(req).Error)
}

func (g *Gorm) ReferenceCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := g.db.WithContext(ctx).Model(&models.Request{}).Where("reference_code = ?", code).Count(&count).Error
	return count > 0, err
}

func (g *Gorm) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var req models.Request
	if err := g.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		return nil, translate(err)
	}
	return &req, nil
}

func (g *Gorm) GetRequestByReference(ctx context.Context, code string) (*models.Request, error) {
	var req models.Request
	if err := g.db.WithContext(ctx).Where("reference_code = ?", code).First(&req).Error; err != nil {
		return nil, translate(err)
	}
	return &req, nil
}

func (g *Gorm) ListRequestsByApiKey(ctx context.Context, apiKeyID string, limit int) ([]models.Request, error) {
	var out []models.Request
	q := g.db.WithContext(ctx).Where("api_key_id = ?", apiKeyID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

func (g *Gorm) ListRequestsForProvider(ctx context.Context, accountID, profileID string, statuses []models.RequestStatus, limit int) ([]models.Request, error) {
	var out []models.Request
	q := g.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Where("profile_id IS NULL OR profile_id = ?", profileID).
		Order("created_at DESC")
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

func (g *Gorm) TransitionRequest(ctx context.Context, id string, t Transition) (bool, error) {
	updates := make(map[string]any, len(t.Fields)+1)
	for k, v := range t.Fields {
		updates[k] = v
	}
	if t.To != "" {
		updates["status"] = t.To
	}

	q := g.db.WithContext(ctx).Model(&models.Request{}).
		Where("id = ?", id).
		Where("status IN ?", t.From)
	if t.RequireNoProviderKeys {
		q = q.Where("(provider_encryption_key IS NULL OR provider_encryption_key = '')")
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (g *Gorm) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res := g.db.WithContext(ctx).Model(&models.Request{}).
		Where("status = ? AND expires_at < ?", models.StatusPending, now).
		Update("status", models.StatusExpired)
	return res.RowsAffected, res.Error
}

func (g *Gorm) RecordWebhookAttempt(ctx context.Context, id string, attempts int, delivered bool, lastError string) error {
	return g.db.WithContext(ctx).Model(&models.Request{}).Where("id = ?", id).Updates(map[string]any{
		"webhook_attempts":   attempts,
		"webhook_delivered":  delivered,
		"webhook_last_error": lastError,
	}).Error
}

// Messages

func (g *Gorm) InsertMessage(ctx context.Context, msg *models.Message) (bool, error) {
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(msg)
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (g *Gorm) GetMessageByIdempotencyKey(ctx context.Context, key string) (*models.Message, error) {
	var msg models.Message
	if err := g.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&msg).Error; err != nil {
		return nil, translate(err)
	}
	return &msg, nil
}

func (g *Gorm) ListMessages(ctx context.Context, requestID string, after time.Time, limit int) ([]models.Message, error) {
	var out []models.Message
	q := g.db.WithContext(ctx).Where("request_id = ? AND created_at > ?", requestID, after).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return out, q.Find(&out).Error
}

// Accounts, profiles and keys

func (g *Gorm) CreateAccount(ctx context.Context, account *models.Account) error {
	return translate(g.db.WithContext(ctx).Create(account).Error)
}

func (g *Gorm) CreateProfile(ctx context.Context, profile *models.Profile) error {
	return translate(g.db.WithContext(ctx).Create(profile).Error)
}

func (g *Gorm) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var p models.Profile
	if err := g.db.WithContext(ctx).Where("id = ?", id).First(&p).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (g *Gorm) CreateApiKey(ctx context.Context, key *models.ApiKey) error {
	return translate(g.db.WithContext(ctx).Create(key).Error)
}

func (g *Gorm) GetApiKey(ctx context.Context, id string) (*models.ApiKey, error) {
	var k models.ApiKey
	if err := g.db.WithContext(ctx).Where("id = ?", id).First(&k).Error; err != nil {
		return nil, translate(err)
	}
	return &k, nil
}

func (g *Gorm) FindApiKeyBySecret(ctx context.Context, secret string) (*models.ApiKey, error) {
	var k models.ApiKey
	if err := g.db.WithContext(ctx).Where("key = ?", secret).First(&k).Error; err != nil {
		return nil, translate(err)
	}
	return &k, nil
}

func (g *Gorm) FindApiKeyByPreviousHash(ctx context.Context, hash string, now time.Time) (*models.ApiKey, error) {
	var k models.ApiKey
	err := g.db.WithContext(ctx).
		Where("previous_key_hash = ? AND previous_key_expires_at > ?", hash, now).
		First(&k).Error
	if err != nil {
		return nil, translate(err)
	}
	return &k, nil
}

func (g *Gorm) ListApiKeys(ctx context.Context, accountID string) ([]models.ApiKey, error) {
	var out []models.ApiKey
	return out, g.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at ASC").Find(&out).Error
}

func (g *Gorm) UpdateApiKey(ctx context.Context, id string, fields map[string]any) error {
	res := g.db.WithContext(ctx).Model(&models.ApiKey{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) BindMachineID(ctx context.Context, id, machineID string) (bool, error) {
	res := g.db.WithContext(ctx).Model(&models.ApiKey{}).
		Where("id = ? AND (machine_id IS NULL OR machine_id = '')", id).
		Update("machine_id", machineID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (g *Gorm) TouchApiKey(ctx context.Context, id string, at time.Time) error {
	return g.db.WithContext(ctx).Model(&models.ApiKey{}).Where("id = ?", id).UpdateColumn("last_used_at", at).Error
}

// IP events

func (g *Gorm) GetIpEvent(ctx context.Context, ownerID, ip string) (*models.IpEvent, error) {
	var ev models.IpEvent
	if err := g.db.WithContext(ctx).Where("owner_id = ? AND ip = ?", ownerID, ip).First(&ev).Error; err != nil {
		return nil, translate(err)
	}
	return &ev, nil
}

// RecordFirstSeenIp serializes first sightings per owner with a transaction
// scoped advisory lock so two new addresses cannot both be auto-allowed.
func (g *Gorm) RecordFirstSeenIp(ctx context.Context, ev *models.IpEvent) (*models.IpEvent, bool, error) {
	var stored models.IpEvent
	created := false
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", "ip_events:"+ev.OwnerID).Error; err != nil {
			return err
		}
		err := tx.Where("owner_id = ? AND ip = ?", ev.OwnerID, ev.IP).First(&stored).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		var n int64
		if err := tx.Model(&models.IpEvent{}).Where("owner_id = ?", ev.OwnerID).Count(&n).Error; err != nil {
			return err
		}
		ev.Status, ev.Attempts = models.IpAllowed, 0
		if n > 0 {
			ev.Status, ev.Attempts = models.IpPending, 1
		}
		if err := tx.Create(ev).Error; err != nil {
			return err
		}
		stored, created = *ev, true
		return nil
	})
	if err != nil {
		return nil, false, translate(err)
	}
	return &stored, created, nil
}

func (g *Gorm) CreateIpEvent(ctx context.Context, ev *models.IpEvent) error {
	return translate(g.db.WithContext(ctx).Create(ev).Error)
}

func (g *Gorm) IncrementIpAttempts(ctx context.Context, ownerID, ip string, threshold int, at time.Time) (*models.IpEvent, error) {
	var ev models.IpEvent
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ? AND ip = ?", ownerID, ip).First(&ev).Error; err != nil {
			return err
		}
		ev.Attempts++
		ev.LastSeenAt = at
		if ev.Status == models.IpPending && ev.Attempts >= threshold {
			ev.Status = models.IpBlacklisted
		}
		return tx.Model(&ev).Updates(map[string]any{
			"attempts":     ev.Attempts,
			"last_seen_at": ev.LastSeenAt,
			"status":       ev.Status,
		}).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &ev, nil
}

func (g *Gorm) TouchIpEvent(ctx context.Context, ownerID, ip string, at time.Time) error {
	return g.db.WithContext(ctx).Model(&models.IpEvent{}).
		Where("owner_id = ? AND ip = ?", ownerID, ip).
		Update("last_seen_at", at).Error
}

func (g *Gorm) SetIpStatus(ctx context.Context, ownerID, ip string, status models.IpStatus) error {
	updates := map[string]any{"status": status}
	if status == models.IpAllowed {
		updates["attempts"] = 0
	}
	res := g.db.WithContext(ctx).Model(&models.IpEvent{}).Where("owner_id = ? AND ip = ?", ownerID, ip).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) ListIpEvents(ctx context.Context, ownerID string) ([]models.IpEvent, error) {
	var out []models.IpEvent
	return out, g.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id ASC").Find(&out).Error
}

// Idempotency

func (g *Gorm) BeginIdempotent(ctx context.Context, rec *models.IdempotencyKey) (*models.IdempotencyKey, error) {
	var existing models.IdempotencyKey
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("api_key_id = ? AND key = ?", rec.ApiKeyID, rec.Key).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			existing = *rec
			return nil
		}
		// Lost a unique race: read the winner.
		return tx.Where("api_key_id = ? AND key = ?", rec.ApiKeyID, rec.Key).First(&existing).Error
	})
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

func (g *Gorm) CompleteIdempotent(ctx context.Context, apiKeyID, key string, status int, body []byte, at time.Time) error {
	return g.db.WithContext(ctx).Model(&models.IdempotencyKey{}).
		Where("api_key_id = ? AND key = ?", apiKeyID, key).
		Updates(map[string]any{
			"response_status": status,
			"response_body":   body,
			"completed_at":    &at,
		}).Error
}

func (g *Gorm) AbandonIdempotent(ctx context.Context, apiKeyID, key string) error {
	return g.db.WithContext(ctx).
		Where("api_key_id = ? AND key = ? AND response_status = 0", apiKeyID, key).
		Delete(&models.IdempotencyKey{}).Error
}

var _ Store = (*Gorm)(nil)

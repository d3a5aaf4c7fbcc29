// Package keys manages API key lifecycle for operators: issuing, rotating,
// deactivating, device binding and IP approval. The CLI and the admin
// endpoints both go through Service.
package keys

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"relay-backend/apperr"
	"relay-backend/guard"
	"relay-backend/models"
	"relay-backend/store"
	"relay-backend/utils"
)

const DefaultRateLimit = 60

type Store interface {
	store.KeyStore
	store.IpEventStore
}

type Service struct {
	store  Store
	hasher *guard.Hasher
	grace  time.Duration
	now    func() time.Time
}

func NewService(s Store, hasher *guard.Hasher, grace time.Duration) *Service {
	return &Service{store: s, hasher: hasher, grace: grace, now: func() time.Time { return time.Now().UTC() }}
}

// Issued carries a secret that is shown exactly once.
type Issued struct {
	Key    *models.ApiKey `json:"key"`
	Secret string         `json:"secret"`
}

type CreateInput struct {
	AccountID string       `json:"-"`
	ProfileID *string      `json:"profile_id" validate:"omitempty,uuid"`
	Name      string       `json:"name" validate:"max=128"`
	Scope     models.Scope `json:"scope" validate:"required,oneof=read write full admin"`
	RateLimit int          `json:"rate_limit" validate:"gte=0,lte=10000"`
}

type UpdateInput struct {
	Name      *string       `json:"name" validate:"omitempty,max=128"`
	Scope     *models.Scope `json:"scope" validate:"omitempty,oneof=read write full admin"`
	RateLimit *int          `json:"rate_limit" validate:"omitempty,gt=0,lte=10000"`
}

func (s *Service) CreateAccount(ctx context.Context, name, email string) (*models.Account, error) {
	acc := &models.Account{Name: strings.TrimSpace(name), Email: strings.ToLower(strings.TrimSpace(email))}
	if acc.Email == "" {
		return nil, apperr.Validation("email", "is required")
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Conflict("account_exists", "an account with this email already exists")
		}
		return nil, apperr.Internal(err)
	}
	return acc, nil
}

func (s *Service) CreateProfile(ctx context.Context, accountID, handle, displayName, channel string) (*models.Profile, error) {
	if channel == "" {
		channel = models.ChannelWeb
	}
	switch channel {
	case models.ChannelWeb, models.ChannelSlack, models.ChannelTelegram, models.ChannelEmail:
	default:
		return nil, apperr.Validation("channel", "must be web, slack, telegram or email")
	}
	p := &models.Profile{AccountID: accountID, Handle: strings.TrimSpace(handle), DisplayName: displayName, Channel: channel}
	if p.Handle == "" {
		return nil, apperr.Validation("handle", "is required")
	}
	if err := s.store.CreateProfile(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.Conflict("handle_taken", "profile handle is already taken")
		}
		return nil, apperr.Internal(err)
	}
	return p, nil
}

// Create issues a new key.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Issued, error) {
	if !in.Scope.Valid() {
		return nil, apperr.Validation("scope", "must be read, write, full or admin")
	}
	if in.RateLimit < 0 {
		return nil, apperr.Validation("rate_limit", "must be positive")
	}
	if in.RateLimit == 0 {
		in.RateLimit = DefaultRateLimit
	}
	if in.ProfileID != nil && *in.ProfileID == "" {
		in.ProfileID = nil
	}
	if in.ProfileID != nil {
		p, err := s.store.GetProfile(ctx, *in.ProfileID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && p.AccountID != in.AccountID) {
			return nil, apperr.Validation("profile_id", "unknown profile")
		}
		if err != nil {
			return nil, apperr.Internal(err)
		}
	}

	secret, err := guard.GenerateSecret(guard.ApiKeyPrefix)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	key := &models.ApiKey{
		Key:       secret,
		Name:      in.Name,
		AccountID: in.AccountID,
		ProfileID: in.ProfileID,
		Scope:     in.Scope,
		RateLimit: in.RateLimit,
		Active:    true,
	}
	if err := s.store.CreateApiKey(ctx, key); err != nil {
		return nil, apperr.Internal(err)
	}
	log.Infow("api key created", "key_id", key.ID, "account_id", key.AccountID, "scope", key.Scope)
	return &Issued{Key: key, Secret: secret}, nil
}

// Get loads a key. A non-empty accountID restricts the lookup to that account.
func (s *Service) Get(ctx context.Context, accountID, id string) (*models.ApiKey, error) {
	key, err := s.store.GetApiKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && accountID != "" && key.AccountID != accountID) {
		return nil, apperr.NotFound("api key")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return key, nil
}

func (s *Service) List(ctx context.Context, accountID string) ([]models.ApiKey, error) {
	out, err := s.store.ListApiKeys(ctx, accountID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// Update applies the non-nil fields of in.
func (s *Service) Update(ctx context.Context, accountID, id string, in *UpdateInput) (*models.ApiKey, error) {
	if _, err := s.Get(ctx, accountID, id); err != nil {
		return nil, err
	}
	if in.Scope != nil && !in.Scope.Valid() {
		return nil, apperr.Validation("scope", "must be read, write, full or admin")
	}
	utils.NormalizePtrDTO(in)
	fields := utils.UpdatesFromPtrDTO(in, nil)
	if len(fields) == 0 {
		return nil, apperr.Validation("body", "nothing to update")
	}
	if err := s.store.UpdateApiKey(ctx, id, fields); err != nil {
		return nil, apperr.Internal(err)
	}
	return s.Get(ctx, accountID, id)
}

// Rotate issues a new secret. The old one keeps working, via its keyed
// hash, until the grace period ends. grace <= 0 uses the service default.
func (s *Service) Rotate(ctx context.Context, accountID, id string, grace time.Duration) (*Issued, error) {
	key, err := s.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if !key.Active {
		return nil, apperr.Conflict("inactive_api_key", "cannot rotate a deactivated key")
	}
	if grace <= 0 {
		grace = s.grace
	}
	secret, err := guard.GenerateSecret(guard.ApiKeyPrefix)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	now := s.now()
	err = s.store.UpdateApiKey(ctx, id, map[string]any{
		"key":                     secret,
		"previous_key_hash":       s.hasher.RotationHash(key.Key),
		"previous_key_expires_at": now.Add(grace),
		"rotated_at":              now,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	log.Infow("api key rotated", "key_id", id, "grace", grace.String())
	key, err = s.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	return &Issued{Key: key, Secret: secret}, nil
}

func (s *Service) Deactivate(ctx context.Context, accountID, id string) (*models.ApiKey, error) {
	if _, err := s.Get(ctx, accountID, id); err != nil {
		return nil, err
	}
	if err := s.store.UpdateApiKey(ctx, id, map[string]any{"active": false}); err != nil {
		return nil, apperr.Internal(err)
	}
	log.Infow("api key deactivated", "key_id", id)
	return s.Get(ctx, accountID, id)
}

// SetDeviceSecret binds the key to a new device token and returns it. Any
// previous token stops working.
func (s *Service) SetDeviceSecret(ctx context.Context, accountID, id string) (string, error) {
	if _, err := s.Get(ctx, accountID, id); err != nil {
		return "", err
	}
	token, err := guard.GenerateSecret(guard.DeviceTokenPrefix)
	if err != nil {
		return "", apperr.Internal(err)
	}
	if err := s.store.UpdateApiKey(ctx, id, map[string]any{"device_secret_hash": s.hasher.DeviceHash(token)}); err != nil {
		return "", apperr.Internal(err)
	}
	log.Infow("device token issued", "key_id", id)
	return token, nil
}

// ipOwners lists the reputation owners a key's calls are recorded under:
// the key itself and, for provider keys, its profile.
func ipOwners(key *models.ApiKey) []string {
	owners := []string{key.ID}
	if key.IsProviderKey() {
		owners = append(owners, *key.ProfileID)
	}
	return owners
}

func (s *Service) ListIPs(ctx context.Context, accountID, id string) ([]models.IpEvent, error) {
	key, err := s.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	out := make([]models.IpEvent, 0)
	for _, owner := range ipOwners(key) {
		evs, err := s.store.ListIpEvents(ctx, owner)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		out = append(out, evs...)
	}
	return out, nil
}

// ApproveIP allows a pending or blacklisted address for the key.
func (s *Service) ApproveIP(ctx context.Context, accountID, id, ip string) error {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return apperr.Validation("ip", "is required")
	}
	key, err := s.Get(ctx, accountID, id)
	if err != nil {
		return err
	}
	approved := false
	for _, owner := range ipOwners(key) {
		err := s.store.SetIpStatus(ctx, owner, ip, models.IpAllowed)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return apperr.Internal(err)
		}
		approved = true
	}
	if !approved {
		return apperr.NotFound("ip record")
	}
	log.Infow("ip approved", "key_id", id, "ip", ip)
	return nil
}

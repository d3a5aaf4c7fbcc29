// Package guard authenticates and authorizes API-key gated calls.
//
// Every call runs the same sequence: credential lookup (with rotation
// fallback), active flag, IP reputation, scope, device token, machine
// fingerprint, then the per-key rate limit. Each rejection carries its own
// code and a hint the caller can act on.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"relay-backend/apperr"
	"relay-backend/metrics"
	"relay-backend/models"
	"relay-backend/store"
)

const (
	HeaderApiKey      = "x-api-key"
	HeaderDeviceToken = "x-device-token"
	HeaderMachineID   = "x-machine-id"

	DefaultIpThreshold = 20
)

type Variant int

const (
	// Consumer keys track IP reputation per key.
	Consumer Variant = iota
	// Provider keys must be linked to a profile; IP reputation is shared by
	// every key of that profile.
	Provider
)

func (v Variant) String() string {
	if v == Provider {
		return "provider"
	}
	return "consumer"
}

// Call is what the guard needs to know about an inbound request.
type Call struct {
	Credential  string
	IP          string
	Method      string
	DeviceToken string
	MachineID   string
	AdminOnly   bool
}

// Principal is an authenticated caller.
type Principal struct {
	Key *models.ApiKey
	// ViaPreviousSecret is set when the call used a rotated-out secret still
	// inside its grace window.
	ViaPreviousSecret bool
	Variant           Variant
}

// Store is the subset of persistence the guard touches.
type Store interface {
	store.KeyStore
	store.IpEventStore
}

type Guard struct {
	store     Store
	hasher    *Hasher
	limiter   Limiter
	variant   Variant
	threshold int
	now       func() time.Time
}

type Option func(*Guard)

func WithIpThreshold(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func New(s Store, hasher *Hasher, limiter Limiter, variant Variant, opts ...Option) *Guard {
	g := &Guard{
		store:     s,
		hasher:    hasher,
		limiter:   limiter,
		variant:   variant,
		threshold: DefaultIpThreshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) Variant() Variant { return g.variant }

func reject(err *apperr.Error) error {
	metrics.GuardRejections.WithLabelValues(err.Code).Inc()
	return err
}

// Authenticate runs the full check sequence for call.
func (g *Guard) Authenticate(ctx context.Context, call Call) (*Principal, error) {
	p, err := g.Resolve(ctx, call.Credential)
	if err != nil {
		return nil, err
	}
	key := p.Key

	if g.variant == Provider && !key.IsProviderKey() {
		return nil, reject(apperr.Forbidden("provider_key_required",
			"this endpoint needs a provider key",
			"use a key linked to a provider profile"))
	}

	if err := g.checkIP(ctx, g.ipOwner(key), call.IP); err != nil {
		return nil, err
	}

	if !ScopeAllows(key.Scope, call.Method, call.AdminOnly) {
		if call.AdminOnly {
			return nil, reject(apperr.Forbidden("admin_scope_required",
				"key management requires an admin key",
				"retry with a key that has the admin scope"))
		}
		return nil, reject(apperr.Forbidden("insufficient_scope",
			fmt.Sprintf("scope %q does not permit %s", key.Scope, call.Method),
			"use a key with write, full or admin scope"))
	}

	if key.DeviceSecretHash != "" {
		if call.DeviceToken == "" {
			return nil, reject(apperr.Forbidden("device_token_required",
				"this key is bound to a device",
				"send the device token in the "+HeaderDeviceToken+" header"))
		}
		if !g.hasher.DeviceMatches(call.DeviceToken, key.DeviceSecretHash) {
			return nil, reject(apperr.Forbidden("device_token_invalid",
				"device token does not match this key",
				"re-issue the device token for this key"))
		}
	}

	if err := g.checkMachine(ctx, key, call.MachineID); err != nil {
		return nil, err
	}

	limit := key.RateLimit
	if limit <= 0 {
		limit = 60
	}
	allowed, retry, err := g.limiter.Allow(ctx, key.ID, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !allowed {
		return nil, reject(apperr.RateLimited(retry))
	}

	if err := g.store.TouchApiKey(ctx, key.ID, g.now()); err != nil {
		log.Warnw("touch api key failed", "key_id", key.ID, "error", err)
	}
	return p, nil
}

// Resolve finds the active key for credential without the per-call checks.
func (g *Guard) Resolve(ctx context.Context, credential string) (*Principal, error) {
	if credential == "" {
		return nil, reject(apperr.Unauthenticated("missing_api_key",
			"API key is required",
			"send the key in the "+HeaderApiKey+" header"))
	}

	p := &Principal{Variant: g.variant}
	key, err := g.store.FindApiKeyBySecret(ctx, credential)
	if errors.Is(err, store.ErrNotFound) {
		key, err = g.store.FindApiKeyByPreviousHash(ctx, g.hasher.RotationHash(credential), g.now())
		p.ViaPreviousSecret = err == nil
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(apperr.Unauthenticated("invalid_api_key",
			"API key is not recognised",
			"check the key; rotated keys stop working when their grace period ends"))
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if !key.Active {
		return nil, reject(apperr.Unauthenticated("inactive_api_key",
			"API key has been deactivated",
			"ask an administrator to issue a new key"))
	}
	if p.ViaPreviousSecret {
		log.Infow("previous api key secret used", "key_id", key.ID)
	}
	p.Key = key
	return p, nil
}

func (g *Guard) ipOwner(key *models.ApiKey) string {
	if g.variant == Provider {
		return *key.ProfileID
	}
	return key.ID
}

func (g *Guard) checkIP(ctx context.Context, owner, ip string) error {
	now := g.now()
	ev, err := g.store.GetIpEvent(ctx, owner, ip)
	if errors.Is(err, store.ErrNotFound) {
		ev, err = g.recordNewIP(ctx, owner, ip, now)
		if err != nil {
			return apperr.Internal(err)
		}
		if ev.Status == models.IpAllowed {
			return nil
		}
		return reject(pendingIP(ip))
	}
	if err != nil {
		return apperr.Internal(err)
	}

	switch ev.Status {
	case models.IpAllowed:
		if err := g.store.TouchIpEvent(ctx, owner, ip, now); err != nil {
			log.Warnw("touch ip event failed", "owner", owner, "error", err)
		}
		return nil
	case models.IpBlacklisted:
		return reject(blacklistedIP(ip))
	default:
		ev, err = g.store.IncrementIpAttempts(ctx, owner, ip, g.threshold, now)
		if err != nil {
			return apperr.Internal(err)
		}
		if ev.Status == models.IpBlacklisted {
			log.Warnw("ip blacklisted", "owner", owner, "ip", ip, "attempts", ev.Attempts)
			return reject(blacklistedIP(ip))
		}
		return reject(pendingIP(ip))
	}
}

// recordNewIP allows the first address an owner is ever seen from and
// records every later one as pending.
func (g *Guard) recordNewIP(ctx context.Context, owner, ip string, now time.Time) (*models.IpEvent, error) {
	ev, created, err := g.store.RecordFirstSeenIp(ctx, &models.IpEvent{
		OwnerID:     owner,
		IP:          ip,
		FirstSeenAt: now,
		LastSeenAt:  now,
	})
	if err != nil {
		return nil, err
	}
	if created && ev.Status == models.IpAllowed {
		log.Infow("first ip auto-allowed", "owner", owner, "ip", ip)
	}
	return ev, nil
}

func pendingIP(ip string) *apperr.Error {
	return apperr.Forbidden("ip_pending",
		fmt.Sprintf("calls from %s are pending approval", ip),
		"approve this IP with POST /v1/keys/{id}/ips/approve or `relay keys approve-ip`")
}

func blacklistedIP(ip string) *apperr.Error {
	return apperr.Forbidden("ip_blacklisted",
		fmt.Sprintf("calls from %s are blocked", ip),
		"an administrator must explicitly approve this IP")
}

func (g *Guard) checkMachine(ctx context.Context, key *models.ApiKey, machineID string) error {
	if key.MachineID == "" {
		if machineID == "" {
			return nil
		}
		bound, err := g.store.BindMachineID(ctx, key.ID, machineID)
		if err != nil {
			return apperr.Internal(err)
		}
		if bound {
			log.Infow("machine id bound", "key_id", key.ID)
			key.MachineID = machineID
			return nil
		}
		// someone else bound first; compare against the stored value
		fresh, err := g.store.GetApiKey(ctx, key.ID)
		if err != nil {
			return apperr.Internal(err)
		}
		key.MachineID = fresh.MachineID
	}
	if machineID == "" {
		return reject(apperr.Forbidden("machine_id_required",
			"this key is bound to a machine",
			"send the machine fingerprint in the "+HeaderMachineID+" header"))
	}
	if machineID != key.MachineID {
		return reject(apperr.Forbidden("machine_id_mismatch",
			"machine fingerprint does not match the one bound to this key",
			"use the key from its original machine or issue a new key"))
	}
	return nil
}

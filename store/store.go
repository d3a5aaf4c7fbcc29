// Package store defines persistence for the relay. Gorm is the production
// implementation; Memory backs tests and single-process development runs.
//
// Status changes go through TransitionRequest, a single conditional update,
// so that concurrent close/key-exchange/respond calls have exactly one winner.
package store

import (
	"context"
	"errors"
	"time"

	"relay-backend/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

// Transition describes a conditional status update: it applies only when the
// current status is one of From and every Require predicate holds.
type Transition struct {
	From   []models.RequestStatus
	To     models.RequestStatus
	Fields map[string]any

	// RequireNoProviderKeys restricts the update to requests whose provider
	// keys are still unset.
	RequireNoProviderKeys bool
}

type RequestStore interface {
	CreateRequest(ctx context.Context, req *models.Request) error
	ReferenceCodeExists(ctx context.Context, code string) (bool, error)
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	GetRequestByReference(ctx context.Context, code string) (*models.Request, error)
	ListRequestsByApiKey(ctx context.Context, apiKeyID string, limit int) ([]models.Request, error)
	ListRequestsForProvider(ctx context.Context, accountID, profileID string, statuses []models.RequestStatus, limit int) ([]models.Request, error)
	// TransitionRequest reports whether the update matched.
	TransitionRequest(ctx context.Context, id string, t Transition) (bool, error)
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
	RecordWebhookAttempt(ctx context.Context, id string, attempts int, delivered bool, lastError string) error
}

type MessageStore interface {
	// InsertMessage reports created=false when the idempotency key already exists.
	InsertMessage(ctx context.Context, msg *models.Message) (created bool, err error)
	GetMessageByIdempotencyKey(ctx context.Context, key string) (*models.Message, error)
	ListMessages(ctx context.Context, requestID string, after time.Time, limit int) ([]models.Message, error)
}

type KeyStore interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	CreateProfile(ctx context.Context, profile *models.Profile) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	CreateApiKey(ctx context.Context, key *models.ApiKey) error
	GetApiKey(ctx context.Context, id string) (*models.ApiKey, error)
	FindApiKeyBySecret(ctx context.Context, secret string) (*models.ApiKey, error)
	// FindApiKeyByPreviousHash only returns keys whose grace period is still open at now.
	FindApiKeyByPreviousHash(ctx context.Context, hash string, now time.Time) (*models.ApiKey, error)
	ListApiKeys(ctx context.Context, accountID string) ([]models.ApiKey, error)
	UpdateApiKey(ctx context.Context, id string, fields map[string]any) error
	// BindMachineID sets the fingerprint only if none is bound; it reports
	// whether this call performed the binding.
	BindMachineID(ctx context.Context, id, machineID string) (bool, error)
	TouchApiKey(ctx context.Context, id string, at time.Time) error
}

type IpEventStore interface {
	GetIpEvent(ctx context.Context, ownerID, ip string) (*models.IpEvent, error)
	// RecordFirstSeenIp inserts ev as allowed when the owner has no events
	// yet and as pending with one attempt otherwise, in one atomic step. If
	// (owner, ip) already exists the stored event is returned and created is
	// false.
	RecordFirstSeenIp(ctx context.Context, ev *models.IpEvent) (stored *models.IpEvent, created bool, err error)
	// CreateIpEvent returns ErrDuplicate when (owner, ip) already exists.
	CreateIpEvent(ctx context.Context, ev *models.IpEvent) error
	// IncrementIpAttempts bumps the counter and blacklists at threshold.
	IncrementIpAttempts(ctx context.Context, ownerID, ip string, threshold int, at time.Time) (*models.IpEvent, error)
	TouchIpEvent(ctx context.Context, ownerID, ip string, at time.Time) error
	SetIpStatus(ctx context.Context, ownerID, ip string, status models.IpStatus) error
	ListIpEvents(ctx context.Context, ownerID string) ([]models.IpEvent, error)
}

type IdempotencyStore interface {
	// BeginIdempotent returns the existing record for (apiKeyID, key) or
	// creates a pending one from rec.
	BeginIdempotent(ctx context.Context, rec *models.IdempotencyKey) (*models.IdempotencyKey, error)
	CompleteIdempotent(ctx context.Context, apiKeyID, key string, status int, body []byte, at time.Time) error
	// AbandonIdempotent drops a pending record so a failed call can be retried.
	AbandonIdempotent(ctx context.Context, apiKeyID, key string) error
}

// Store is everything the relay persists.
type Store interface {
	RequestStore
	MessageStore
	KeyStore
	IpEventStore
	IdempotencyStore
	Ping(ctx context.Context) error
}

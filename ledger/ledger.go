// Package ledger owns the request lifecycle:
//
//	pending -> {reviewing, active} -> responded -> closed
//	pending -> expired
//
// closed and expired are terminal. Every status change is a single
// conditional update in the store, so concurrent callers racing on the same
// request get exactly one winner and everyone else re-reads the outcome.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"relay-backend/apperr"
	"relay-backend/envelope"
	"relay-backend/metrics"
	"relay-backend/models"
	"relay-backend/notify"
	"relay-backend/safety"
	"relay-backend/store"
)

// RequestTTL is how long a request may wait in pending before it expires.
const RequestTTL = 30 * time.Minute

// Store is the persistence the ledger needs.
type Store interface {
	store.RequestStore
	store.MessageStore
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
}

// Dispatcher pushes an answer to the consumer's webhook off the caller's path.
type Dispatcher interface {
	DeliverAsync(req *models.Request, msg *models.Message)
}

// SafetyChecker claims a verdict's receipt on Check. Release undoes the
// claim when the message is not stored.
type SafetyChecker interface {
	Check(ctx context.Context, requestID string, verdict *safety.Verdict) error
	Release(ctx context.Context, requestID string, verdict *safety.Verdict) error
}

type nopDispatcher struct{}

func (nopDispatcher) DeliverAsync(*models.Request, *models.Message) {}

type Ledger struct {
	store      Store
	notifier   *notify.Notifier
	dispatcher Dispatcher
	safety     SafetyChecker
	prefix     string
	now        func() time.Time
}

type Option func(*Ledger)

func WithNotifier(n *notify.Notifier) Option { return func(l *Ledger) { l.notifier = n } }

func WithDispatcher(d Dispatcher) Option { return func(l *Ledger) { l.dispatcher = d } }

func WithSafety(s SafetyChecker) Option { return func(l *Ledger) { l.safety = s } }

func WithReferencePrefix(p string) Option {
	return func(l *Ledger) {
		if p != "" {
			l.prefix = strings.ToUpper(p)
		}
	}
}

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func New(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:      s,
		notifier:   notify.NewNotifier(nil),
		dispatcher: nopDispatcher{},
		safety:     safety.NewVerifier("", safety.NewMemoryNonces(), 0),
		prefix:     "REQ",
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Prefix is the reference code prefix in use.
func (l *Ledger) Prefix() string { return l.prefix }

type HistoryMessage struct {
	Role    string `json:"role" validate:"required,max=32"`
	Content string `json:"content" validate:"required,max=20000"`
}

type SubmitInput struct {
	Question    string           `json:"question" validate:"max=20000"`
	Messages    []HistoryMessage `json:"messages" validate:"max=50,dive"`
	PublicKey   string           `json:"public_key" validate:"required,max=8192" normalize:"-"`
	SigningKey  string           `json:"signing_key" validate:"max=8192" normalize:"-"`
	CallbackURL string           `json:"callback_url" validate:"required,max=2048"`
	ProfileID   *string          `json:"profile_id" validate:"omitempty,uuid"`
	Metadata    map[string]any   `json:"metadata"`
}

type SubmitResult struct {
	ID              string               `json:"id"`
	ReferenceCode   string               `json:"reference_code"`
	Status          models.RequestStatus `json:"status"`
	WebhookSecret   string               `json:"webhook_secret"`
	ServerPublicKey string               `json:"server_public_key"`
	ExpiresAt       time.Time            `json:"expires_at"`
}

// ValidateCallbackURL accepts absolute http(s) URLs with a host.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.Validation("callback_url", "must be an absolute http or https URL")
	}
	return nil
}

func newWebhookSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(b), nil
}

// Submit creates a pending request owned by key.
func (l *Ledger) Submit(ctx context.Context, key *models.ApiKey, in SubmitInput) (*SubmitResult, error) {
	if strings.TrimSpace(in.Question) == "" && len(in.Messages) == 0 {
		return nil, apperr.Validation("question", "a question or at least one message is required")
	}
	if strings.TrimSpace(in.PublicKey) == "" {
		return nil, apperr.Validation("public_key", "is required")
	}
	if err := ValidateCallbackURL(in.CallbackURL); err != nil {
		return nil, err
	}
	if in.ProfileID != nil && *in.ProfileID != "" {
		profile, err := l.store.GetProfile(ctx, *in.ProfileID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && profile.AccountID != key.AccountID) {
			return nil, apperr.Validation("profile_id", "unknown provider profile")
		}
		if err != nil {
			return nil, apperr.Internal(err)
		}
	} else {
		in.ProfileID = nil
	}

	kp, err := envelope.GenerateKeypair()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	pubPEM, err := kp.PublicPEM()
	if err != nil {
		return nil, apperr.Internal(err)
	}
	privPEM, err := kp.PrivatePEM()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	var sealedQuestion, sealedHistory string
	if in.Question != "" {
		if sealedQuestion, err = envelope.Seal([]byte(in.Question), kp.Public); err != nil {
			return nil, apperr.Internal(err)
		}
	}
	if len(in.Messages) > 0 {
		raw, err := json.Marshal(in.Messages)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if sealedHistory, err = envelope.Seal(raw, kp.Public); err != nil {
			return nil, apperr.Internal(err)
		}
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return nil, apperr.Internal(err)
	}

	now := l.now()
	req := &models.Request{
		Status:                models.StatusPending,
		ApiKeyID:              key.ID,
		AccountID:             key.AccountID,
		ProfileID:             in.ProfileID,
		EncryptedQuestion:     sealedQuestion,
		EncryptedHistory:      sealedHistory,
		AtRestPublicKey:       pubPEM,
		AtRestPrivateKey:      privPEM,
		ConsumerSigningKey:    in.SigningKey,
		ConsumerEncryptionKey: in.PublicKey,
		WebhookURL:            in.CallbackURL,
		WebhookSecret:         secret,
		Metadata:              in.Metadata,
		CreatedAt:             now,
		ExpiresAt:             now.Add(RequestTTL),
	}

	// the existence check can race with another submit; the unique index decides
	for attempt := 0; ; attempt++ {
		if req.ReferenceCode, err = l.newReference(ctx); err != nil {
			return nil, apperr.Internal(err)
		}
		err = l.store.CreateRequest(ctx, req)
		if !errors.Is(err, store.ErrDuplicate) || attempt >= refMaxRetries {
			break
		}
		req.ID = ""
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}

	metrics.Transitions.WithLabelValues(string(models.StatusPending)).Inc()
	log.Infow("request submitted", "request_id", req.ID, "reference", req.ReferenceCode, "key_id", key.ID)
	l.notifyProvider(ctx, req, notify.Event{Type: notify.EventCreated, RequestID: req.ID, ReferenceCode: req.ReferenceCode, Status: string(req.Status)})

	return &SubmitResult{
		ID:              req.ID,
		ReferenceCode:   req.ReferenceCode,
		Status:          req.Status,
		WebhookSecret:   secret,
		ServerPublicKey: pubPEM,
		ExpiresAt:       req.ExpiresAt,
	}, nil
}

// DecryptQuestion opens the at-rest question and history of req.
func DecryptQuestion(req *models.Request) (question string, history []HistoryMessage, err error) {
	if req.EncryptedQuestion != "" {
		if question, err = envelope.OpenString(req.EncryptedQuestion, req.AtRestPrivateKey); err != nil {
			return "", nil, err
		}
	}
	if req.EncryptedHistory != "" {
		raw, err := envelope.OpenString(req.EncryptedHistory, req.AtRestPrivateKey)
		if err != nil {
			return "", nil, err
		}
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return "", nil, err
		}
	}
	return question, history, nil
}

func (l *Ledger) load(ctx context.Context, id string) (*models.Request, error) {
	req, err := l.store.GetRequest(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("request")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return req, nil
}

// expireIfDue moves an overdue pending request to expired and returns the
// current row.
func (l *Ledger) expireIfDue(ctx context.Context, req *models.Request) (*models.Request, error) {
	if req.Status != models.StatusPending || !l.now().After(req.ExpiresAt) {
		return req, nil
	}
	ok, err := l.store.TransitionRequest(ctx, req.ID, store.Transition{
		From: []models.RequestStatus{models.StatusPending},
		To:   models.StatusExpired,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if ok {
		metrics.Transitions.WithLabelValues(string(models.StatusExpired)).Inc()
		log.Infow("request expired", "request_id", req.ID)
	}
	return l.load(ctx, req.ID)
}

func rejectTerminal(req *models.Request) error {
	switch req.Status {
	case models.StatusClosed:
		return apperr.Conflict("request_closed", "request is closed")
	case models.StatusExpired:
		return apperr.Conflict("request_expired", "request has expired")
	}
	return nil
}

func (l *Ledger) providerTopic(req *models.Request) string {
	if req.ProfileID != nil {
		return notify.ProviderTopic(*req.ProfileID)
	}
	return notify.AccountTopic(req.AccountID)
}

func (l *Ledger) notifyProvider(ctx context.Context, req *models.Request, ev notify.Event) {
	channel := models.ChannelWeb
	if req.ProfileID != nil {
		if p, err := l.store.GetProfile(ctx, *req.ProfileID); err == nil {
			channel = p.Channel
		}
	}
	l.notifier.EmitFormatted(l.providerTopic(req), channel, ev)
}

func (l *Ledger) notifyBoth(ctx context.Context, req *models.Request, ev notify.Event) {
	ev.ReferenceCode = req.ReferenceCode
	l.notifier.Emit(notify.RequestTopic(req.ID), ev)
	l.notifyProvider(ctx, req, ev)
}

// ExpireDue sweeps every overdue pending request.
func (l *Ledger) ExpireDue(ctx context.Context) (int64, error) {
	n, err := l.store.ExpireDue(ctx, l.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.Transitions.WithLabelValues(string(models.StatusExpired)).Add(float64(n))
	}
	return n, nil
}

// StartExpiryWorker runs ExpireDue every interval until ctx is done. The
// lazy check on read stays authoritative; the sweep keeps lists accurate.
func (l *Ledger) StartExpiryWorker(ctx context.Context, interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n, err := l.ExpireDue(ctx)
				if err != nil {
					log.Errorw("expiry sweep failed", "error", err)
					continue
				}
				if n > 0 {
					log.Infow("expired requests", "count", n)
				}
			}
		}
	}()
}

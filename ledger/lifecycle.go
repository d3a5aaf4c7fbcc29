package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"relay-backend/apperr"
	"relay-backend/envelope"
	"relay-backend/metrics"
	"relay-backend/models"
	"relay-backend/notify"
	"relay-backend/store"
)

type KeyExchangeInput struct {
	SigningKey    string `json:"signing_key" validate:"required,max=8192" normalize:"-"`
	EncryptionKey string `json:"encryption_key" validate:"required,max=8192" normalize:"-"`
}

// ExchangeKeys records the provider's public keys. It is a one-time
// operation: a second call is rejected even while the request is open.
func (l *Ledger) ExchangeKeys(ctx context.Context, id string, in KeyExchangeInput) (*models.Request, error) {
	if strings.TrimSpace(in.SigningKey) == "" {
		return nil, apperr.Validation("signing_key", "is required")
	}
	if strings.TrimSpace(in.EncryptionKey) == "" {
		return nil, apperr.Validation("encryption_key", "is required")
	}

	req, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req, err = l.expireIfDue(ctx, req); err != nil {
		return nil, err
	}
	if err := keyExchangeAllowed(req); err != nil {
		return nil, err
	}

	fields := map[string]any{
		"provider_signing_key":    in.SigningKey,
		"provider_encryption_key": in.EncryptionKey,
	}
	ok, err := l.store.TransitionRequest(ctx, id, store.Transition{
		From:                  []models.RequestStatus{models.StatusPending, models.StatusReviewing},
		To:                    models.StatusActive,
		Fields:                fields,
		RequireNoProviderKeys: true,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if ok {
		metrics.Transitions.WithLabelValues(string(models.StatusActive)).Inc()
	} else {
		// already answered through the plaintext path; keep the status
		ok, err = l.store.TransitionRequest(ctx, id, store.Transition{
			From:                  []models.RequestStatus{models.StatusActive, models.StatusResponded},
			Fields:                fields,
			RequireNoProviderKeys: true,
		})
		if err != nil {
			return nil, apperr.Internal(err)
		}
	}

	fresh, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := keyExchangeAllowed(fresh); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("invalid_transition", "keys cannot be exchanged in status "+string(fresh.Status))
	}

	log.Infow("keys exchanged", "request_id", id, "status", fresh.Status)
	l.notifier.Emit(notify.RequestTopic(fresh.ID), notify.Event{
		Type:          notify.EventKeysExchanged,
		RequestID:     fresh.ID,
		ReferenceCode: fresh.ReferenceCode,
		Status:        string(fresh.Status),
	})
	return fresh, nil
}

func keyExchangeAllowed(req *models.Request) error {
	if err := rejectTerminal(req); err != nil {
		return err
	}
	if req.KeysExchanged() {
		return apperr.Conflict("keys_already_exchanged", "provider keys were already exchanged for this request")
	}
	return nil
}

// PollResult is what a consumer sees when checking on a request.
type PollResult struct {
	ID                    string               `json:"id"`
	ReferenceCode         string               `json:"reference_code"`
	Status                models.RequestStatus `json:"status"`
	CreatedAt             time.Time            `json:"created_at"`
	ExpiresAt             time.Time            `json:"expires_at"`
	RespondedAt           *time.Time           `json:"responded_at,omitempty"`
	ClosedAt              *time.Time           `json:"closed_at,omitempty"`
	ProviderSigningKey    string               `json:"provider_signing_key,omitempty"`
	ProviderEncryptionKey string               `json:"provider_encryption_key,omitempty"`
	AnswerChannel         string               `json:"answer_channel,omitempty"`
	ResponseEncrypted     string               `json:"response_encrypted,omitempty"`
	Response              string               `json:"response,omitempty"`
}

// Poll reports the state of a request. When caller is set it must be the
// key that submitted the request.
func (l *Ledger) Poll(ctx context.Context, id string, caller *models.ApiKey) (*PollResult, error) {
	req, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != nil && caller.ID != req.ApiKeyID {
		return nil, apperr.Forbidden("credential_mismatch",
			"this API key did not submit the request",
			"poll with the key used to submit, or without a key")
	}
	if req, err = l.expireIfDue(ctx, req); err != nil {
		return nil, err
	}
	return pollView(req), nil
}

func pollView(req *models.Request) *PollResult {
	out := &PollResult{
		ID:            req.ID,
		ReferenceCode: req.ReferenceCode,
		Status:        req.Status,
		CreatedAt:     req.CreatedAt,
		ExpiresAt:     req.ExpiresAt,
		RespondedAt:   req.RespondedAt,
		ClosedAt:      req.ClosedAt,
		AnswerChannel: req.AnswerChannel,
	}
	if req.KeysExchanged() {
		out.ProviderSigningKey = req.ProviderSigningKey
		out.ProviderEncryptionKey = req.ProviderEncryptionKey
	}
	if req.Response != nil && *req.Response != "" {
		sealed, err := envelope.SealString(*req.Response, req.ConsumerEncryptionKey)
		switch {
		case err == nil:
			out.ResponseEncrypted = sealed
		case errors.Is(err, envelope.ErrInvalidKey):
			// consumer registered a non-RSA key; messages carry confidentiality
			out.Response = *req.Response
		default:
			log.Errorw("sealing response failed", "request_id", req.ID, "error", err)
		}
	}
	return out
}

type CloseResult struct {
	ID       string               `json:"id"`
	Status   models.RequestStatus `json:"status"`
	ClosedAt *time.Time           `json:"closed_at,omitempty"`
}

// Close ends the conversation. Closing twice returns the original close
// time; closing an expired request reports expired and changes nothing.
func (l *Ledger) Close(ctx context.Context, id string, role models.SenderRole) (*CloseResult, error) {
	if role != "" && !role.Valid() {
		return nil, apperr.Validation("role", "must be consumer or provider")
	}
	req, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req, err = l.expireIfDue(ctx, req); err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return &CloseResult{ID: req.ID, Status: req.Status, ClosedAt: req.ClosedAt}, nil
	}

	now := l.now()
	ok, err := l.store.TransitionRequest(ctx, id, store.Transition{
		From: []models.RequestStatus{
			models.StatusPending, models.StatusReviewing, models.StatusActive, models.StatusResponded,
		},
		To:     models.StatusClosed,
		Fields: map[string]any{"closed_at": now},
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	fresh, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		metrics.Transitions.WithLabelValues(string(models.StatusClosed)).Inc()
		log.Infow("request closed", "request_id", id, "by", role)
		l.notifyBoth(ctx, fresh, notify.Event{
			Type:      notify.EventClosed,
			RequestID: fresh.ID,
			Status:    string(fresh.Status),
			Role:      string(role),
		})
	}
	return &CloseResult{ID: fresh.ID, Status: fresh.Status, ClosedAt: fresh.ClosedAt}, nil
}

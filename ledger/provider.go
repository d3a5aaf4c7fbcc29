package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"relay-backend/apperr"
	"relay-backend/metrics"
	"relay-backend/models"
	"relay-backend/notify"
	"relay-backend/store"
)

const DefaultListLimit = 50

type RespondInput struct {
	Response string `json:"response" validate:"required,max=20000" normalize:"-"`
}

// assigned loads a request the provider key may act on.
func (l *Ledger) assigned(ctx context.Context, key *models.ApiKey, id string) (*models.Request, error) {
	req, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.AccountID != key.AccountID ||
		(req.ProfileID != nil && (key.ProfileID == nil || *req.ProfileID != *key.ProfileID)) {
		return nil, apperr.NotFound("request")
	}
	return l.expireIfDue(ctx, req)
}

// Respond stores a provider's answer on the request itself. Consumers get
// it sealed to their key on poll and by webhook.
func (l *Ledger) Respond(ctx context.Context, key *models.ApiKey, id string, in RespondInput) (*models.Request, error) {
	if strings.TrimSpace(in.Response) == "" {
		return nil, apperr.Validation("response", "is required")
	}
	req, err := l.assigned(ctx, key, id)
	if err != nil {
		return nil, err
	}
	if err := rejectTerminal(req); err != nil {
		return nil, err
	}
	if req.Status == models.StatusResponded {
		return nil, apperr.Conflict("already_responded", "request already has a response")
	}

	now := l.now()
	ok, err := l.store.TransitionRequest(ctx, id, store.Transition{
		From: []models.RequestStatus{models.StatusPending, models.StatusReviewing, models.StatusActive},
		To:   models.StatusResponded,
		Fields: map[string]any{
			"response":       in.Response,
			"answer_channel": models.AnswerViaResponseField,
			"responded_at":   now,
		},
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	fresh, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := rejectTerminal(fresh); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("already_responded", "request already has a response")
	}

	metrics.Transitions.WithLabelValues(string(models.StatusResponded)).Inc()
	log.Infow("request responded", "request_id", id, "via", models.AnswerViaResponseField, "key_id", key.ID)
	l.dispatcher.DeliverAsync(fresh, nil)
	l.notifier.Emit(notify.RequestTopic(fresh.ID), notify.Event{
		Type:          notify.EventResponded,
		RequestID:     fresh.ID,
		ReferenceCode: fresh.ReferenceCode,
		Status:        string(fresh.Status),
		Role:          string(models.RoleProvider),
	})
	return fresh, nil
}

// Review marks a pending request as picked up by the provider. Reviewing an
// already reviewing request is a no-op.
func (l *Ledger) Review(ctx context.Context, key *models.ApiKey, id string) (*models.Request, error) {
	req, err := l.assigned(ctx, key, id)
	if err != nil {
		return nil, err
	}
	if err := rejectTerminal(req); err != nil {
		return nil, err
	}
	if req.Status == models.StatusReviewing {
		return req, nil
	}

	ok, err := l.store.TransitionRequest(ctx, id, store.Transition{
		From: []models.RequestStatus{models.StatusPending},
		To:   models.StatusReviewing,
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	fresh, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		if fresh.Status == models.StatusReviewing {
			return fresh, nil
		}
		if err := rejectTerminal(fresh); err != nil {
			return nil, err
		}
		return nil, apperr.Conflict("invalid_transition", "request is already "+string(fresh.Status))
	}

	metrics.Transitions.WithLabelValues(string(models.StatusReviewing)).Inc()
	l.notifier.Emit(notify.RequestTopic(fresh.ID), notify.Event{
		Type:          notify.EventReviewing,
		RequestID:     fresh.ID,
		ReferenceCode: fresh.ReferenceCode,
		Status:        string(fresh.Status),
	})
	return fresh, nil
}

// ListForKey lists the requests submitted with key, newest first.
func (l *Ledger) ListForKey(ctx context.Context, key *models.ApiKey, limit int) ([]models.Request, error) {
	if limit <= 0 || limit > MaxMessageLimit {
		limit = DefaultListLimit
	}
	out, err := l.store.ListRequestsByApiKey(ctx, key.ID, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return out, nil
}

// GetByReference looks a request up by its reference code. Only keys of the
// owning account can see it.
func (l *Ledger) GetByReference(ctx context.Context, key *models.ApiKey, code string) (*PollResult, error) {
	req, err := l.store.GetRequestByReference(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("request")
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if req.AccountID != key.AccountID {
		return nil, apperr.NotFound("request")
	}
	if req, err = l.expireIfDue(ctx, req); err != nil {
		return nil, err
	}
	return pollView(req), nil
}

// ProviderRequest is a request as a provider sees it, with the question
// opened from its at-rest encryption.
type ProviderRequest struct {
	models.Request
	Question string           `json:"question,omitempty"`
	History  []HistoryMessage `json:"history,omitempty"`
}

// ListForProvider lists requests addressed to the provider's profile, or
// untargeted requests of its account.
func (l *Ledger) ListForProvider(ctx context.Context, key *models.ApiKey, statuses []models.RequestStatus, limit int) ([]ProviderRequest, error) {
	if !key.IsProviderKey() {
		return nil, apperr.Forbidden("provider_key_required", "this endpoint needs a provider key", "use a key linked to a provider profile")
	}
	for _, s := range statuses {
		if s.Rank() < 0 {
			return nil, apperr.Validation("status", "unknown status "+string(s))
		}
	}
	if limit <= 0 || limit > MaxMessageLimit {
		limit = DefaultListLimit
	}
	reqs, err := l.store.ListRequestsForProvider(ctx, key.AccountID, *key.ProfileID, statuses, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	out := make([]ProviderRequest, 0, len(reqs))
	for i := range reqs {
		pr := ProviderRequest{Request: reqs[i]}
		q, history, err := DecryptQuestion(&reqs[i])
		if err != nil {
			log.Errorw("opening request at rest failed", "request_id", reqs[i].ID, "error", err)
		} else {
			pr.Question, pr.History = q, history
		}
		out = append(out, pr)
	}
	return out, nil
}

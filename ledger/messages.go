package ledger

import (
	"context"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"relay-backend/apperr"
	"relay-backend/metrics"
	"relay-backend/models"
	"relay-backend/notify"
	"relay-backend/safety"
	"relay-backend/store"
)

const (
	MaxIdempotencyKeyLen = 128
	DefaultMessageLimit  = 100
	MaxMessageLimit      = 500
)

// MessageInput is either a plaintext message or a complete encrypted bundle.
type MessageInput struct {
	SenderRole     models.SenderRole `json:"sender_role" validate:"required,oneof=consumer provider"`
	IdempotencyKey string            `json:"idempotency_key" validate:"required,max=128"`
	Plaintext      string            `json:"plaintext" validate:"max=20000" normalize:"-"`
	Ciphertext     string            `json:"ciphertext" validate:"max=200000" normalize:"-"`
	IV             string            `json:"iv" validate:"max=255"`
	AuthTag        string            `json:"auth_tag" validate:"max=255"`
	Signature      string            `json:"signature" validate:"max=8192"`
	Safety         *safety.Verdict   `json:"safety"`
}

type MessageResult struct {
	Message   *models.Message      `json:"message"`
	Duplicate bool                 `json:"duplicate"`
	Status    models.RequestStatus `json:"status"`
}

// normalize turns plaintext input into the sentinel form and checks that an
// encrypted message carries every part of its bundle.
func (in MessageInput) normalize() (*models.Message, error) {
	if in.Plaintext != "" {
		return &models.Message{
			Ciphertext: base64.StdEncoding.EncodeToString([]byte(in.Plaintext)),
			IV:         models.PlaintextIV,
			AuthTag:    models.PlaintextAuthTag,
			Signature:  models.PlaintextSignature,
		}, nil
	}
	if in.IV == models.PlaintextIV {
		if in.Ciphertext == "" {
			return nil, apperr.Validation("ciphertext", "is required")
		}
		return &models.Message{
			Ciphertext: in.Ciphertext,
			IV:         models.PlaintextIV,
			AuthTag:    models.PlaintextAuthTag,
			Signature:  models.PlaintextSignature,
		}, nil
	}
	for _, f := range []struct{ name, value string }{
		{"ciphertext", in.Ciphertext},
		{"iv", in.IV},
		{"auth_tag", in.AuthTag},
		{"signature", in.Signature},
	} {
		if f.value == "" {
			return nil, apperr.Validation(f.name, "is required unless plaintext is sent")
		}
	}
	return &models.Message{
		Ciphertext: in.Ciphertext,
		IV:         in.IV,
		AuthTag:    in.AuthTag,
		Signature:  in.Signature,
	}, nil
}

// SendMessage appends a message to the conversation. Replaying an
// idempotency key returns the stored message marked duplicate and has no
// other effect.
func (l *Ledger) SendMessage(ctx context.Context, id string, in MessageInput) (*MessageResult, error) {
	if !in.SenderRole.Valid() {
		return nil, apperr.Validation("sender_role", "must be consumer or provider")
	}
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if in.IdempotencyKey == "" {
		return nil, apperr.Validation("idempotency_key", "is required")
	}
	if len(in.IdempotencyKey) > MaxIdempotencyKeyLen {
		return nil, apperr.Validation("idempotency_key", "must be at most 128 characters")
	}
	msg, err := in.normalize()
	if err != nil {
		return nil, err
	}

	req, err := l.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if req, err = l.expireIfDue(ctx, req); err != nil {
		return nil, err
	}
	if err := rejectTerminal(req); err != nil {
		return nil, err
	}

	if existing, err := l.store.GetMessageByIdempotencyKey(ctx, in.IdempotencyKey); err == nil {
		return l.duplicate(req, existing)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.Internal(err)
	}

	if !msg.IsPlaintext() {
		switch in.SenderRole {
		case models.RoleProvider:
			if !req.KeysExchanged() {
				return nil, apperr.Conflict("keys_not_exchanged", "provider must exchange keys first")
			}
		case models.RoleConsumer:
			if req.ConsumerEncryptionKey == "" {
				return nil, apperr.Conflict("keys_not_exchanged", "consumer must register keys first")
			}
		}
	}

	if err := l.safety.Check(ctx, req.ID, in.Safety); err != nil {
		return nil, err
	}

	msg.RequestID = req.ID
	msg.SenderRole = in.SenderRole
	msg.IdempotencyKey = in.IdempotencyKey
	msg.CreatedAt = l.now()
	if in.Safety != nil {
		msg.SafetyReceipt = in.Safety.Receipt
	}

	created, err := l.store.InsertMessage(ctx, msg)
	if err != nil {
		l.releaseReceipt(ctx, req.ID, in.Safety)
		return nil, apperr.Internal(err)
	}
	if !created {
		l.releaseReceipt(ctx, req.ID, in.Safety)
		existing, err := l.store.GetMessageByIdempotencyKey(ctx, in.IdempotencyKey)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		return l.duplicate(req, existing)
	}
	metrics.MessagesStored.WithLabelValues(string(in.SenderRole), "false").Inc()

	if in.SenderRole == models.RoleProvider {
		ok, err := l.store.TransitionRequest(ctx, req.ID, store.Transition{
			From: []models.RequestStatus{models.StatusPending, models.StatusReviewing, models.StatusActive},
			To:   models.StatusResponded,
			Fields: map[string]any{
				"responded_at":   msg.CreatedAt,
				"answer_channel": models.AnswerViaMessages,
			},
		})
		if err != nil {
			return nil, apperr.Internal(err)
		}
		if ok {
			metrics.Transitions.WithLabelValues(string(models.StatusResponded)).Inc()
			if req, err = l.load(ctx, req.ID); err != nil {
				return nil, err
			}
			log.Infow("request responded", "request_id", req.ID, "via", models.AnswerViaMessages)
			l.dispatcher.DeliverAsync(req, msg)
		}
	}

	ev := notify.Event{
		Type:          notify.EventMessage,
		RequestID:     req.ID,
		ReferenceCode: req.ReferenceCode,
		Status:        string(req.Status),
		Role:          string(in.SenderRole),
		MessageID:     msg.ID,
	}
	l.notifier.Emit(notify.RequestTopic(req.ID), ev)
	l.notifyProvider(ctx, req, ev)

	return &MessageResult{Message: msg, Status: req.Status}, nil
}

func (l *Ledger) releaseReceipt(ctx context.Context, requestID string, verdict *safety.Verdict) {
	if err := l.safety.Release(ctx, requestID, verdict); err != nil {
		log.Warnw("release safety receipt failed", "request_id", requestID, "error", err)
	}
}

func (l *Ledger) duplicate(req *models.Request, existing *models.Message) (*MessageResult, error) {
	if existing.RequestID != req.ID {
		return nil, apperr.Conflict("idempotency_key_conflict", "idempotency key was already used for another request")
	}
	metrics.MessagesStored.WithLabelValues(string(existing.SenderRole), "true").Inc()
	return &MessageResult{Message: existing, Duplicate: true, Status: req.Status}, nil
}

// ListMessages returns messages created after the given time, oldest first.
func (l *Ledger) ListMessages(ctx context.Context, id string, after time.Time, limit int) ([]models.Message, error) {
	if _, err := l.load(ctx, id); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		limit = MaxMessageLimit
	}
	msgs, err := l.store.ListMessages(ctx, id, after, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return msgs, nil
}

// ParseAfter reads the "after" cursor: RFC 3339 or unix milliseconds.
func ParseAfter(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, apperr.Validation("after", "must be RFC 3339 or unix milliseconds")
	}
	return time.UnixMilli(ms).UTC(), nil
}

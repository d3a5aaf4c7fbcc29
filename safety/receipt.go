// Package safety takes in content-safety verdicts attached to messages.
// Verdicts are produced elsewhere; the relay only enforces a block and
// refuses receipts it has already seen.
package safety

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"

	"relay-backend/apperr"
)

type Verdict struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty" validate:"omitempty,max=256"`
	Receipt string `json:"receipt,omitempty" validate:"omitempty,max=4096"`
}

// ReceiptClaims is the payload of a signed receipt. The token id is the
// replay nonce; Subject, when set, pins the receipt to one request.
type ReceiptClaims struct {
	Verdict string `json:"verdict,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	nonces NonceStore
	ttl    time.Duration
}

// NewVerifier builds a verifier. With an empty secret receipts are opaque
// strings and only replay-checked.
func NewVerifier(secret string, nonces NonceStore, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	v := &Verifier{nonces: nonces, ttl: ttl}
	if secret != "" {
		v.secret = []byte(secret)
	}
	return v
}

func replayed() *apperr.Error {
	return &apperr.Error{
		Status:  fiber.StatusConflict,
		Code:    "receipt_replayed",
		Message: "safety receipt has already been used",
		Hint:    "request a fresh safety check for this message",
	}
}

// Check rejects blocked content and invalid or replayed receipts.
func (v *Verifier) Check(ctx context.Context, requestID string, verdict *Verdict) error {
	if verdict == nil {
		return nil
	}
	if verdict.Blocked {
		return apperr.Unprocessable("content_blocked", "message was blocked by the content-safety check")
	}
	if verdict.Receipt == "" {
		return nil
	}

	nonce, err := v.nonce(requestID, verdict.Receipt)
	if err != nil {
		return err
	}
	fresh, err := v.nonces.Claim(ctx, nonce, v.ttl)
	if err != nil {
		return apperr.Internal(err)
	}
	if !fresh {
		return replayed()
	}
	return nil
}

// Release gives back the nonce a successful Check claimed for verdict.
func (v *Verifier) Release(ctx context.Context, requestID string, verdict *Verdict) error {
	if verdict == nil || verdict.Blocked || verdict.Receipt == "" {
		return nil
	}
	nonce, err := v.nonce(requestID, verdict.Receipt)
	if err != nil {
		return err
	}
	return v.nonces.Release(ctx, nonce)
}

func (v *Verifier) nonce(requestID, receipt string) (string, error) {
	if v.secret == nil {
		sum := sha256.Sum256([]byte(receipt))
		return hex.EncodeToString(sum[:]), nil
	}

	claims := &ReceiptClaims{}
	_, err := jwt.ParseWithClaims(receipt, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return "", apperr.Unprocessable("invalid_safety_receipt", "safety receipt could not be verified")
	}
	if claims.ID == "" {
		return "", apperr.Unprocessable("invalid_safety_receipt", "safety receipt has no id")
	}
	if claims.Subject != "" && claims.Subject != requestID {
		return "", apperr.Unprocessable("invalid_safety_receipt", "safety receipt was issued for another request")
	}
	if claims.Verdict == "blocked" {
		return "", apperr.Unprocessable("content_blocked", "message was blocked by the content-safety check")
	}
	return claims.ID, nil
}

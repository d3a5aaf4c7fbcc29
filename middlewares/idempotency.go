package middlewares

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"relay-backend/apperr"
	"relay-backend/models"
	"relay-backend/store"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	maxIdempotencyKeyLen = 128
)

// Idempotency processes Idempotency-Key for mutating HTTP methods. Records
// are scoped to the API key authenticated by ApiKeyGate, so it must run
// after the gate.
func Idempotency(s store.IdempotencyStore) fiber.Handler {
	return func(c *fiber.Ctx) error {
		method := strings.ToUpper(c.Method())
		if method != fiber.MethodPost && method != fiber.MethodPut && method != fiber.MethodPatch && method != fiber.MethodDelete {
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(HeaderIdempotencyKey))
		if key == "" {
			return c.Next()
		}
		if len(key) > maxIdempotencyKeyLen {
			return apperr.Validation("Idempotency-Key", "too long")
		}

		p := Principal(c)
		if p == nil {
			return apperr.Unauthenticated("missing_api_key", "auth context missing", "")
		}

		path := c.OriginalURL() // includes query string

		// Build deterministic request hash: method|path|body|api key
		h := sha256.New()
		h.Write([]byte(method))
		h.Write([]byte{'\n'})
		h.Write([]byte(path))
		h.Write([]byte{'\n'})
		h.Write(c.Body())
		h.Write([]byte{'\n'})
		h.Write([]byte(p.Key.ID))
		reqHash := hex.EncodeToString(h.Sum(nil))

		ctx := c.UserContext()
		rec := &models.IdempotencyKey{
			Key:         key,
			ApiKeyID:    p.Key.ID,
			RequestHash: reqHash,
			Method:      method,
			Path:        path,
		}
		existing, err := s.BeginIdempotent(ctx, rec)
		if err != nil {
			return apperr.Internal(err)
		}
		if existing.RequestHash != reqHash {
			return &apperr.Error{Status: fiber.StatusConflict, Code: "idempotency_key_reused", Message: "Idempotency-Key reuse with different request"}
		}
		if existing.ResponseStatus != 0 {
			c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
			return c.Status(existing.ResponseStatus).Send(existing.ResponseBody)
		}
		if rec.ID == 0 || existing.ID != rec.ID {
			// another call holding this key has not finished yet
			return &apperr.Error{Status: fiber.StatusConflict, Code: "idempotency_in_progress", Message: "a request with this Idempotency-Key is in progress"}
		}

		if err := c.Next(); err != nil {
			_ = s.AbandonIdempotent(ctx, p.Key.ID, key)
			return err
		}

		status := c.Response().StatusCode()
		if status >= fiber.StatusBadRequest {
			_ = s.AbandonIdempotent(ctx, p.Key.ID, key)
			return nil
		}
		resp := c.Response().Body()
		blob := make([]byte, len(resp))
		copy(blob, resp)
		if err := s.CompleteIdempotent(ctx, p.Key.ID, key, status, blob, time.Now().UTC()); err != nil {
			// best-effort: don't break the successful response
			log.Warnw("idempotency store failed", "key_id", p.Key.ID, "error", err)
		}
		return nil
	}
}

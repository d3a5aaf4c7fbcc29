package middlewares

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"relay-backend/apperr"
)

func TestErrorHandler(t *testing.T) {
	type payload struct {
		Name string `json:"display_name" validate:"required"`
	}
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{"app error", apperr.Forbidden("insufficient_scope", "nope", "use a write key"), fiber.StatusForbidden, "insufficient_scope", ""},
		{"rate limited", apperr.RateLimited(1500 * time.Millisecond), fiber.StatusTooManyRequests, "rate_limited", "2"},
		{"fiber error", fiber.ErrNotFound, fiber.StatusNotFound, "not_found", ""},
		{"validation", ValidateStruct(payload{}), fiber.StatusBadRequest, "validation_failed", ""},
		{"internal cause hidden", apperr.Internal(errors.New("dial tcp: password=hunter2")), fiber.StatusInternalServerError, "internal_error", ""},
		{"unknown", errors.New("boom"), fiber.StatusInternalServerError, "internal_error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
			app.Get("/", func(c *fiber.Ctx) error { return tt.err })

			resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/", nil), -1)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.status || body["error"] != tt.code {
				t.Errorf("got %d %v, want %d %s", resp.StatusCode, body, tt.status, tt.code)
			}
			if got := resp.Header.Get(fiber.HeaderRetryAfter); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
			if msg, _ := body["message"].(string); strings.Contains(msg, "hunter2") {
				t.Errorf("cause leaked: %q", msg)
			}
			if tt.code == "validation_failed" && body["field"] != "display_name" {
				t.Errorf("field = %v, want display_name", body["field"])
			}
		})
	}
}

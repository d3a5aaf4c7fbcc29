package middlewares

import (
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"relay-backend/apperr"
	"relay-backend/utils"
)

// ErrorHandler centralizes error responses and keeps messages sanitized.
// Bodies look like {"error": code, "message": ..., "hint": ..., "field": ...}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	// 1) Application errors carry their own status, code and hint
	if ae, ok := apperr.As(err); ok {
		if ae.Status >= fiber.StatusInternalServerError {
			log.Errorw("internal error", "path", c.Path(), "request_id", requestID(c), "error", utils.Redact(err.Error()))
		}
		if ae.RetryAfter > 0 {
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ae.RetryAfter.Seconds())))
		}
		body := fiber.Map{"error": ae.Code, "message": ae.Message}
		if ae.Hint != "" {
			body["hint"] = ae.Hint
		}
		if ae.Field != "" {
			body["field"] = ae.Field
		}
		return c.Status(ae.Status).JSON(body)
	}

	// 2) Fiber errors (use their status code + message)
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": codeForStatus(fe.Code), "message": fe.Message})
	}

	// 3) Validation errors (400 + per-field info)
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		out := make(map[string]string, len(ve))
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
		body := fiber.Map{
			"error":   "validation_failed",
			"message": "validation failed",
			"errors":  out,
		}
		if len(ve) > 0 {
			body["field"] = ve[0].Field()
		}
		return c.Status(fiber.StatusBadRequest).JSON(body)
	}

	// 4) Unknown errors (500)
	log.Errorw("unhandled error", "path", c.Path(), "request_id", requestID(c), "error", utils.Redact(err.Error()))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":   "internal_error",
		"message": "internal server error",
	})
}

func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusUnauthorized:
		return "unauthenticated"
	case fiber.StatusForbidden:
		return "forbidden"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusConflict:
		return "conflict"
	case fiber.StatusRequestEntityTooLarge:
		return "body_too_large"
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	}
	if status >= fiber.StatusInternalServerError {
		return "internal_error"
	}
	return "error"
}

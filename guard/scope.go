package guard

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"relay-backend/models"
)

func safeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
		return true
	}
	return false
}

// ScopeAllows reports whether scope may perform method. adminOnly marks
// key-management endpoints, which need admin whatever the verb.
func ScopeAllows(scope models.Scope, method string, adminOnly bool) bool {
	if adminOnly {
		return scope == models.ScopeAdmin
	}
	switch scope {
	case models.ScopeAdmin, models.ScopeFull:
		return true
	case models.ScopeWrite:
		return true
	case models.ScopeRead:
		return safeMethod(method)
	}
	return false
}

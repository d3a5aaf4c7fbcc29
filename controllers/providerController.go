package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"relay-backend/ledger"
	"relay-backend/middlewares"
	"relay-backend/models"
)

// ListProviderRequests handles GET /v1/provider/requests?status=pending,reviewing
func ListProviderRequests(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var statuses []models.RequestStatus
		for _, s := range strings.Split(c.Query("status"), ",") {
			if s = strings.TrimSpace(s); s != "" {
				statuses = append(statuses, models.RequestStatus(strings.ToLower(s)))
			}
		}
		out, err := l.ListForProvider(c.UserContext(), middlewares.Principal(c).Key, statuses, c.QueryInt("limit", ledger.DefaultListLimit))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"requests": out})
	}
}

func ReviewRequest(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		req, err := l.Review(c.UserContext(), middlewares.Principal(c).Key, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"id": req.ID, "status": req.Status})
	}
}

func RespondRequest(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in ledger.RespondInput
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		req, err := l.Respond(c.UserContext(), middlewares.Principal(c).Key, c.Params("id"), in)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{
			"id":             req.ID,
			"status":         req.Status,
			"answer_channel": req.AnswerChannel,
			"responded_at":   req.RespondedAt,
		})
	}
}

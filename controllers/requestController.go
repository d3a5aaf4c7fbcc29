package controllers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"relay-backend/apperr"
	"relay-backend/guard"
	"relay-backend/ledger"
	"relay-backend/middlewares"
	"relay-backend/models"
)

// SubmitRequest handles POST /v1/requests. The consumer guard has already
// authenticated the caller.
func SubmitRequest(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in ledger.SubmitInput
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		res, err := l.Submit(c.UserContext(), middlewares.Principal(c).Key, in)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

func ListRequests(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		out, err := l.ListForKey(c.UserContext(), middlewares.Principal(c).Key, c.QueryInt("limit", ledger.DefaultListLimit))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"requests": out})
	}
}

func GetRequestByReference(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		res, err := l.GetByReference(c.UserContext(), middlewares.Principal(c).Key, c.Params("code"))
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

// PollRequest is open to anyone holding the request id. A caller that also
// sends an API key must be the key that submitted the request.
func PollRequest(l *ledger.Ledger, g *guard.Guard) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var caller *models.ApiKey
		if credential := c.Get(guard.HeaderApiKey); credential != "" {
			p, err := g.Resolve(c.UserContext(), credential)
			if err != nil {
				return err
			}
			caller = p.Key
		}
		res, err := l.Poll(c.UserContext(), c.Params("id"), caller)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

func ExchangeKeys(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in ledger.KeyExchangeInput
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		req, err := l.ExchangeKeys(c.UserContext(), c.Params("id"), in)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"id": req.ID, "status": req.Status})
	}
}

func SendMessage(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in ledger.MessageInput
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		res, err := l.SendMessage(c.UserContext(), c.Params("id"), in)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

func ListMessages(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		after, err := ledger.ParseAfter(c.Query("after"))
		if err != nil {
			return err
		}
		limit := ledger.DefaultMessageLimit
		if raw := c.Query("limit"); raw != "" {
			if limit, err = strconv.Atoi(raw); err != nil {
				return apperr.Validation("limit", "must be a number")
			}
		}
		msgs, err := l.ListMessages(c.UserContext(), c.Params("id"), after, limit)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"messages": msgs})
	}
}

type closeRequestInput struct {
	Role models.SenderRole `json:"role" validate:"omitempty,oneof=consumer provider"`
}

func CloseRequest(l *ledger.Ledger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in closeRequestInput
		if len(c.Body()) > 0 {
			if err := middlewares.BindAndValidate(c, &in); err != nil {
				return err
			}
		}
		res, err := l.Close(c.UserContext(), c.Params("id"), in.Role)
		if err != nil {
			return err
		}
		return c.JSON(res)
	}
}

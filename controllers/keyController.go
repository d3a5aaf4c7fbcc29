package controllers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"relay-backend/apperr"
	"relay-backend/keys"
	"relay-backend/middlewares"
)

// Admin key endpoints. The admin key's account bounds every lookup.

func ListKeys(svc *keys.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		out, err := svc.List(c.UserContext(), middlewares.Principal(c).Key.AccountID)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"keys": out})
	}
}

func CreateKey(svc *keys.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in keys.CreateInput
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		in.AccountID = middlewares.Principal(c).Key.AccountID
		issued, err := svc.Create(c.UserContext(), in)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(issued)
	}
}

func UpdateKey(svc *keys.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in keys.UpdateInput
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		k, err := svc.Update(c.UserContext(), middlewares.Principal(c).Key.AccountID, c.Params("id"), &in)
		if err != nil {
			return err
		}
		return c.JSON(k)
	}
}

type rotateKeyInput struct {
	Grace string `json:"grace" validate:"max=32"`
}

func RotateKey(svc *keys.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in rotateKeyInput
		if len(c.Body()) > 0 {
			if err := middlewares.BindAndValidate(c, &in); err != nil {
				return err
			}
		}
		var grace time.Duration
		if in.Grace != "" {
			d, err := time.ParseDuration(in.Grace)
			if err != nil || d <= 0 {
				return apperr.Validation("grace", "must be a positive duration such as 24h")
			}
			grace = d
		}
		issued, err := svc.Rotate(c.UserContext(), middlewares.Principal(c).Key.AccountID, c.Params("id"), grace)
		if err != nil {
			return err
		}
		return c.JSON(issued)
	}
}

func DeactivateKey(svc *keys.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		k, err := svc.Deactivate(c.UserContext(), middlewares.Principal(c).Key.AccountID, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(k)
	}
}

func IssueDeviceToken(svc *keys.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		token, err := svc.SetDeviceSecret(c.UserContext(), middlewares.Principal(c).Key.AccountID, c.Params("id"))
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(fiber.Map{"device_token": token})
	}
}

func ListKeyIPs(svc *keys.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ips, err := svc.ListIPs(c.UserContext(), middlewares.Principal(c).Key.AccountID, c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"ips": ips})
	}
}

type approveIPInput struct {
	IP string `json:"ip" validate:"required,ip"`
}

func ApproveKeyIP(svc *keys.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var in approveIPInput
		if err := middlewares.BindAndValidate(c, &in); err != nil {
			return err
		}
		if err := svc.ApproveIP(c.UserContext(), middlewares.Principal(c).Key.AccountID, c.Params("id"), in.IP); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"ip": in.IP, "status": "allowed"})
	}
}

package middlewares

import (
	"github.com/gofiber/fiber/v2"

	"relay-backend/guard"
)

const localPrincipal = "principal"

type GateOptions struct {
	// AdminOnly requires an admin-scoped key.
	AdminOnly bool
	// BodyCredential accepts {"api_key": "..."} in a JSON body when the
	// header is absent.
	BodyCredential bool
}

// ApiKeyGate runs the guard for every request and stores the resulting
// principal in the request locals.
func ApiKeyGate(g *guard.Guard, opts GateOptions) fiber.Handler {
	return func(c *fiber.Ctx) error {
		credential := c.Get(guard.HeaderApiKey)
		if credential == "" && opts.BodyCredential && len(c.Body()) > 0 {
			var body struct {
				ApiKey string `json:"api_key"`
			}
			if err := c.BodyParser(&body); err == nil {
				credential = body.ApiKey
			}
		}

		p, err := g.Authenticate(c.UserContext(), guard.Call{
			Credential:  credential,
			IP:          c.IP(),
			Method:      c.Method(),
			DeviceToken: c.Get(guard.HeaderDeviceToken),
			MachineID:   c.Get(guard.HeaderMachineID),
			AdminOnly:   opts.AdminOnly,
		})
		if err != nil {
			return err
		}
		c.Locals(localPrincipal, p)
		return c.Next()
	}
}

// Principal returns the caller authenticated by ApiKeyGate, or nil.
func Principal(c *fiber.Ctx) *guard.Principal {
	p, _ := c.Locals(localPrincipal).(*guard.Principal)
	return p
}

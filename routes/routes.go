package routes

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-backend/controllers"
	"relay-backend/guard"
	"relay-backend/keys"
	"relay-backend/ledger"
	"relay-backend/middlewares"
	"relay-backend/store"
)

// Store is what the HTTP layer needs from persistence directly.
type Store interface {
	store.IdempotencyStore
	Ping(ctx context.Context) error
}

// AppConfig is the Fiber configuration every relay app runs with. Params and
// headers reach the store and async publishers, so they must not alias
// fasthttp's reused request buffers.
func AppConfig(bodyLimit int) fiber.Config {
	return fiber.Config{
		AppName:      "relay",
		ErrorHandler: middlewares.ErrorHandler,
		BodyLimit:    bodyLimit,
		Immutable:    true,
	}
}

type Deps struct {
	Ledger   *ledger.Ledger
	Keys     *keys.Service
	Consumer *guard.Guard
	Provider *guard.Guard
	Store    Store
}

// Register wires all HTTP routes.
func Register(app *fiber.App, d Deps) {
	app.Get("/healthz", controllers.Health(d.Store))
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := app.Group("/v1")

	consumer := middlewares.ApiKeyGate(d.Consumer, middlewares.GateOptions{})
	provider := middlewares.ApiKeyGate(d.Provider, middlewares.GateOptions{})
	admin := middlewares.ApiKeyGate(d.Consumer, middlewares.GateOptions{AdminOnly: true})

	// Consumer endpoints
	v1.Post("/requests",
		middlewares.ApiKeyGate(d.Consumer, middlewares.GateOptions{BodyCredential: true}),
		middlewares.Idempotency(d.Store),
		controllers.SubmitRequest(d.Ledger))
	v1.Get("/requests", consumer, controllers.ListRequests(d.Ledger))
	v1.Get("/requests/ref/:code", consumer, controllers.GetRequestByReference(d.Ledger))

	// Request-id bearer endpoints (the id is the capability)
	v1.Get("/requests/:id", controllers.PollRequest(d.Ledger, d.Consumer))
	v1.Post("/requests/:id/keys", controllers.ExchangeKeys(d.Ledger))
	v1.Post("/requests/:id/messages", controllers.SendMessage(d.Ledger))
	v1.Get("/requests/:id/messages", controllers.ListMessages(d.Ledger))
	v1.Post("/requests/:id/close", controllers.CloseRequest(d.Ledger))

	// Provider endpoints
	prov := v1.Group("/provider", provider)
	prov.Get("/requests", controllers.ListProviderRequests(d.Ledger))
	prov.Post("/requests/:id/review", controllers.ReviewRequest(d.Ledger))
	prov.Post("/requests/:id/respond", controllers.RespondRequest(d.Ledger))

	// Key administration
	k := v1.Group("/keys", admin)
	k.Get("", controllers.ListKeys(d.Keys))
	k.Post("", controllers.CreateKey(d.Keys))
	k.Patch("/:id", controllers.UpdateKey(d.Keys))
	k.Post("/:id/rotate", controllers.RotateKey(d.Keys))
	k.Post("/:id/deactivate", controllers.DeactivateKey(d.Keys))
	k.Post("/:id/device", controllers.IssueDeviceToken(d.Keys))
	k.Get("/:id/ips", controllers.ListKeyIPs(d.Keys))
	k.Post("/:id/ips/approve", controllers.ApproveKeyIP(d.Keys))
}

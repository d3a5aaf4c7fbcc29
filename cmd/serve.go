package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"relay-backend/config"
	"relay-backend/guard"
	"relay-backend/keys"
	"relay-backend/ledger"
	"relay-backend/notify"
	"relay-backend/routes"
	"relay-backend/safety"
	"relay-backend/webhook"
)

const sweepInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().String("listen", ":8080", "listen address")
	if err := v.BindPFlag("listen_addr", serveCmd.Flags().Lookup("listen")); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, c *config.Config) error {
	s, closeStore, err := openStore(c)
	if err != nil {
		return err
	}
	defer closeStore()

	rdb, err := openRedis(ctx, c)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	hasher, err := guard.NewHasher(c.Security.ServerSecret)
	if err != nil {
		return err
	}

	// Per-key rate limit window and receipt nonces are shared through redis
	// when configured, otherwise kept in process.
	var (
		lim    guard.Limiter
		nonces safety.NonceStore
	)
	if rdb != nil {
		lim = guard.NewRedisLimiter(rdb)
		nonces = safety.NewRedisNonces(rdb)
	} else {
		ml := guard.NewMemoryLimiter()
		go ml.Run(ctx, sweepInterval)
		mn := safety.NewMemoryNonces()
		go mn.Run(ctx, sweepInterval)
		lim, nonces = ml, mn
	}

	pub, err := publisher(c, rdb)
	if err != nil {
		return err
	}
	notifier := notify.NewNotifier(pub)
	deliverer := webhook.NewDeliverer(s, c.Webhook.Timeout, c.Webhook.Backoff)

	l := ledger.New(s,
		ledger.WithNotifier(notifier),
		ledger.WithDispatcher(deliverer),
		ledger.WithSafety(safety.NewVerifier(c.Safety.ReceiptSecret, nonces, c.Safety.NonceTTL)),
		ledger.WithReferencePrefix(c.Ledger.ReferencePrefix),
	)
	l.StartExpiryWorker(ctx, c.Ledger.ExpirySweepInterval)

	threshold := guard.WithIpThreshold(c.Security.IpBlacklistThreshold)
	app := newApp(c)
	routes.Register(app, routes.Deps{
		Ledger:   l,
		Keys:     keys.NewService(s, hasher, c.Security.RotationGrace),
		Consumer: guard.New(s, hasher, lim, guard.Consumer, threshold),
		Provider: guard.New(s, hasher, lim, guard.Provider, threshold),
		Store:    s,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Infow("relay listening", "addr", c.Server.ListenAddr, "store", c.Database.Driver, "broker", c.Broker.Mode)
		errCh <- app.Listen(c.Server.ListenAddr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Errorw("shutdown failed", "error", err)
	}
	// let in-flight webhooks and broker publishes finish
	deliverer.Wait()
	notifier.Wait()
	return nil
}

func newApp(c *config.Config) *fiber.App {
	app := fiber.New(routes.AppConfig(c.Server.BodyLimitBytes))

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${locals:requestid} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     c.Server.AllowedOrigins,
		AllowCredentials: false, // API keys travel in headers, not cookies
		AllowHeaders: "Origin, Content-Type, Accept, Idempotency-Key, " +
			guard.HeaderApiKey + ", " + guard.HeaderDeviceToken + ", " + guard.HeaderMachineID,
	}))

	// Global per-IP limiter in front of the per-key limits
	app.Use(limiter.New(limiter.Config{
		Max:        c.Server.GlobalRateLimit,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/healthz" || c.Path() == "/metrics"
		},
	}))
	return app
}

func publisher(c *config.Config, rdb *redis.Client) (notify.Publisher, error) {
	switch c.Broker.Mode {
	case "redis":
		if rdb == nil {
			return nil, errors.New("broker=redis needs RELAY_REDIS_URL")
		}
		return notify.NewRedisPublisher(rdb), nil
	case "http":
		return notify.NewHTTPPublisher(c.Broker.URL), nil
	}
	return notify.Nop{}, nil
}

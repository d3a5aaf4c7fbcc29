package cmd

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"relay-backend/config"
	"relay-backend/database"
	"relay-backend/store"
)

// openStore connects the configured backing store. The returned func
// releases it.
func openStore(c *config.Config) (store.Store, func(), error) {
	if c.Database.Driver == "memory" {
		log.Warnw("using in-memory store; data is lost on exit")
		return store.NewMemory(), func() {}, nil
	}
	db, err := database.Connect(c.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting database: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return store.NewGorm(db), closeFn, nil
}

// openRedis returns nil when no redis URL is configured.
func openRedis(ctx context.Context, c *config.Config) (*redis.Client, error) {
	if c.Redis.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(c.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting redis: %w", err)
	}
	return client, nil
}

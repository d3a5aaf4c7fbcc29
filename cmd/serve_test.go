package cmd

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"relay-backend/config"
	"relay-backend/notify"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    log.Level
		wantErr bool
	}{
		{"debug", log.LevelDebug, false},
		{"", log.LevelInfo, false},
		{"WARN", log.LevelWarn, false},
		{"error", log.LevelError, false},
		{"loud", log.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseLevel(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestPublisherSelection(t *testing.T) {
	c := &config.Config{Broker: config.BrokerConfig{Mode: "none"}}
	if p, err := publisher(c, nil); err != nil || p != (notify.Nop{}) {
		t.Errorf("none = %T, %v", p, err)
	}
	c.Broker = config.BrokerConfig{Mode: "http", URL: "http://broker.test/events"}
	if p, err := publisher(c, nil); err != nil {
		t.Errorf("http error = %v", err)
	} else if _, ok := p.(*notify.HTTPPublisher); !ok {
		t.Errorf("http = %T", p)
	}
	c.Broker = config.BrokerConfig{Mode: "redis"}
	if _, err := publisher(c, nil); err == nil {
		t.Error("redis without a client should fail")
	}
}

func TestNewAppGlobalLimit(t *testing.T) {
	app := newApp(&config.Config{Server: config.ServerConfig{
		BodyLimitBytes:  1 << 20,
		AllowedOrigins:  "*",
		GlobalRateLimit: 2,
	}})
	app.Get("/ping", func(c *fiber.Ctx) error { return c.SendString("pong") })

	var last int
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/ping", nil), -1)
		if err != nil {
			t.Fatal(err)
		}
		last = resp.StatusCode
	}
	if last != fiber.StatusTooManyRequests {
		t.Errorf("third call status = %d, want 429", last)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RELAY_SERVER_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("RELAY_STORE", "memory")

	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.Server.ListenAddr)
	}
	if cfg.Security.IpBlacklistThreshold != 20 {
		t.Errorf("IpBlacklistThreshold = %d, want 20", cfg.Security.IpBlacklistThreshold)
	}
	if cfg.Security.RotationGrace != 24*time.Hour {
		t.Errorf("RotationGrace = %v, want 24h", cfg.Security.RotationGrace)
	}
	want := []time.Duration{2 * time.Second, 10 * time.Second}
	if len(cfg.Webhook.Backoff) != len(want) || cfg.Webhook.Backoff[0] != want[0] || cfg.Webhook.Backoff[1] != want[1] {
		t.Errorf("Backoff = %v, want %v", cfg.Webhook.Backoff, want)
	}
	if cfg.Ledger.ReferencePrefix != "REQ" {
		t.Errorf("ReferencePrefix = %q, want REQ", cfg.Ledger.ReferencePrefix)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "short secret",
			env:  map[string]string{"RELAY_SERVER_SECRET": "short", "RELAY_STORE": "memory"},
		},
		{
			name: "postgres without url",
			env:  map[string]string{"RELAY_SERVER_SECRET": "0123456789abcdef0123456789abcdef", "RELAY_STORE": "postgres"},
		},
		{
			name: "redis broker without redis",
			env: map[string]string{
				"RELAY_SERVER_SECRET": "0123456789abcdef0123456789abcdef",
				"RELAY_STORE":         "memory",
				"RELAY_BROKER":        "redis",
			},
		},
		{
			name: "bad backoff",
			env: map[string]string{
				"RELAY_SERVER_SECRET":   "0123456789abcdef0123456789abcdef",
				"RELAY_STORE":           "memory",
				"RELAY_WEBHOOK_BACKOFF": "soon",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(New()); err == nil {
				t.Error("Load() error = nil, want error")
			}
		})
	}
}

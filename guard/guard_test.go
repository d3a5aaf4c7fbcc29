package guard

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"relay-backend/apperr"
	"relay-backend/models"
	"relay-backend/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	store   *store.Memory
	guard   *Guard
	hasher  *Hasher
	limiter *MemoryLimiter
	clock   *clock
	key     *models.ApiKey
}

func newFixture(t *testing.T, scope models.Scope, variant Variant) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	hasher, err := NewHasher(testSecret)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	limiter := NewMemoryLimiter()
	limiter.now = c.now

	account := &models.Account{Name: "acme", Email: "ops@acme.test"}
	if err := s.CreateAccount(ctx, account); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	key := &models.ApiKey{
		Key:       "rk_current",
		AccountID: account.ID,
		Scope:     scope,
		RateLimit: 60,
		Active:    true,
	}
	if variant == Provider {
		profile := &models.Profile{AccountID: account.ID, Handle: "alice"}
		if err := s.CreateProfile(ctx, profile); err != nil {
			t.Fatalf("CreateProfile: %v", err)
		}
		key.ProfileID = &profile.ID
	}
	if err := s.CreateApiKey(ctx, key); err != nil {
		t.Fatalf("CreateApiKey: %v", err)
	}

	g := New(s, hasher, limiter, variant, WithClock(c.now), WithIpThreshold(20))
	return &fixture{store: s, guard: g, hasher: hasher, limiter: limiter, clock: c, key: key}
}

func (f *fixture) call(ip string) Call {
	return Call{Credential: f.key.Key, IP: ip, Method: "GET"}
}

func wantCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", code)
	}
	if got := apperr.CodeOf(err); got != code {
		t.Fatalf("error code = %q (%v), want %q", got, err, code)
	}
}

func TestAuthenticateCredential(t *testing.T) {
	f := newFixture(t, models.ScopeRead, Consumer)
	ctx := context.Background()

	_, err := f.guard.Authenticate(ctx, Call{IP: "10.0.0.1", Method: "GET"})
	wantCode(t, err, "missing_api_key")

	_, err = f.guard.Authenticate(ctx, Call{Credential: "rk_nope", IP: "10.0.0.1", Method: "GET"})
	wantCode(t, err, "invalid_api_key")

	p, err := f.guard.Authenticate(ctx, f.call("10.0.0.1"))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if p.Key.ID != f.key.ID || p.ViaPreviousSecret {
		t.Errorf("principal = %+v", p)
	}

	if err := f.store.UpdateApiKey(ctx, f.key.ID, map[string]any{"active": false}); err != nil {
		t.Fatal(err)
	}
	_, err = f.guard.Authenticate(ctx, f.call("10.0.0.1"))
	wantCode(t, err, "inactive_api_key")
}

func TestRateLimitSixtyFirstCall(t *testing.T) {
	f := newFixture(t, models.ScopeRead, Consumer)
	ctx := context.Background()

	for i := 1; i <= 60; i++ {
		if _, err := f.guard.Authenticate(ctx, f.call("10.0.0.1")); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		f.clock.advance(500 * time.Millisecond)
	}

	_, err := f.guard.Authenticate(ctx, f.call("10.0.0.1"))
	wantCode(t, err, "rate_limited")
	ae, _ := apperr.As(err)
	if ae.Status != 429 {
		t.Errorf("status = %d, want 429", ae.Status)
	}
	if ae.RetryAfter <= 0 || !strings.Contains(ae.Hint, "retry after") {
		t.Errorf("retry hint missing: %+v", ae)
	}

	// the first call leaves the window a minute after it was made
	f.clock.advance(31 * time.Second)
	if _, err := f.guard.Authenticate(ctx, f.call("10.0.0.1")); err != nil {
		t.Errorf("call after window slid: %v", err)
	}
}

func TestIpReputation(t *testing.T) {
	f := newFixture(t, models.ScopeRead, Consumer)
	ctx := context.Background()

	if _, err := f.guard.Authenticate(ctx, f.call("10.0.0.1")); err != nil {
		t.Fatalf("first ip: %v", err)
	}

	_, err := f.guard.Authenticate(ctx, f.call("10.0.0.2"))
	wantCode(t, err, "ip_pending")
	ae, _ := apperr.As(err)
	if ae.Status != 403 || ae.Hint == "" {
		t.Errorf("pending rejection = %+v", ae)
	}

	for i := 0; i < 18; i++ {
		_, err = f.guard.Authenticate(ctx, f.call("10.0.0.2"))
		wantCode(t, err, "ip_pending")
	}
	_, err = f.guard.Authenticate(ctx, f.call("10.0.0.2"))
	wantCode(t, err, "ip_blacklisted")

	_, err = f.guard.Authenticate(ctx, f.call("10.0.0.2"))
	wantCode(t, err, "ip_blacklisted")

	if _, err := f.guard.Authenticate(ctx, f.call("10.0.0.1")); err != nil {
		t.Errorf("allowed ip rejected after blacklist of another: %v", err)
	}

	ev, err := f.store.GetIpEvent(ctx, f.key.ID, "10.0.0.2")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Status != models.IpBlacklisted || ev.Attempts < 20 {
		t.Errorf("ip event = %+v", ev)
	}
}

func TestApprovedIpPasses(t *testing.T) {
	f := newFixture(t, models.ScopeRead, Consumer)
	ctx := context.Background()

	_, _ = f.guard.Authenticate(ctx, f.call("10.0.0.1"))
	_, err := f.guard.Authenticate(ctx, f.call("10.0.0.2"))
	wantCode(t, err, "ip_pending")

	if err := f.store.SetIpStatus(ctx, f.key.ID, "10.0.0.2", models.IpAllowed); err != nil {
		t.Fatal(err)
	}
	if _, err := f.guard.Authenticate(ctx, f.call("10.0.0.2")); err != nil {
		t.Errorf("approved ip: %v", err)
	}
}

func TestConcurrentFirstIps(t *testing.T) {
	cases := []struct {
		name string
		ips  int
	}{
		{"two addresses", 2},
		{"many addresses", 16},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, models.ScopeRead, Consumer)
			ctx := context.Background()

			errs := make([]error, tc.ips)
			start := make(chan struct{})
			var wg sync.WaitGroup
			for i := 0; i < tc.ips; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					_, errs[i] = f.guard.Authenticate(ctx, f.call(fmt.Sprintf("10.9.0.%d", i+1)))
				}(i)
			}
			close(start)
			wg.Wait()

			allowed := 0
			for i, err := range errs {
				if err == nil {
					allowed++
					continue
				}
				if got := apperr.CodeOf(err); got != "ip_pending" {
					t.Errorf("ip %d: code = %q (%v), want ip_pending", i, got, err)
				}
			}
			if allowed != 1 {
				t.Errorf("auto-allowed %d addresses, want 1", allowed)
			}

			evs, err := f.store.ListIpEvents(ctx, f.key.ID)
			if err != nil {
				t.Fatal(err)
			}
			if len(evs) != tc.ips {
				t.Errorf("recorded %d events, want %d", len(evs), tc.ips)
			}
		})
	}
}

func TestRotationGrace(t *testing.T) {
	f := newFixture(t, models.ScopeRead, Consumer)
	ctx := context.Background()

	expires := f.clock.now().Add(time.Hour)
	err := f.store.UpdateApiKey(ctx, f.key.ID, map[string]any{
		"key":                     "rk_next",
		"previous_key_hash":       f.hasher.RotationHash("rk_current"),
		"previous_key_expires_at": expires,
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := f.guard.Authenticate(ctx, f.call("10.0.0.1"))
	if err != nil {
		t.Fatalf("old secret inside grace: %v", err)
	}
	if !p.ViaPreviousSecret {
		t.Error("ViaPreviousSecret = false")
	}
	if _, err := f.guard.Authenticate(ctx, Call{Credential: "rk_next", IP: "10.0.0.1", Method: "GET"}); err != nil {
		t.Fatalf("new secret: %v", err)
	}

	f.clock.advance(time.Hour + time.Second)
	_, err = f.guard.Authenticate(ctx, f.call("10.0.0.1"))
	wantCode(t, err, "invalid_api_key")
}

func TestScope(t *testing.T) {
	tests := []struct {
		scope     models.Scope
		method    string
		adminOnly bool
		code      string
	}{
		{models.ScopeRead, "GET", false, ""},
		{models.ScopeRead, "POST", false, "insufficient_scope"},
		{models.ScopeWrite, "POST", false, ""},
		{models.ScopeWrite, "DELETE", false, ""},
		{models.ScopeFull, "PATCH", false, ""},
		{models.ScopeFull, "GET", true, "admin_scope_required"},
		{models.ScopeAdmin, "POST", true, ""},
	}
	for _, tt := range tests {
		t.Run(string(tt.scope)+"_"+tt.method, func(t *testing.T) {
			f := newFixture(t, tt.scope, Consumer)
			_, err := f.guard.Authenticate(context.Background(), Call{
				Credential: f.key.Key, IP: "10.0.0.1", Method: tt.method, AdminOnly: tt.adminOnly,
			})
			if tt.code == "" {
				if err != nil {
					t.Fatalf("error = %v", err)
				}
				return
			}
			wantCode(t, err, tt.code)
		})
	}
}

func TestDeviceToken(t *testing.T) {
	f := newFixture(t, models.ScopeRead, Consumer)
	ctx := context.Background()
	err := f.store.UpdateApiKey(ctx, f.key.ID, map[string]any{"device_secret_hash": f.hasher.DeviceHash("dt_phone")})
	if err != nil {
		t.Fatal(err)
	}

	c := f.call("10.0.0.1")
	_, err = f.guard.Authenticate(ctx, c)
	wantCode(t, err, "device_token_required")

	c.DeviceToken = "dt_laptop"
	_, err = f.guard.Authenticate(ctx, c)
	wantCode(t, err, "device_token_invalid")

	c.DeviceToken = "dt_phone"
	if _, err := f.guard.Authenticate(ctx, c); err != nil {
		t.Errorf("matching device token: %v", err)
	}
}

func TestMachineBinding(t *testing.T) {
	f := newFixture(t, models.ScopeRead, Consumer)
	ctx := context.Background()

	c := f.call("10.0.0.1")
	if _, err := f.guard.Authenticate(ctx, c); err != nil {
		t.Fatalf("no fingerprint, none bound: %v", err)
	}

	c.MachineID = "machine-a"
	if _, err := f.guard.Authenticate(ctx, c); err != nil {
		t.Fatalf("first fingerprint: %v", err)
	}

	c.MachineID = "machine-b"
	_, err := f.guard.Authenticate(ctx, c)
	wantCode(t, err, "machine_id_mismatch")

	c.MachineID = ""
	_, err = f.guard.Authenticate(ctx, c)
	wantCode(t, err, "machine_id_required")

	k, _ := f.store.GetApiKey(ctx, f.key.ID)
	if k.MachineID != "machine-a" {
		t.Errorf("bound machine = %q, want machine-a", k.MachineID)
	}
}

func TestProviderVariant(t *testing.T) {
	consumer := newFixture(t, models.ScopeWrite, Consumer)
	g := New(consumer.store, consumer.hasher, consumer.limiter, Provider, WithClock(consumer.clock.now))
	_, err := g.Authenticate(context.Background(), consumer.call("10.0.0.1"))
	wantCode(t, err, "provider_key_required")

	f := newFixture(t, models.ScopeWrite, Provider)
	ctx := context.Background()
	if _, err := f.guard.Authenticate(ctx, f.call("10.0.0.1")); err != nil {
		t.Fatalf("provider key: %v", err)
	}
	events, err := f.store.ListIpEvents(ctx, *f.key.ProfileID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Status != models.IpAllowed {
		t.Errorf("profile ip events = %+v", events)
	}
}

func TestHasherKeyed(t *testing.T) {
	a, _ := NewHasher(testSecret)
	b, _ := NewHasher(strings.Repeat("z", 32))
	if a.DeviceHash("dt_x") == b.DeviceHash("dt_x") {
		t.Error("device hash does not depend on the server secret")
	}
	if a.DeviceHash("dt_x") == a.RotationHash("dt_x") {
		t.Error("device and rotation hashes share a key")
	}
	if !a.DeviceMatches("dt_x", a.DeviceHash("dt_x")) {
		t.Error("DeviceMatches rejected its own hash")
	}
}

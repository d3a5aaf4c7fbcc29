package keys

import (
	"context"
	"strings"
	"testing"
	"time"

	"relay-backend/apperr"
	"relay-backend/guard"
	"relay-backend/models"
	"relay-backend/store"
)

func newService(t *testing.T) (*Service, *store.Memory, *guard.Hasher, *models.Account) {
	t.Helper()
	s := store.NewMemory()
	h, err := guard.NewHasher("0123456789abcdef0123456789abcdef")
	if err != nil {
		t.Fatal(err)
	}
	svc := NewService(s, h, time.Hour)
	acc, err := svc.CreateAccount(context.Background(), "Acme", " Ops@Acme.test ")
	if err != nil {
		t.Fatal(err)
	}
	return svc, s, h, acc
}

func TestCreate(t *testing.T) {
	svc, _, _, acc := newService(t)
	ctx := context.Background()

	issued, err := svc.Create(ctx, CreateInput{AccountID: acc.ID, Name: "agent", Scope: models.ScopeWrite})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.HasPrefix(issued.Secret, guard.ApiKeyPrefix) || issued.Key.Key != issued.Secret {
		t.Errorf("secret = %q", issued.Secret)
	}
	if issued.Key.RateLimit != DefaultRateLimit || !issued.Key.Active {
		t.Errorf("key = %+v", issued.Key)
	}

	_, err = svc.Create(ctx, CreateInput{AccountID: acc.ID, Scope: "root"})
	if apperr.CodeOf(err) != "validation_failed" {
		t.Errorf("bad scope error = %v", err)
	}
	missing := "4b0a7c4e-0000-4000-8000-000000000000"
	_, err = svc.Create(ctx, CreateInput{AccountID: acc.ID, Scope: models.ScopeRead, ProfileID: &missing})
	if apperr.CodeOf(err) != "validation_failed" {
		t.Errorf("unknown profile error = %v", err)
	}

	if _, err := svc.CreateAccount(ctx, "Again", "ops@acme.test"); apperr.CodeOf(err) != "account_exists" {
		t.Errorf("duplicate account error = %v", err)
	}
}

func TestRotate(t *testing.T) {
	svc, s, h, acc := newService(t)
	ctx := context.Background()
	issued, _ := svc.Create(ctx, CreateInput{AccountID: acc.ID, Scope: models.ScopeRead})
	old := issued.Secret

	rotated, err := svc.Rotate(ctx, acc.ID, issued.Key.ID, 0)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if rotated.Secret == old {
		t.Fatal("rotation kept the old secret")
	}
	k := rotated.Key
	if k.PreviousKeyHash != h.RotationHash(old) || k.PreviousKeyExpiresAt == nil || k.RotatedAt == nil {
		t.Errorf("rotation fields = %+v", k)
	}
	if got := k.PreviousKeyExpiresAt.Sub(*k.RotatedAt); got != time.Hour {
		t.Errorf("grace = %v, want 1h", got)
	}

	if _, err := s.FindApiKeyByPreviousHash(ctx, h.RotationHash(old), time.Now()); err != nil {
		t.Errorf("old secret not findable inside grace: %v", err)
	}

	if _, err := svc.Rotate(ctx, "other-account", issued.Key.ID, 0); apperr.CodeOf(err) != "not_found" {
		t.Errorf("cross-account rotate error = %v", err)
	}
}

func TestDeactivateAndUpdate(t *testing.T) {
	svc, _, _, acc := newService(t)
	ctx := context.Background()
	issued, _ := svc.Create(ctx, CreateInput{AccountID: acc.ID, Scope: models.ScopeRead})

	name := "  renamed "
	scope := models.ScopeFull
	k, err := svc.Update(ctx, acc.ID, issued.Key.ID, &UpdateInput{Name: &name, Scope: &scope})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if k.Name != "renamed" || k.Scope != models.ScopeFull || k.RateLimit != DefaultRateLimit {
		t.Errorf("updated = %+v", k)
	}
	if _, err := svc.Update(ctx, acc.ID, issued.Key.ID, &UpdateInput{}); apperr.CodeOf(err) != "validation_failed" {
		t.Errorf("empty update error = %v", err)
	}

	k, err = svc.Deactivate(ctx, acc.ID, issued.Key.ID)
	if err != nil || k.Active {
		t.Fatalf("Deactivate() = %+v, %v", k, err)
	}
	if _, err := svc.Rotate(ctx, acc.ID, issued.Key.ID, 0); apperr.CodeOf(err) != "inactive_api_key" {
		t.Errorf("rotate inactive error = %v", err)
	}
}

func TestDeviceAndIPs(t *testing.T) {
	svc, s, h, acc := newService(t)
	ctx := context.Background()
	profile, err := svc.CreateProfile(ctx, acc.ID, "alice", "Alice", models.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	issued, err := svc.Create(ctx, CreateInput{AccountID: acc.ID, ProfileID: &profile.ID, Scope: models.ScopeWrite})
	if err != nil {
		t.Fatal(err)
	}

	token, err := svc.SetDeviceSecret(ctx, acc.ID, issued.Key.ID)
	if err != nil {
		t.Fatal(err)
	}
	k, _ := s.GetApiKey(ctx, issued.Key.ID)
	if !strings.HasPrefix(token, guard.DeviceTokenPrefix) || !h.DeviceMatches(token, k.DeviceSecretHash) {
		t.Errorf("device token %q not bound", token)
	}

	now := time.Now()
	_ = s.CreateIpEvent(ctx, &models.IpEvent{OwnerID: profile.ID, IP: "10.1.1.1", Status: models.IpAllowed, FirstSeenAt: now, LastSeenAt: now})
	_ = s.CreateIpEvent(ctx, &models.IpEvent{OwnerID: profile.ID, IP: "10.1.1.2", Status: models.IpBlacklisted, Attempts: 20, FirstSeenAt: now, LastSeenAt: now})

	ips, err := svc.ListIPs(ctx, acc.ID, issued.Key.ID)
	if err != nil || len(ips) != 2 {
		t.Fatalf("ListIPs() = %+v, %v", ips, err)
	}

	if err := svc.ApproveIP(ctx, acc.ID, issued.Key.ID, "10.1.1.2"); err != nil {
		t.Fatalf("ApproveIP() error = %v", err)
	}
	ev, _ := s.GetIpEvent(ctx, profile.ID, "10.1.1.2")
	if ev.Status != models.IpAllowed || ev.Attempts != 0 {
		t.Errorf("approved event = %+v", ev)
	}
	if err := svc.ApproveIP(ctx, acc.ID, issued.Key.ID, "192.0.2.9"); apperr.CodeOf(err) != "not_found" {
		t.Errorf("unknown ip error = %v", err)
	}

	if _, err := svc.CreateProfile(ctx, acc.ID, "bob", "", "fax"); apperr.CodeOf(err) != "validation_failed" {
		t.Errorf("bad channel error = %v", err)
	}
}

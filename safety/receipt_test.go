package safety

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"relay-backend/apperr"
)

func sign(t *testing.T, secret string, claims ReceiptClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCheckSigned(t *testing.T) {
	const secret = "receipt-secret"
	v := NewVerifier(secret, NewMemoryNonces(), time.Minute)
	ctx := context.Background()

	good := sign(t, secret, ReceiptClaims{
		Verdict:          "allowed",
		RegisteredClaims: jwt.RegisteredClaims{ID: "n-1", Subject: "req-1"},
	})

	tests := []struct {
		name    string
		request string
		verdict *Verdict
		code    string
	}{
		{"no verdict", "req-1", nil, ""},
		{"no receipt", "req-1", &Verdict{}, ""},
		{"blocked flag", "req-1", &Verdict{Blocked: true}, "content_blocked"},
		{"valid receipt", "req-1", &Verdict{Receipt: good}, ""},
		{"replayed receipt", "req-1", &Verdict{Receipt: good}, "receipt_replayed"},
		{"other request", "req-2", &Verdict{Receipt: sign(t, secret, ReceiptClaims{
			RegisteredClaims: jwt.RegisteredClaims{ID: "n-2", Subject: "req-1"},
		})}, "invalid_safety_receipt"},
		{"wrong secret", "req-1", &Verdict{Receipt: sign(t, "other", ReceiptClaims{
			RegisteredClaims: jwt.RegisteredClaims{ID: "n-3"},
		})}, "invalid_safety_receipt"},
		{"missing id", "req-1", &Verdict{Receipt: sign(t, secret, ReceiptClaims{})}, "invalid_safety_receipt"},
		{"blocked claim", "req-1", &Verdict{Receipt: sign(t, secret, ReceiptClaims{
			Verdict:          "blocked",
			RegisteredClaims: jwt.RegisteredClaims{ID: "n-4"},
		})}, "content_blocked"},
		{"garbage", "req-1", &Verdict{Receipt: "not-a-token"}, "invalid_safety_receipt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Check(ctx, tt.request, tt.verdict)
			if got := apperr.CodeOf(err); got != tt.code {
				t.Errorf("Check() code = %q (%v), want %q", got, err, tt.code)
			}
		})
	}
}

func TestCheckOpaqueReceipt(t *testing.T) {
	v := NewVerifier("", NewMemoryNonces(), time.Minute)
	ctx := context.Background()

	if err := v.Check(ctx, "req-1", &Verdict{Receipt: "opaque-1"}); err != nil {
		t.Fatalf("first use: %v", err)
	}
	err := v.Check(ctx, "req-1", &Verdict{Receipt: "opaque-1"})
	ae, ok := apperr.As(err)
	if !ok || ae.Status != 409 {
		t.Fatalf("replay = %v, want 409", err)
	}
	if err := v.Check(ctx, "req-1", &Verdict{Receipt: "opaque-2"}); err != nil {
		t.Errorf("distinct receipt: %v", err)
	}
}

func TestReleaseReopensReceipt(t *testing.T) {
	tests := []struct {
		name    string
		verdict *Verdict
	}{
		{"opaque receipt", &Verdict{Receipt: "opaque-r"}},
		{"no receipt", &Verdict{}},
		{"nil verdict", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier("", NewMemoryNonces(), time.Minute)
			ctx := context.Background()

			if err := v.Check(ctx, "req-1", tt.verdict); err != nil {
				t.Fatalf("first use: %v", err)
			}
			if err := v.Release(ctx, "req-1", tt.verdict); err != nil {
				t.Fatalf("Release() error = %v", err)
			}
			if err := v.Check(ctx, "req-1", tt.verdict); err != nil {
				t.Errorf("use after release: %v", err)
			}
		})
	}
}

func TestMemoryNoncesExpire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryNonces()
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if fresh, _ := m.Claim(ctx, "n", time.Minute); !fresh {
		t.Fatal("first claim not fresh")
	}
	if fresh, _ := m.Claim(ctx, "n", time.Minute); fresh {
		t.Fatal("second claim fresh")
	}
	now = now.Add(2 * time.Minute)
	m.Sweep()
	if len(m.expiry) != 0 {
		t.Errorf("%d nonces left after sweep", len(m.expiry))
	}
	if fresh, _ := m.Claim(ctx, "n", time.Minute); !fresh {
		t.Error("claim after ttl not fresh")
	}
}

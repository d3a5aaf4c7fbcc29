package guard

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterSweep(t *testing.T) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	l := NewMemoryLimiter()
	l.now = c.now
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		if ok, _, _ := l.Allow(ctx, key, 1); !ok {
			t.Fatalf("first call for %s rejected", key)
		}
	}
	if ok, retry, _ := l.Allow(ctx, "a", 1); ok || retry != Window {
		t.Fatalf("second call: ok=%v retry=%v", ok, retry)
	}

	c.advance(Window + time.Second)
	l.Sweep()
	if len(l.hits) != 0 {
		t.Errorf("%d keys left after sweep", len(l.hits))
	}
	if ok, _, _ := l.Allow(ctx, "a", 1); !ok {
		t.Error("call after window rejected")
	}
}

func TestMemoryLimiterPerKey(t *testing.T) {
	l := NewMemoryLimiter()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if ok, _, _ := l.Allow(ctx, "k1", 3); !ok {
			t.Fatalf("k1 call %d rejected", i)
		}
	}
	if ok, _, _ := l.Allow(ctx, "k1", 3); ok {
		t.Error("k1 over limit admitted")
	}
	if ok, _, _ := l.Allow(ctx, "k2", 3); !ok {
		t.Error("k2 throttled by k1")
	}
}

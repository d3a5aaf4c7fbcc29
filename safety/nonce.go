package safety

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore remembers receipt nonces for a while. Claim reports whether
// the nonce was unseen and records it. Release forgets a claimed nonce so
// a receipt whose message was never stored can be used again.
type NonceStore interface {
	Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, nonce string) error
}

type MemoryNonces struct {
	mu     sync.Mutex
	expiry map[string]time.Time
	now    func() time.Time
}

func NewMemoryNonces() *MemoryNonces {
	return &MemoryNonces{expiry: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryNonces) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.expiry[nonce]; ok && now.Before(exp) {
		return false, nil
	}
	m.expiry[nonce] = now.Add(ttl)
	return true, nil
}

func (m *MemoryNonces) Release(ctx context.Context, nonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.expiry, nonce)
	return nil
}

func (m *MemoryNonces) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for n, exp := range m.expiry {
		if !now.Before(exp) {
			delete(m.expiry, n)
		}
	}
}

func (m *MemoryNonces) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// RedisNonces shares seen nonces across instances with SET NX PX.
type RedisNonces struct {
	client redis.Cmdable
	prefix string
}

func NewRedisNonces(client redis.Cmdable) *RedisNonces {
	return &RedisNonces{client: client, prefix: "relay:nonce:"}
}

func (r *RedisNonces) Claim(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+nonce, 1, ttl).Result()
}

func (r *RedisNonces) Release(ctx context.Context, nonce string) error {
	return r.client.Del(ctx, r.prefix+nonce).Err()
}

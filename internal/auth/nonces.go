package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceGuard remembers used operator nonces until their message expires.
type NonceGuard interface {
	// Use reports whether nonce was unused, marking it used for ttl.
	Use(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

const nonceKeyPrefix = "drain:admin:nonce:"

type redisNonces struct{ rdb *redis.Client }

func RedisNonces(rdb *redis.Client) NonceGuard { return redisNonces{rdb: rdb} }

func (r redisNonces) Use(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, nonceKeyPrefix+nonce, 1, ttl).Result()
}

// memNonces is the guard for deployments without Redis. Entries are
// dropped lazily once expired.
type memNonces struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func MemoryNonces() NonceGuard {
	return &memNonces{seen: make(map[string]time.Time), now: time.Now}
}

func (m *memNonces) Use(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, exp := range m.seen {
		if !now.Before(exp) {
			delete(m.seen, k)
		}
	}
	if _, ok := m.seen[nonce]; ok {
		return false, nil
	}
	m.seen[nonce] = now.Add(ttl)
	return true, nil
}

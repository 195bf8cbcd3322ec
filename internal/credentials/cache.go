package credentials

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"callbridge/internal/errors"
)

// Credential is a cached bearer token with its expiry.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the credential may still be used at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && now.Before(c.ExpiresAt)
}

// Cache stores credentials by key. Get never returns an expired credential.
type Cache interface {
	Get(ctx context.Context, key string) (Credential, bool, error)
	Set(ctx context.Context, key string, c Credential) error
	Delete(ctx context.Context, key string) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]Credential
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: make(map[string]Credential), now: time.Now}
}

func (m *MemoryCache) Get(_ context.Context, key string) (Credential, bool, error) {
	m.mu.RLock()
	c, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || !c.Valid(m.now()) {
		return Credential{}, false, nil
	}
	return c, true, nil
}

func (m *MemoryCache) Set(_ context.Context, key string, c Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = c
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// RedisCache shares credentials between processes. Entries expire in Redis
// at ExpiresAt.
type RedisCache struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	return &RedisCache{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisCache) Get(ctx context.Context, key string) (Credential, bool, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, errors.Wrapf(err, "get credential %s", key)
	}
	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credential{}, false, errors.Wrapf(err, "decode credential %s", key)
	}
	if !c.Valid(r.now()) {
		return Credential{}, false, nil
	}
	return c, true, nil
}

func (r *RedisCache) Set(ctx context.Context, key string, c Credential) error {
	ttl := c.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return r.Delete(ctx, key)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encode credential")
	}
	if err := r.client.Set(ctx, r.prefix+key, raw, ttl).Err(); err != nil {
		return errors.Wrapf(err, "set credential %s", key)
	}
	return nil
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return errors.Wrapf(err, "delete credential %s", key)
	}
	return nil
}

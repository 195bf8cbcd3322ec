package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"callbridge/internal/errors"
)

// Locker serializes refresh-and-persist for one key.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is a process-local Locker.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { k.release(key, e, true) }) }, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// RedisLocker is a SET NX lease shared between processes. The lease expires
// on its own if the holder dies.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, retry: 50 * time.Millisecond}
}

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	owner, err := randomToken(16)
	if err != nil {
		return nil, err
	}
	full := r.prefix + key
	for {
		ok, err := r.client.SetNX(ctx, full, owner, r.ttl).Result()
		if err != nil {
			return nil, errors.Wrapf(err, "acquire lock %s", key)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, r.client, []string{full}, owner).Err()
	}, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "read random bytes")
	}
	return hex.EncodeToString(b), nil
}

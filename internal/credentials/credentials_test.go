package credentials

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"callbridge/internal/errors"
	"callbridge/internal/gateway"
	"callbridge/internal/models"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCache(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	cache := NewRedisCache(client, "cb:")
	cache.now = func() time.Time { return now }

	_, ok, err := cache.Get(ctx, "service:VOICE")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "service:VOICE", Credential{Token: "tok", ExpiresAt: now.Add(time.Minute)}))
	assert.Equal(t, time.Minute, mr.TTL("cb:service:VOICE"))

	c, ok, err := cache.Get(ctx, "service:VOICE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "tok", c.Token)

	now = now.Add(2 * time.Minute)
	_, ok, err = cache.Get(ctx, "service:VOICE")
	require.NoError(t, err)
	assert.False(t, ok, "expired entries are never returned")

	require.NoError(t, cache.Set(ctx, "service:VOICE", Credential{Token: "old", ExpiresAt: now.Add(-time.Second)}))
	assert.False(t, mr.Exists("cb:service:VOICE"))

	require.NoError(t, mr.Set("cb:broken", "{"))
	_, _, err = cache.Get(ctx, "broken")
	assert.Error(t, err)
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(ctx, "k", Credential{Token: "v", ExpiresAt: now.Add(time.Second)}))
	_, ok, _ := cache.Get(ctx, "k")
	assert.True(t, ok)

	require.NoError(t, cache.Delete(ctx, "k"))
	_, ok, _ = cache.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisLocker(t *testing.T) {
	mr, client := newRedis(t)
	locker := NewRedisLocker(client, "lock:", time.Second)
	locker.retry = 5 * time.Millisecond

	unlock, err := locker.Lock(context.Background(), "tenant:1:VOICE")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:tenant:1:VOICE"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "tenant:1:VOICE")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.False(t, mr.Exists("lock:tenant:1:VOICE"))

	unlock, err = locker.Lock(context.Background(), "tenant:1:VOICE")
	require.NoError(t, err)
	unlock()
}

func TestRedisLockerKeepsForeignLease(t *testing.T) {
	mr, client := newRedis(t)
	locker := NewRedisLocker(client, "lock:", time.Second)

	unlock, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	require.NoError(t, mr.Set("lock:k", "someone-else"))
	unlock()

	v, err := mr.Get("lock:k")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestKeyedMutex(t *testing.T) {
	km := NewKeyedMutex()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(context.Background(), "same")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				old := atomic.LoadInt32(&maxSeen)
				if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
	assert.Empty(t, km.locks)

	unlock, err := km.Lock(context.Background(), "held")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = km.Lock(ctx, "held")
	assert.ErrorIs(t, err, context.Canceled)
	unlock()
	unlock()
	assert.Empty(t, km.locks)
}

type fakeAuth struct {
	service models.Service
	calls   int
	token   gateway.Token
	err     error
}

func (f *fakeAuth) Service() models.Service { return f.service }

func (f *fakeAuth) Authenticate(context.Context) (gateway.Token, error) {
	f.calls++
	return f.token, f.err
}

func TestProvider(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	cache.now = func() time.Time { return now }
	voice := &fakeAuth{service: models.ServiceVoice, token: gateway.Token{Value: "v1", ExpiresIn: 10 * time.Minute}}
	chat := &fakeAuth{service: models.ServiceChat, err: errors.New("b2 down")}

	p := NewProvider(cache, time.Hour, time.Minute, zap.NewNop().Sugar(), voice, chat)
	p.now = func() time.Time { return now }

	tok, err := p.Token(ctx, models.ServiceVoice)
	require.NoError(t, err)
	assert.Equal(t, "v1", tok)
	tok, err = p.Token(ctx, models.ServiceVoice)
	require.NoError(t, err)
	assert.Equal(t, "v1", tok)
	assert.Equal(t, 1, voice.calls, "second call is served from cache")

	c, ok, _ := cache.Get(ctx, cacheKey(models.ServiceVoice))
	require.True(t, ok)
	assert.Equal(t, now.Add(9*time.Minute), c.ExpiresAt)

	now = now.Add(9 * time.Minute)
	voice.token.Value = "v2"
	tok, err = p.Token(ctx, models.ServiceVoice)
	require.NoError(t, err)
	assert.Equal(t, "v2", tok, "an expired credential is never handed out")

	require.NoError(t, p.Invalidate(ctx, models.ServiceVoice))
	_, ok, _ = cache.Get(ctx, cacheKey(models.ServiceVoice))
	assert.False(t, ok)

	_, err = p.Token(ctx, models.ServiceChat)
	assert.Error(t, err)

	n, err := p.RefreshAll(ctx)
	assert.Equal(t, 1, n)
	assert.ErrorContains(t, err, "b2 down")

	_, err = NewProvider(cache, 0, 0, zap.NewNop().Sugar()).Refresh(ctx, models.ServiceVoice)
	assert.Error(t, err)
}

func TestProviderDefaultTTL(t *testing.T) {
	ctx := context.Background()
	_, client := newRedis(t)
	now := time.Now()
	cache := NewRedisCache(client, "cb:")
	voice := &fakeAuth{service: models.ServiceVoice, token: gateway.Token{Value: "v"}}

	p := NewProvider(cache, 30*time.Minute, time.Minute, zap.NewNop().Sugar(), voice)
	p.now = func() time.Time { return now }
	_, err := p.Refresh(ctx, models.ServiceVoice)
	require.NoError(t, err)

	c, ok, err := cache.Get(ctx, cacheKey(models.ServiceVoice))
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, now.Add(29*time.Minute), c.ExpiresAt, time.Second)
}

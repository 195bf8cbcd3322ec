package credentials

import (
	"context"
	"time"

	"go.uber.org/zap"

	"callbridge/internal/errors"
	"callbridge/internal/gateway"
	"callbridge/internal/models"
	"callbridge/internal/telemetry"
)

// Authenticator issues service-account tokens; gateway.Client satisfies it.
type Authenticator interface {
	Service() models.Service
	Authenticate(ctx context.Context) (gateway.Token, error)
}

// Provider hands out the runner's own service credentials, refreshing on
// demand. It never returns an expired token.
type Provider struct {
	cache      Cache
	auth       map[models.Service]Authenticator
	defaultTTL time.Duration
	skew       time.Duration
	log        *zap.SugaredLogger
	now        func() time.Time
}

func NewProvider(cache Cache, defaultTTL, skew time.Duration, log *zap.SugaredLogger, auth ...Authenticator) *Provider {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	p := &Provider{
		cache:      cache,
		auth:       make(map[models.Service]Authenticator, len(auth)),
		defaultTTL: defaultTTL,
		skew:       skew,
		log:        log,
		now:        time.Now,
	}
	for _, a := range auth {
		p.auth[a.Service()] = a
	}
	return p
}

func cacheKey(service models.Service) string {
	return "service:" + string(service)
}

// Token returns the cached credential, refreshing once when absent.
func (p *Provider) Token(ctx context.Context, service models.Service) (string, error) {
	c, ok, err := p.cache.Get(ctx, cacheKey(service))
	if err != nil {
		p.log.Warnw("credential cache read failed, refreshing", "service", service, "error", err)
	}
	if ok {
		return c.Token, nil
	}
	return p.Refresh(ctx, service)
}

// Refresh always asks the upstream for a new token and caches it.
func (p *Provider) Refresh(ctx context.Context, service models.Service) (string, error) {
	a, ok := p.auth[service]
	if !ok {
		return "", errors.Newf("no authenticator for service %s", service)
	}
	tok, err := a.Authenticate(ctx)
	if err != nil {
		telemetry.TokenRefreshes.WithLabelValues(string(service), "error").Inc()
		return "", errors.Wrapf(err, "refresh %s credential", service)
	}
	telemetry.TokenRefreshes.WithLabelValues(string(service), "ok").Inc()

	ttl := tok.ExpiresIn
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	if ttl > p.skew {
		ttl -= p.skew
	}
	c := Credential{Token: tok.Value, ExpiresAt: p.now().Add(ttl)}
	if err := p.cache.Set(ctx, cacheKey(service), c); err != nil {
		p.log.Warnw("credential cache write failed", "service", service, "error", err)
	}
	p.log.Infow("service credential refreshed", "service", service, "expires_at", c.ExpiresAt)
	return c.Token, nil
}

// Invalidate drops the cached credential, e.g. after an upstream 401.
func (p *Provider) Invalidate(ctx context.Context, service models.Service) error {
	return p.cache.Delete(ctx, cacheKey(service))
}

// RefreshAll refreshes every registered service and reports the first failure.
func (p *Provider) RefreshAll(ctx context.Context) (int, error) {
	var (
		refreshed int
		firstErr  error
	)
	for _, service := range []models.Service{models.ServiceVoice, models.ServiceChat} {
		if _, ok := p.auth[service]; !ok {
			continue
		}
		if _, err := p.Refresh(ctx, service); err != nil {
			p.log.Errorw("scheduled credential refresh failed", "service", service, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		refreshed++
	}
	return refreshed, firstErr
}

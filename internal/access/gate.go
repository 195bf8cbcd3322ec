// Package access resolves the calling tenant and guarantees a usable
// upstream token before a handler runs.
package access

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"callbridge/internal/credentials"
	"callbridge/internal/errors"
	"callbridge/internal/gateway"
	"callbridge/internal/models"
	"callbridge/internal/store"
)

// Identity is what the caller presented.
type Identity struct {
	APIKey        string
	CorrelationID string
}

func (i Identity) Empty() bool { return i.APIKey == "" && i.CorrelationID == "" }

// Principal is the resolved tenant plus a token that passed validation.
type Principal struct {
	TenantID      int64
	APIKey        string
	CorrelationID string
	Service       models.Service
	Token         string
	Minted        bool
	Refreshed     bool
}

// Gate resolves tenants and their upstream tokens.
//
// Without a Locker, two concurrent requests for the same tenant with an
// expired token both refresh and both persist; the later write wins. Each
// written token is freshly issued, so either outcome leaves a valid token.
// WithLocker serializes probe-refresh-persist per tenant and service.
type Gate struct {
	tenants    store.TenantRepository
	clients    gateway.Registry
	locker     credentials.Locker
	probeCache credentials.Cache
	probeTTL   time.Duration
	maxBody    int64
	onError    func(w http.ResponseWriter, r *http.Request, err error)
	log        *zap.SugaredLogger
	now        func() time.Time
}

type Option func(*Gate)

// WithLocker takes an advisory lock around refresh-and-persist.
func WithLocker(l credentials.Locker) Option {
	return func(g *Gate) { g.locker = l }
}

// WithProbeCache skips the upstream probe for ttl after a token was validated.
func WithProbeCache(c credentials.Cache, ttl time.Duration) Option {
	return func(g *Gate) {
		if ttl > 0 {
			g.probeCache = c
			g.probeTTL = ttl
		}
	}
}

// WithMaxBody caps how much request body is buffered to read identity fields.
func WithMaxBody(n int64) Option {
	return func(g *Gate) {
		if n > 0 {
			g.maxBody = n
		}
	}
}

// WithErrorWriter replaces the default JSON error response.
func WithErrorWriter(fn func(w http.ResponseWriter, r *http.Request, err error)) Option {
	return func(g *Gate) { g.onError = fn }
}

func NewGate(tenants store.TenantRepository, clients gateway.Registry, log *zap.SugaredLogger, opts ...Option) *Gate {
	g := &Gate{
		tenants: tenants,
		clients: clients,
		maxBody: 10 * 1024,
		onError: writeError,
		log:     log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Resolve finds or creates the tenant for id and returns it with a valid
// token for service.
func (g *Gate) Resolve(ctx context.Context, id Identity, service models.Service) (Principal, error) {
	if id.Empty() {
		return Principal{}, errors.Unauthorizedf("an API key or _user is required")
	}
	client, ok := g.clients[service]
	if !ok {
		return Principal{}, errors.Newf("no gateway for service %s", service)
	}

	tenant, err := g.lookup(ctx, id)
	switch {
	case errors.Is(err, errors.ErrNotFound):
		return g.enroll(ctx, id, client)
	case err != nil:
		return Principal{}, err
	}
	return g.validate(ctx, id, tenant, client)
}

func (g *Gate) lookup(ctx context.Context, id Identity) (models.Tenant, error) {
	if id.CorrelationID != "" {
		return g.tenants.TenantByCorrelationID(ctx, id.CorrelationID)
	}
	return g.tenants.TenantByAPIKey(ctx, id.APIKey)
}

// enroll creates a tenant for an unknown identity. Nothing is written unless
// the upstream issued a token.
func (g *Gate) enroll(ctx context.Context, id Identity, client gateway.Client) (Principal, error) {
	service := client.Service()
	tok, err := client.Authenticate(ctx)
	if err != nil {
		return Principal{}, errors.Wrapf(err, "issue %s token for new tenant", service)
	}
	key, err := NewAPIKey()
	if err != nil {
		return Principal{}, err
	}

	t := models.Tenant{APIKey: key, CorrelationID: models.StringPtr(id.CorrelationID), Active: true}
	t.SetToken(service, tok.Value)
	created, err := g.tenants.CreateTenant(ctx, t)
	if errors.Is(err, errors.ErrConflict) && id.CorrelationID != "" {
		// A concurrent request enrolled the same correlation id first.
		existing, lookupErr := g.tenants.TenantByCorrelationID(ctx, id.CorrelationID)
		if lookupErr != nil {
			return Principal{}, lookupErr
		}
		return g.validate(ctx, Identity{CorrelationID: id.CorrelationID}, existing, client)
	}
	if err != nil {
		return Principal{}, err
	}
	g.log.Infow("tenant enrolled", "tenant_id", created.ID, "service", service, "correlated", id.CorrelationID != "")
	return Principal{
		TenantID:      created.ID,
		APIKey:        created.APIKey,
		CorrelationID: id.CorrelationID,
		Service:       service,
		Token:         tok.Value,
		Minted:        true,
		Refreshed:     true,
	}, nil
}

func (g *Gate) validate(ctx context.Context, id Identity, tenant models.Tenant, client gateway.Client) (Principal, error) {
	if !tenant.Active {
		return Principal{}, errors.Unauthorizedf("tenant is inactive")
	}
	if id.APIKey != "" && id.APIKey != tenant.APIKey {
		return Principal{}, errors.Unauthorizedf("API key does not match tenant")
	}
	service := client.Service()

	if g.locker != nil {
		unlock, err := g.locker.Lock(ctx, fmt.Sprintf("tenant:%d:%s", tenant.ID, service))
		if err != nil {
			return Principal{}, errors.Wrap(err, "acquire tenant refresh lock")
		}
		defer unlock()
		// Another holder may have refreshed while we waited.
		if fresh, err := g.tenants.TenantByID(ctx, tenant.ID); err == nil {
			tenant = fresh
		}
	}

	p := Principal{
		TenantID: tenant.ID,
		APIKey:   tenant.APIKey,
		Service:  service,
	}
	if tenant.CorrelationID != nil {
		p.CorrelationID = *tenant.CorrelationID
	}

	stored := tenant.Token(service)
	if g.recentlyProbed(ctx, tenant.ID, service, stored) {
		p.Token = stored
		return p, nil
	}
	if stored != "" {
		tok, err := client.Probe(ctx, stored)
		if err == nil {
			p.Token = tok
			if tok != stored {
				g.persist(ctx, tenant.ID, service, tok)
			}
			g.rememberProbe(ctx, tenant.ID, service, tok)
			return p, nil
		}
		g.log.Debugw("stored token rejected, refreshing", "tenant_id", tenant.ID, "service", service, "error", err)
	}

	tok, err := client.Authenticate(ctx)
	if err != nil {
		return Principal{}, errors.Wrapf(err, "refresh %s token for tenant %d", service, tenant.ID)
	}
	if err := g.tenants.UpdateTenantToken(ctx, tenant.ID, service, tok.Value); err != nil {
		return Principal{}, err
	}
	g.rememberProbe(ctx, tenant.ID, service, tok.Value)
	p.Token = tok.Value
	p.Refreshed = true
	return p, nil
}

func (g *Gate) persist(ctx context.Context, tenantID int64, service models.Service, token string) {
	if err := g.tenants.UpdateTenantToken(ctx, tenantID, service, token); err != nil {
		g.log.Warnw("persist normalized token failed", "tenant_id", tenantID, "service", service, "error", err)
	}
}

func probeKey(tenantID int64, service models.Service) string {
	return fmt.Sprintf("probe:%d:%s", tenantID, service)
}

func (g *Gate) recentlyProbed(ctx context.Context, tenantID int64, service models.Service, token string) bool {
	if g.probeCache == nil || token == "" {
		return false
	}
	c, ok, err := g.probeCache.Get(ctx, probeKey(tenantID, service))
	return err == nil && ok && c.Token == token
}

func (g *Gate) rememberProbe(ctx context.Context, tenantID int64, service models.Service, token string) {
	if g.probeCache == nil {
		return
	}
	c := credentials.Credential{Token: token, ExpiresAt: g.now().Add(g.probeTTL)}
	if err := g.probeCache.Set(ctx, probeKey(tenantID, service), c); err != nil {
		g.log.Warnw("probe cache write failed", "tenant_id", tenantID, "error", err)
	}
}

// NewAPIKey mints an opaque tenant key: 32 random bytes, hex encoded.
func NewAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", errors.Wrap(err, "mint api key")
	}
	return hex.EncodeToString(b), nil
}

// Package app assembles the shared dependencies of the api and runner
// binaries from configuration.
package app

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callbridge/internal/access"
	"callbridge/internal/api"
	"callbridge/internal/archive"
	"callbridge/internal/config"
	"callbridge/internal/credentials"
	"callbridge/internal/errors"
	"callbridge/internal/gateway"
	"callbridge/internal/models"
	"callbridge/internal/ratelimit"
	"callbridge/internal/runner"
	"callbridge/internal/store"
)

const keyPrefix = "callbridge:"

// Deps is everything both binaries share.
type Deps struct {
	Config   config.Config
	Log      *zap.SugaredLogger
	Location *time.Location
	Repo     store.Repository
	Redis    *redis.Client
	Cache    credentials.Cache
	Clients  gateway.Registry
	Tokens   *credentials.Provider
}

// Build connects the store (running migrations for postgres), Redis when
// REDIS_ADDR is set, and the upstream clients that have a base URL.
func Build(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*Deps, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	d := &Deps{Config: cfg, Log: log, Location: loc}

	switch cfg.StoreDriver {
	case "memory":
		log.Warnw("using in-memory store; data is lost on restart")
		d.Repo = store.NewMemory()
	default:
		st, err := store.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, err
		}
		d.Repo = st
	}

	if cfg.RedisAddr != "" {
		d.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := d.Redis.Ping(ctx).Err(); err != nil {
			d.Close()
			return nil, errors.Wrapf(err, "connect redis %s", cfg.RedisAddr)
		}
		d.Cache = credentials.NewRedisCache(d.Redis, keyPrefix+"cred:")
	} else {
		d.Cache = credentials.NewMemoryCache()
	}

	hc := gateway.NewHTTPClient(cfg.UpstreamTimeout)
	var clients []gateway.Client
	if cfg.VoiceBaseURL != "" {
		clients = append(clients, gateway.NewVoiceClient(cfg.VoiceBaseURL, cfg.VoiceEmail, cfg.VoicePassword, hc))
	} else {
		log.Warnw("VOICE_BASE_URL not set; voice service disabled")
	}
	if cfg.ChatBaseURL != "" {
		clients = append(clients, gateway.NewChatClient(cfg.ChatBaseURL, cfg.ChatUsername, cfg.ChatPassword, hc))
	} else {
		log.Warnw("B2_BASE_URL not set; chat service disabled")
	}
	d.Clients = gateway.NewRegistry(clients...)

	auth := make([]credentials.Authenticator, 0, len(clients))
	for _, c := range clients {
		auth = append(auth, c)
	}
	d.Tokens = credentials.NewProvider(d.Cache, cfg.TokenDefaultTTL, cfg.TokenExpirySkew, log, auth...)
	return d, nil
}

// Gate builds the access gate with the configured lock and probe cache.
func (d *Deps) Gate() *access.Gate {
	cfg := d.Config
	opts := []access.Option{
		access.WithErrorWriter(api.WriteError),
		access.WithMaxBody(cfg.MaxBodyBytes),
		access.WithProbeCache(d.Cache, cfg.AuthProbeCacheTTL),
	}
	if cfg.AuthRefreshLock {
		if d.Redis != nil {
			opts = append(opts, access.WithLocker(credentials.NewRedisLocker(d.Redis, keyPrefix+"lock:", cfg.AuthLockTTL)))
		} else {
			opts = append(opts, access.WithLocker(credentials.NewKeyedMutex()))
		}
	}
	return access.NewGate(d.Repo, d.Clients, d.Log, opts...)
}

// Limiter prefers the shared Redis bucket and degrades to a local one.
func (d *Deps) Limiter() ratelimit.Limiter {
	cfg := d.Config
	if cfg.RateLimitCapacity <= 0 {
		return nil
	}
	local := ratelimit.NewLocal(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	if d.Redis == nil {
		return local
	}
	return ratelimit.Fallback{
		Primary:   ratelimit.NewTokenBucket(d.Redis, keyPrefix+"rl:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		Secondary: local,
	}
}

// API builds the HTTP server.
func (d *Deps) API() *api.Server {
	cfg := d.Config
	return api.New(d.Repo, d.Gate(), d.Clients, d.Limiter(), d.Log, api.Options{
		Location:          d.Location,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		History:           cfg.HistoryEnabled,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		UpstreamTimeout:   cfg.UpstreamTimeout,
	})
}

// Runner builds the timer-driven task runner.
func (d *Deps) Runner(ctx context.Context) (*runner.Runner, error) {
	cfg := d.Config
	statuses := make([]models.Status, 0, len(cfg.RetentionStatuses))
	for _, raw := range cfg.RetentionStatuses {
		st, ok := models.ParseStatus(strings.ToLower(raw))
		if !ok {
			return nil, errors.Newf("RETENTION_STATUSES: unknown status %q", raw)
		}
		if !st.Terminal() {
			return nil, errors.Newf("RETENTION_STATUSES: %q is not a terminal status", raw)
		}
		statuses = append(statuses, st)
	}
	arch, err := archive.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return runner.New(d.Repo, d.Clients, d.Tokens, d.Log, runner.Options{
		Schedule: runner.Schedule{
			TokenRefresh: cfg.TokenRefreshSpec,
			Due:          cfg.DueSpec,
			Sweep:        cfg.SweepSpec,
			Retention:    cfg.RetentionSpec,
			Report:       cfg.ReportSpec,
		},
		BatchSize:         cfg.RunnerBatchSize,
		ClaimLease:        cfg.RunnerClaimLease,
		JobTimeout:        cfg.RunnerJobTimeout,
		UpstreamTimeout:   cfg.UpstreamTimeout,
		RetentionDays:     cfg.RetentionDays,
		RetentionStatuses: statuses,
		Location:          d.Location,
		Archiver:          arch,
	}), nil
}

func (d *Deps) Close() {
	if d.Redis != nil {
		_ = d.Redis.Close()
	}
	if d.Repo != nil {
		d.Repo.Close()
	}
}

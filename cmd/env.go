package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/projectmatch/internal/classify"
	"github.com/sells-group/projectmatch/internal/db"
	"github.com/sells-group/projectmatch/internal/discovery"
	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/ranking"
	"github.com/sells-group/projectmatch/internal/registry"
	"github.com/sells-group/projectmatch/internal/requirement"
	"github.com/sells-group/projectmatch/internal/resilience"
	"github.com/sells-group/projectmatch/internal/store"
)

// appEnv holds the stores, engines and caches the commands share.
type appEnv struct {
	Store    store.Store
	Engine   *requirement.Engine
	Resolver *identity.Resolver
	Runner   *discovery.Runner
	Cache    *discovery.Cache
	Matcher  *discovery.Matcher

	closers []func()
}

// Close releases resources held by the environment, newest first.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initStore opens the configured requirement store.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &db.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// sharedPool returns the Postgres pool behind st, or nil.
func sharedPool(st store.Store) db.Pool {
	if ps, ok := st.(*store.PostgresStore); ok {
		return ps.Pool()
	}
	return nil
}

func assemblyPolicy() requirement.Policy {
	return requirement.Policy{
		Threshold:         cfg.Assembly.PublishThreshold,
		HardRequired:      cfg.Assembly.HardRequired,
		InactivityTimeout: cfg.Assembly.InactivityTimeout,
	}
}

// initEnv validates the config for mode and wires every component.
// Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{}
	fail := func(err error) (*appEnv, error) {
		env.Close()
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st
	env.closers = append(env.closers, func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		return fail(eris.Wrap(err, "migrate store"))
	}

	reg, err := registry.LoadFieldRegistry(cfg.Assembly.RegistryPath)
	if err != nil {
		return fail(err)
	}
	env.Engine = requirement.NewEngine(reg, st, assemblyPolicy())

	resolverOpts := []identity.Option{
		identity.WithTrust(cfg.Discovery.Sources),
		identity.WithAnnotator(classify.Annotate),
	}
	pool := sharedPool(st)
	if pool != nil {
		ids := identity.NewPostgresStore(pool)
		if err := ids.Migrate(ctx); err != nil {
			return fail(err)
		}
		resolverOpts = append(resolverOpts, identity.WithStore(ids))
	}
	env.Resolver = identity.NewResolver(resolverOpts...)
	if err := env.Resolver.Load(ctx); err != nil {
		return fail(err)
	}

	var sources []discovery.Source
	zips := discovery.ZipTable{}
	if cfg.Discovery.FixturePath != "" {
		fx, err := discovery.LoadFixture(cfg.Discovery.FixturePath)
		if err != nil {
			return fail(err)
		}
		sources = fx.StaticSources()
		zips = discovery.ZipTable(fx.Zips)
	} else {
		zap.L().Warn("discovery.fixture_path not set, discovery has no sources")
	}

	retryCfg, breakerCfg := resilience.FromConfig(cfg.Resilience)
	env.Runner = discovery.NewRunner(sources, env.Resolver, discovery.RunnerConfig{
		SourceTimeout: time.Duration(cfg.Discovery.SourceTimeoutSecs) * time.Second,
		RateLimit:     cfg.Discovery.SourceRateLimit,
		Retry:         retryCfg,
		Breaker:       breakerCfg,
	})

	var backend discovery.Backend = discovery.NewMemoryBackend()
	if cfg.Redis.Address != "" {
		rdb, err := discovery.NewRedisClient(ctx, cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fail(err)
		}
		env.closers = append(env.closers, func() { _ = rdb.Close() })
		backend = discovery.NewRedisBackend(rdb, cfg.Redis.KeyPrefix)
		zap.L().Info("discovery cache using redis", zap.String("address", cfg.Redis.Address))
	}
	env.Cache = discovery.NewCache(backend,
		discovery.WithTTL(cfg.Discovery.CacheTTL),
		discovery.WithServeStale(cfg.Discovery.ServeStaleOnError),
	)

	matcherOpts := []discovery.MatcherOption{discovery.WithZipLocator(zips)}
	if pool != nil {
		runs := discovery.NewPostgresRunLog(pool)
		if err := runs.Migrate(ctx); err != nil {
			return fail(err)
		}
		matcherOpts = append(matcherOpts, discovery.WithRunLog(runs))
	}
	env.Matcher = discovery.NewMatcher(env.Engine, env.Runner, env.Cache, discovery.MatchConfig{
		RadiusSteps: cfg.Discovery.RadiusSteps,
		SizeWindow:  cfg.Discovery.MaxSizeWindow,
		TierFloor:   cfg.Discovery.TierFloor,
		TargetCount: cfg.Discovery.TargetCount,
		Weights:     ranking.Weights(cfg.Ranking.Weights),
	}, matcherOpts...)

	zap.L().Info("environment ready",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.Int("sources", len(sources)),
		zap.Int("identities", env.Resolver.Len()),
	)
	return env, nil
}

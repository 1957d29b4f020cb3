package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/metrics"
	"github.com/sells-group/projectmatch/internal/resilience"
)

// RunnerConfig configures source fan-out.
type RunnerConfig struct {
	// SourceTimeout bounds each source call, retries included.
	SourceTimeout time.Duration
	// RateLimit is the sustained calls per second allowed per source.
	// Zero disables limiting.
	RateLimit float64
	Retry     resilience.RetryConfig
	Breaker   resilience.BreakerConfig
}

// DefaultRunnerConfig returns the default fan-out settings.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		SourceTimeout: 10 * time.Second,
		RateLimit:     5,
		Retry:         resilience.DefaultRetryConfig(),
		Breaker:       resilience.DefaultBreakerConfig(),
	}
}

// SourceFailure is one failed source call.
type SourceFailure struct {
	Source string
	Err    error
}

// RunResult is the outcome of one fan-out.
type RunResult struct {
	SourcesUsed   []string
	SourcesFailed []string
	Failures      []SourceFailure
	Ingest        identity.BatchResult
	// Identities are the identities the run's observations resolved to,
	// ordered by key.
	Identities []*identity.Identity
}

// Runner queries every source concurrently and feeds what they return into
// the identity resolver. A failing source never fails the run unless every
// source fails.
type Runner struct {
	sources  []Source
	resolver *identity.Resolver
	cfg      RunnerConfig
	limiters map[string]*rate.Limiter
	breakers *resilience.Breakers
	log      *zap.Logger
}

// NewRunner creates a Runner.
func NewRunner(sources []Source, resolver *identity.Resolver, cfg RunnerConfig) *Runner {
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = DefaultRunnerConfig().SourceTimeout
	}
	r := &Runner{
		sources:  sources,
		resolver: resolver,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter, len(sources)),
		breakers: resilience.NewBreakers(cfg.Breaker),
		log:      zap.L().With(zap.String("component", "discovery")),
	}
	for _, s := range sources {
		limit := rate.Inf
		if cfg.RateLimit > 0 {
			limit = rate.Limit(cfg.RateLimit)
		}
		r.limiters[s.Name()] = rate.NewLimiter(limit, 1)
	}
	return r
}

// Breakers exposes the per-source circuit breakers.
func (r *Runner) Breakers() *resilience.Breakers { return r.breakers }

// Run queries all sources for q. It returns ErrUnavailable, with the
// per-source failures attached to the result, when none succeeded.
func (r *Runner) Run(ctx context.Context, q Query) (*RunResult, error) {
	type sourceResult struct {
		name string
		obs  []identity.Observation
		err  error
	}

	var mu sync.Mutex
	results := make([]sourceResult, 0, len(r.sources))

	var g errgroup.Group
	for _, src := range r.sources {
		g.Go(func() error {
			obs, err := r.call(ctx, src, q)
			mu.Lock()
			results = append(results, sourceResult{name: src.Name(), obs: obs, err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].name < results[j].name })

	res := &RunResult{}
	var batch []identity.Observation
	for _, sr := range results {
		if sr.err != nil {
			res.SourcesFailed = append(res.SourcesFailed, sr.name)
			res.Failures = append(res.Failures, SourceFailure{Source: sr.name, Err: sr.err})
			metrics.SourceFailures.WithLabelValues(sr.name).Inc()
			r.log.Warn("source failed",
				zap.String("source", sr.name),
				zap.String("published_record_id", q.PublishedRecordID),
				zap.Error(sr.err),
			)
			continue
		}
		res.SourcesUsed = append(res.SourcesUsed, sr.name)
		batch = append(batch, sr.obs...)
	}

	if len(res.SourcesUsed) == 0 && len(r.sources) > 0 {
		return res, eris.Wrapf(ErrUnavailable, "discovery: %d sources failed for %s", len(res.SourcesFailed), q.PublishedRecordID)
	}

	keys := map[string]bool{}
	for _, o := range batch {
		id, outcome, err := r.resolver.Resolve(ctx, o)
		switch {
		case eris.Is(err, identity.ErrUnresolvable):
			res.Ingest.Unresolvable++
			continue
		case err != nil:
			return res, eris.Wrap(err, "discovery: ingest")
		}
		switch outcome {
		case identity.OutcomeCreated:
			res.Ingest.Created++
		case identity.OutcomeMerged:
			res.Ingest.Merged++
		case identity.OutcomeDuplicate:
			res.Ingest.Duplicates++
		}
		keys[id.Key] = true
	}

	// A later merge in this batch may have absorbed an earlier identity, so
	// resolve every key again and deduplicate by canonical key.
	seen := map[string]bool{}
	for k := range keys {
		id, ok := r.resolver.Get(k)
		if !ok || seen[id.Key] {
			continue
		}
		seen[id.Key] = true
		res.Identities = append(res.Identities, id)
	}
	sort.Slice(res.Identities, func(i, j int) bool { return res.Identities[i].Key < res.Identities[j].Key })

	r.log.Info("sources queried",
		zap.String("published_record_id", q.PublishedRecordID),
		zap.Strings("sources_used", res.SourcesUsed),
		zap.Strings("sources_failed", res.SourcesFailed),
		zap.Int("observations", len(batch)),
		zap.Int("identities", len(res.Identities)),
	)
	return res, nil
}

// call runs one source under its rate limiter, timeout, retry policy and
// circuit breaker.
func (r *Runner) call(ctx context.Context, src Source, q Query) ([]identity.Observation, error) {
	name := src.Name()
	sctx, cancel := context.WithTimeout(ctx, r.cfg.SourceTimeout)
	defer cancel()

	if err := r.limiters[name].Wait(sctx); err != nil {
		return nil, eris.Wrapf(err, "discovery: rate limit wait for %s", name)
	}

	return resilience.Call(sctx, r.breakers.Get(name), func(ctx context.Context) ([]identity.Observation, error) {
		return resilience.Retry(ctx, r.cfg.Retry, name, func(ctx context.Context) ([]identity.Observation, error) {
			return src.Discover(ctx, q)
		})
	})
}

package discovery

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/projectmatch/internal/metrics"
	"github.com/sells-group/projectmatch/internal/model"
	"github.com/sells-group/projectmatch/internal/ranking"
	"github.com/sells-group/projectmatch/internal/requirement"
)

// PublishedSource reads published records.
type PublishedSource interface {
	GetPublished(ctx context.Context, id string) (*requirement.PublishedRecord, error)
}

// MatchConfig holds the selection policy.
type MatchConfig struct {
	RadiusSteps []float64
	SizeWindow  int
	TierFloor   int
	TargetCount int
	Weights     ranking.Weights
}

// DefaultMatchConfig returns the default selection policy.
func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		RadiusSteps: []float64{25, 50, 100},
		SizeWindow:  1,
		TierFloor:   2,
		TargetCount: 5,
		Weights:     ranking.DefaultWeights(),
	}
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithZipLocator sets how project zip codes become coordinates.
func WithZipLocator(l ZipLocator) MatcherOption {
	return func(m *Matcher) { m.locator = l }
}

// WithRunLog records every discovery execution.
func WithRunLog(l RunLog) MatcherOption {
	return func(m *Matcher) { m.runs = l }
}

// Matcher produces the ranked provider list of a published record.
type Matcher struct {
	published PublishedSource
	runner    *Runner
	cache     *Cache
	cfg       MatchConfig
	locator   ZipLocator
	runs      RunLog
	now       func() time.Time
	log       *zap.Logger
}

// NewMatcher wires a Matcher.
func NewMatcher(published PublishedSource, runner *Runner, cache *Cache, cfg MatchConfig, opts ...MatcherOption) *Matcher {
	if cfg.TargetCount <= 0 {
		cfg.TargetCount = DefaultMatchConfig().TargetCount
	}
	m := &Matcher{
		published: published,
		runner:    runner,
		cache:     cache,
		cfg:       cfg,
		locator:   ZipTable{},
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "matcher")),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Candidates returns the cached ranked list for publishedID, discovering
// it when needed.
func (m *Matcher) Candidates(ctx context.Context, publishedID string) (*Entry, error) {
	return m.cache.GetOrDiscover(ctx, publishedID, m.Discover)
}

// Refresh drops the cached list and discovers it again.
func (m *Matcher) Refresh(ctx context.Context, publishedID string) (*Entry, error) {
	if err := m.cache.Invalidate(ctx, publishedID); err != nil {
		return nil, err
	}
	return m.Candidates(ctx, publishedID)
}

// Criteria derives ranking criteria from a published record.
func (m *Matcher) Criteria(pub *requirement.PublishedRecord) ranking.Criteria {
	crit := ranking.Criteria{
		SizeWindow:  m.cfg.SizeWindow,
		RadiusSteps: m.cfg.RadiusSteps,
		TierFloor:   m.cfg.TierFloor,
		Weights:     m.cfg.Weights,
	}
	if zip, ok := stringValue(pub, model.FieldZipCode); ok {
		crit.Origin, _ = m.locator.Locate(zip)
	}
	if size, ok := stringValue(pub, model.FieldSizePreference); ok && model.SizeCategory(size).Valid() {
		crit.PreferredSize = model.SizeCategory(size)
	}
	return crit
}

// Discover runs one uncached discovery for publishedID.
func (m *Matcher) Discover(ctx context.Context, publishedID string) (*Entry, error) {
	start := m.now()
	defer func() { metrics.DiscoveryDuration.Observe(m.now().Sub(start).Seconds()) }()

	pub, err := m.published.GetPublished(ctx, publishedID)
	if err != nil {
		return nil, eris.Wrapf(err, "discovery: load published record %s", publishedID)
	}

	crit := m.Criteria(pub)
	category, _ := stringValue(pub, model.FieldCategory)
	q := Query{
		PublishedRecordID: publishedID,
		Category:          category,
		Origin:            crit.Origin,
		PreferredSize:     crit.PreferredSize,
	}
	if n := len(crit.RadiusSteps); n > 0 {
		// Sources are asked for the widest radius so broadening has
		// candidates to draw on.
		q.RadiusMiles = crit.RadiusSteps[n-1]
	}

	var runID string
	if m.runs != nil {
		if runID, err = m.runs.StartRun(ctx, publishedID, start); err != nil {
			m.log.Error("run log start failed", zap.String("published_record_id", publishedID), zap.Error(err))
		}
	}

	res, err := m.runner.Run(ctx, q)
	if err != nil {
		result := "error"
		if eris.Is(err, ErrUnavailable) {
			result = "unavailable"
		}
		metrics.DiscoveryRuns.WithLabelValues(result).Inc()
		m.finishRun(ctx, runID, nil, err)
		return nil, err
	}

	sel := ranking.Select(ranking.Rank(res.Identities, crit), m.cfg.TargetCount, crit)
	entry := &Entry{
		PublishedRecordID: publishedID,
		Candidates:        FromSelection(sel),
		SourcesUsed:       res.SourcesUsed,
		SourcesFailed:     res.SourcesFailed,
		Broadened:         sel.Broadened,
		Steps:             sel.Steps,
		GeneratedAt:       m.now().UTC(),
	}
	if entry.SourcesFailed == nil {
		entry.SourcesFailed = []string{}
	}

	metrics.DiscoveryRuns.WithLabelValues("ok").Inc()
	m.finishRun(ctx, runID, entry, nil)
	m.log.Info("discovery completed",
		zap.String("published_record_id", publishedID),
		zap.Int("candidates", len(entry.Candidates)),
		zap.Bool("broadened", entry.Broadened),
		zap.Strings("sources_failed", entry.SourcesFailed),
	)
	return entry, nil
}

func (m *Matcher) finishRun(ctx context.Context, runID string, e *Entry, runErr error) {
	if m.runs == nil || runID == "" {
		return
	}
	var err error
	if runErr != nil {
		err = m.runs.FailRun(ctx, runID, runErr.Error())
	} else {
		err = m.runs.CompleteRun(ctx, runID, e)
	}
	if err != nil {
		m.log.Error("run log update failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func stringValue(pub *requirement.PublishedRecord, field string) (string, bool) {
	v, ok := pub.Value(field)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

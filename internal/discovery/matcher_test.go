package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/projectmatch/internal/identity"
	"github.com/sells-group/projectmatch/internal/model"
	"github.com/sells-group/projectmatch/internal/ranking"
	"github.com/sells-group/projectmatch/internal/requirement"
)

var austinZips = ZipTable{"78704": {Lat: 30.2430, Lon: -97.7700}}

type publishedMap map[string]*requirement.PublishedRecord

func (p publishedMap) GetPublished(_ context.Context, id string) (*requirement.PublishedRecord, error) {
	pub, ok := p[id]
	if !ok {
		return nil, eris.Wrapf(requirement.ErrNotFound, "requirement: get published %s", id)
	}
	return pub, nil
}

func published(id string, fields map[string]any) *requirement.PublishedRecord {
	rec := requirement.Record{ID: id, Status: requirement.StatusPublished, Fields: map[string]requirement.FieldValue{}}
	for k, v := range fields {
		rec.Fields[k] = requirement.FieldValue{RawValue: v, NormalizedValue: v, Source: requirement.SourceUserConfirmed, Confidence: 1}
	}
	if c, ok := fields[model.FieldCategory].(string); ok {
		rec.Category = c
	}
	return &requirement.PublishedRecord{Record: rec, PublishedAt: t0, CompletionPercentage: 100, DiscoveryKey: requirement.DiscoveryKey(id)}
}

// provider builds a credible small-business observation.
func provider(ext, name, phone string, employees int, rating float64, count int, lat, lon float64) FixtureObservation {
	return FixtureObservation{
		Observation: identity.Observation{
			ExternalID:    ext,
			DisplayName:   name,
			Contact:       identity.Contact{Phone: phone},
			Rating:        rating,
			RatingCount:   count,
			Location:      identity.Location{Lat: lat, Lon: lon},
			ObservedAt:    100,
			EmployeeCount: employees,
			LicenseNumber: "LIC-" + ext,
			Verified:      true,
		},
		Categories: []string{"landscaping"},
	}
}

func landscapers() []FixtureObservation {
	return []FixtureObservation{
		provider("TX-1", "Green Thumb Landscaping", "512-555-0101", 10, 4.8, 120, 30.2500, -97.7500),
		provider("TX-2", "Austin Yard Co", "512-555-0102", 8, 4.2, 40, 30.3000, -97.7000),
		provider("TX-3", "Big Lawn Corp", "512-555-0103", 900, 4.9, 2000, 30.2600, -97.7400),
		provider("TX-4", "Dallas Greens", "214-555-0104", 10, 5.0, 500, 32.7800, -96.8000),
	}
}

// recordingRunLog keeps runs in memory.
type recordingRunLog struct {
	mu       sync.Mutex
	started  []string
	complete map[string]*Entry
	failed   map[string]string
}

func newRecordingRunLog() *recordingRunLog {
	return &recordingRunLog{complete: map[string]*Entry{}, failed: map[string]string{}}
}

func (l *recordingRunLog) StartRun(_ context.Context, publishedID string, _ time.Time) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = append(l.started, publishedID)
	return "run-" + publishedID, nil
}

func (l *recordingRunLog) CompleteRun(_ context.Context, runID string, e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.complete[runID] = e
	return nil
}

func (l *recordingRunLog) FailRun(_ context.Context, runID, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed[runID] = msg
	return nil
}

func newTestMatcher(t *testing.T, pubs publishedMap, sources []Source, cfg MatchConfig, opts ...MatcherOption) *Matcher {
	t.Helper()
	runner := NewRunner(sources, newTestResolver(), testRunnerConfig())
	cache := NewCache(NewMemoryBackend(), WithTTL(time.Hour), WithCacheClock(func() time.Time { return t0 }))
	base := []MatcherOption{WithZipLocator(austinZips)}
	m := NewMatcher(pubs, runner, cache, cfg, append(base, opts...)...)
	m.now = func() time.Time { return t0 }
	return m
}

func TestMatcher_Candidates(t *testing.T) {
	pubs := publishedMap{"pub-1": published("pub-1", map[string]any{
		model.FieldCategory:       "landscaping",
		model.FieldZipCode:        "78704",
		model.FieldSizePreference: "small_business",
	})}
	cfg := DefaultMatchConfig()
	cfg.TargetCount = 2
	runs := newRecordingRunLog()
	m := newTestMatcher(t, pubs, []Source{NewStaticSource("registry", landscapers())}, cfg, WithRunLog(runs))

	e, err := m.Candidates(context.Background(), "pub-1")
	require.NoError(t, err)

	require.Len(t, e.Candidates, 2)
	assert.Equal(t, "ext:tx-1", e.Candidates[0].IdentityKey)
	assert.Equal(t, "ext:tx-2", e.Candidates[1].IdentityKey)
	assert.GreaterOrEqual(t, e.Candidates[0].Score, e.Candidates[1].Score)
	assert.Equal(t, model.SizeSmallBusiness, e.Candidates[0].SizeCategory)
	assert.Less(t, e.Candidates[0].DistanceMiles, 25.0)
	assert.False(t, e.Broadened)
	assert.Equal(t, []string{"registry"}, e.SourcesUsed)
	assert.Equal(t, []string{}, e.SourcesFailed)
	assert.Equal(t, t0.Add(time.Hour), e.ExpiresAt)

	assert.Equal(t, []string{"pub-1"}, runs.started)
	require.Contains(t, runs.complete, "run-pub-1")
	assert.Len(t, runs.complete["run-pub-1"].Candidates, 2)
}

func TestMatcher_BroadensWhenShort(t *testing.T) {
	pubs := publishedMap{"pub-1": published("pub-1", map[string]any{
		model.FieldCategory:       "landscaping",
		model.FieldZipCode:        "78704",
		model.FieldSizePreference: "small_business",
	})}
	m := newTestMatcher(t, pubs, []Source{NewStaticSource("registry", landscapers())}, DefaultMatchConfig())

	e, err := m.Candidates(context.Background(), "pub-1")
	require.NoError(t, err)

	assert.True(t, e.Broadened)
	require.NotEmpty(t, e.Steps)
	assert.Equal(t, ranking.StepRadius, e.Steps[0].Kind)
	for _, c := range e.Candidates {
		assert.NotEqual(t, "ext:tx-4", c.IdentityKey, "Dallas is beyond every radius step")
	}
}

func TestMatcher_FiltersCategory(t *testing.T) {
	plumber := provider("TX-9", "Drip Stop Plumbing", "512-555-0109", 10, 4.7, 80, 30.2500, -97.7500)
	plumber.Categories = []string{"plumbing"}
	pubs := publishedMap{"pub-1": published("pub-1", map[string]any{
		model.FieldCategory: "landscaping",
		model.FieldZipCode:  "78704",
	})}
	m := newTestMatcher(t, pubs, []Source{NewStaticSource("registry", append(landscapers(), plumber))}, DefaultMatchConfig())

	e, err := m.Candidates(context.Background(), "pub-1")
	require.NoError(t, err)
	for _, c := range e.Candidates {
		assert.NotEqual(t, "ext:tx-9", c.IdentityKey)
	}
}

func TestMatcher_Criteria(t *testing.T) {
	m := newTestMatcher(t, publishedMap{}, nil, DefaultMatchConfig())

	crit := m.Criteria(published("pub-1", map[string]any{
		model.FieldZipCode:        "78704",
		model.FieldSizePreference: "regional_company",
	}))
	assert.Equal(t, model.SizeRegionalCompany, crit.PreferredSize)
	assert.InDelta(t, 30.243, crit.Origin.Lat, 0.001)
	assert.Equal(t, "78704", crit.Origin.Zip)

	crit = m.Criteria(published("pub-2", map[string]any{model.FieldZipCode: "10001"}))
	assert.False(t, crit.Origin.HasCoords())
	assert.Equal(t, "10001", crit.Origin.Zip)
	assert.Equal(t, model.SizeCategory(""), crit.PreferredSize)
}

func TestMatcher_UnknownPublishedRecord(t *testing.T) {
	m := newTestMatcher(t, publishedMap{}, []Source{NewStaticSource("registry", landscapers())}, DefaultMatchConfig())

	_, err := m.Candidates(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, requirement.ErrNotFound))
}

func TestMatcher_AllSourcesFailServesStale(t *testing.T) {
	pubs := publishedMap{"pub-1": published("pub-1", map[string]any{
		model.FieldCategory: "landscaping",
		model.FieldZipCode:  "78704",
	})}
	flaky := &fakeSource{name: "registry", obs: []identity.Observation{
		provider("TX-1", "Green Thumb Landscaping", "512-555-0101", 10, 4.8, 120, 30.25, -97.75).Observation,
	}}
	runs := newRecordingRunLog()
	clock := &testClock{now: t0}
	runner := NewRunner([]Source{flaky}, newTestResolver(), testRunnerConfig())
	cache := NewCache(NewMemoryBackend(), WithTTL(time.Hour), WithCacheClock(clock.Now))
	m := NewMatcher(pubs, runner, cache, DefaultMatchConfig(), WithZipLocator(austinZips), WithRunLog(runs))
	ctx := context.Background()

	first, err := m.Candidates(ctx, "pub-1")
	require.NoError(t, err)
	require.Len(t, first.Candidates, 1)

	flaky.err = errors.New("upstream down")
	clock.Advance(2 * time.Hour)

	e, err := m.Candidates(ctx, "pub-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	require.NotNil(t, e)
	assert.True(t, e.Stale)
	assert.Equal(t, first.Candidates, e.Candidates)
	assert.Contains(t, runs.failed["run-pub-1"], "all sources failed")
}

func TestMatcher_Refresh(t *testing.T) {
	pubs := publishedMap{"pub-1": published("pub-1", map[string]any{
		model.FieldCategory: "landscaping",
		model.FieldZipCode:  "78704",
	})}
	src := &fakeSource{name: "registry"}
	m := newTestMatcher(t, pubs, []Source{src}, DefaultMatchConfig())
	ctx := context.Background()

	_, err := m.Candidates(ctx, "pub-1")
	require.NoError(t, err)
	_, err = m.Candidates(ctx, "pub-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), src.calls.Load())

	e, err := m.Refresh(ctx, "pub-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), src.calls.Load())
	assert.NotNil(t, e.Candidates)
}

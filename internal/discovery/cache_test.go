package discovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 2, 15, 0, 0, 0, time.UTC)

// testClock is a settable clock safe for concurrent use.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(opts ...CacheOption) (*Cache, *MemoryBackend, *testClock) {
	clock := &testClock{now: t0}
	backend := NewMemoryBackend()
	base := []CacheOption{WithTTL(time.Hour), WithCacheClock(clock.Now)}
	return NewCache(backend, append(base, opts...)...), backend, clock
}

// countingDiscover returns a DiscoverFunc that yields one candidate named
// after the call number.
func countingDiscover(calls *atomic.Int32) DiscoverFunc {
	return func(_ context.Context, id string) (*Entry, error) {
		n := calls.Add(1)
		return &Entry{
			PublishedRecordID: id,
			Candidates:        []RankedCandidate{{IdentityKey: "ext:" + string(rune('a'+n-1))}},
			SourcesUsed:       []string{"registry"},
		}, nil
	}
}

func TestCache_MissThenHit(t *testing.T) {
	c, _, _ := newTestCache()
	var calls atomic.Int32
	ctx := context.Background()

	first, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	assert.Equal(t, "pub-1", first.PublishedRecordID)
	assert.Equal(t, t0, first.GeneratedAt)
	assert.Equal(t, t0.Add(time.Hour), first.ExpiresAt)
	assert.False(t, first.Stale)

	second, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	assert.Equal(t, first.Candidates, second.Candidates)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_SingleFlight(t *testing.T) {
	c, _, _ := newTestCache()
	var calls atomic.Int32
	release := make(chan struct{})
	discover := func(ctx context.Context, id string) (*Entry, error) {
		<-release
		return countingDiscover(&calls)(ctx, id)
	}

	const n = 25
	var wg sync.WaitGroup
	results := make([]*Entry, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.GetOrDiscover(context.Background(), "pub-1", discover)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "ext:a", results[i].Candidates[0].IdentityKey)
	}
}

func TestCache_ExpiryTriggersRefresh(t *testing.T) {
	c, _, clock := newTestCache()
	var calls atomic.Int32
	ctx := context.Background()

	_, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	e, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	assert.Equal(t, "ext:a", e.Candidates[0].IdentityKey)

	clock.Advance(time.Minute)
	e, err = c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	assert.Equal(t, "ext:b", e.Candidates[0].IdentityKey)
	assert.Equal(t, t0.Add(time.Hour), e.GeneratedAt)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCache_ServeStaleOnFailure(t *testing.T) {
	c, backend, clock := newTestCache()
	var calls atomic.Int32
	ctx := context.Background()

	orig, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	failing := func(context.Context, string) (*Entry, error) {
		return nil, eris.Wrap(ErrUnavailable, "discovery: 3 sources failed for pub-1")
	}
	e, err := c.GetOrDiscover(ctx, "pub-1", failing)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
	require.NotNil(t, e)
	assert.True(t, e.Stale)
	assert.Equal(t, orig.Candidates, e.Candidates)
	assert.Equal(t, orig.GeneratedAt, e.GeneratedAt)

	// The stored entry is untouched.
	stored, err := backend.Get(ctx, "pub-1")
	require.NoError(t, err)
	assert.Equal(t, orig.ExpiresAt, stored.ExpiresAt)
	assert.False(t, stored.Stale)

	peeked, ok, err := c.Peek(ctx, "pub-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, peeked.Stale)
}

func TestCache_NoStaleWhenDisabled(t *testing.T) {
	c, _, clock := newTestCache(WithServeStale(false))
	var calls atomic.Int32
	ctx := context.Background()

	_, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)

	e, err := c.GetOrDiscover(ctx, "pub-1", func(context.Context, string) (*Entry, error) {
		return nil, ErrUnavailable
	})
	assert.Nil(t, e)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCache_FailureWithoutEntry(t *testing.T) {
	c, backend, _ := newTestCache()
	ctx := context.Background()

	e, err := c.GetOrDiscover(ctx, "pub-1", func(context.Context, string) (*Entry, error) {
		return nil, ErrUnavailable
	})
	assert.Nil(t, e)
	assert.ErrorIs(t, err, ErrUnavailable)

	stored, err := backend.Get(ctx, "pub-1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestCache_CallerCancelDoesNotAbortFlight(t *testing.T) {
	c, _, _ := newTestCache()
	var calls atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})
	discover := func(ctx context.Context, id string) (*Entry, error) {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return countingDiscover(&calls)(ctx, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.GetOrDiscover(ctx, "pub-1", discover)
		done <- err
	}()
	<-started
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	e, err := c.GetOrDiscover(context.Background(), "pub-1", discover)
	require.NoError(t, err)
	assert.Equal(t, "ext:a", e.Candidates[0].IdentityKey)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_Invalidate(t *testing.T) {
	c, _, _ := newTestCache()
	var calls atomic.Int32
	ctx := context.Background()

	_, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(ctx, "pub-1"))

	_, ok, err := c.Peek(ctx, "pub-1")
	require.NoError(t, err)
	assert.False(t, ok)

	e, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	assert.Equal(t, "ext:b", e.Candidates[0].IdentityKey)
}

func TestCache_ReturnsCopies(t *testing.T) {
	c, _, _ := newTestCache()
	var calls atomic.Int32
	ctx := context.Background()

	e, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	e.Candidates[0].IdentityKey = "mutated"

	again, err := c.GetOrDiscover(ctx, "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	assert.Equal(t, "ext:a", again.Candidates[0].IdentityKey)
}

// brokenBackend fails every call.
type brokenBackend struct{ puts atomic.Int32 }

func (b *brokenBackend) Get(context.Context, string) (*Entry, error) {
	return nil, errors.New("connection refused")
}

func (b *brokenBackend) Put(context.Context, *Entry) error {
	b.puts.Add(1)
	return errors.New("connection refused")
}

func (b *brokenBackend) Delete(context.Context, string) error {
	return errors.New("connection refused")
}

func TestCache_BackendFailureIsAMiss(t *testing.T) {
	backend := &brokenBackend{}
	c := NewCache(backend, WithCacheClock(func() time.Time { return t0 }))
	var calls atomic.Int32

	e, err := c.GetOrDiscover(context.Background(), "pub-1", countingDiscover(&calls))
	require.NoError(t, err)
	assert.Equal(t, "ext:a", e.Candidates[0].IdentityKey)
	assert.Equal(t, int32(1), backend.puts.Load())

	_, _, err = c.Peek(context.Background(), "pub-1")
	assert.Error(t, err)
	assert.Error(t, c.Invalidate(context.Background(), "pub-1"))
}

func TestCache_NilEntryIsAnError(t *testing.T) {
	c, _, _ := newTestCache()
	_, err := c.GetOrDiscover(context.Background(), "pub-1", func(context.Context, string) (*Entry, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entry")
}

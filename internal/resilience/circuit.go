// Package resilience protects discovery source calls with retries and
// per-source circuit breakers.
package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is the state of a circuit breaker.
type State int

const (
	// Closed lets calls through.
	Closed State = iota
	// Open rejects calls until the reset timeout passes.
	Open
	// HalfOpen lets probe calls through to test recovery.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when a source's breaker rejects a call.
var ErrOpen = eris.New("resilience: circuit open")

// BreakerConfig controls a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	ResetTimeout     time.Duration
	// HalfOpenProbes is the number of successful probes that close it
	// again.
	HalfOpenProbes int
}

// DefaultBreakerConfig returns the breaker policy used for discovery
// sources.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second, HalfOpenProbes: 1}
}

// Breaker is the circuit breaker of one source.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int

	now func() time.Time
}

// NewBreaker creates a closed breaker for the named source.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = def.HalfOpenProbes
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Call runs fn through b. It returns ErrOpen without calling fn while the
// circuit is open. Context cancellation by the caller does not count as a
// source failure.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err != nil && !errors.Is(ctx.Err(), context.Canceled))
	return val, err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
	b.failures, b.probes = 0, 0
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return nil
	}
	if b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.transition(HalfOpen)
		return nil
	}
	return eris.Wrapf(ErrOpen, "resilience: source %s", b.name)
}

func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !failed {
		switch b.state {
		case HalfOpen:
			b.probes++
			if b.probes >= b.cfg.HalfOpenProbes {
				b.transition(Closed)
				b.failures, b.probes = 0, 0
			}
		case Closed:
			b.failures = 0
		}
		return
	}

	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case Closed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
		b.probes = 0
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	zap.L().Info("source circuit changed state",
		zap.String("component", "resilience"),
		zap.String("source", b.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

// Breakers holds one breaker per source, created on first use.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for source, creating it if needed.
func (r *Breakers) Get(source string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[source]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[source]; ok {
		return b
	}
	b = NewBreaker(source, r.cfg)
	r.breakers[source] = b
	return b
}

// States returns a snapshot of every breaker's state, keyed by source.
func (r *Breakers) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}

// Open returns the sources whose circuit is currently open, sorted.
func (r *Breakers) Open() []string {
	var out []string
	for name, s := range r.States() {
		if s == Open {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

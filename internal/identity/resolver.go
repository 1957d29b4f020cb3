package identity

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/projectmatch/internal/metrics"
)

// ErrUnresolvable is returned for observations with neither an external id
// nor a usable name and phone. They are skipped, never merged on a guess.
var ErrUnresolvable = eris.New("identity: observation has no usable key")

// Outcome is what Ingest did with an observation.
type Outcome string

// Ingest outcomes.
const (
	OutcomeCreated      Outcome = "created"
	OutcomeMerged       Outcome = "merged"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnresolvable Outcome = "unresolvable"
)

// Annotator fills classifier-owned fields on a freshly merged identity.
type Annotator func(*Identity)

// Option configures a Resolver.
type Option func(*Resolver)

// WithTrust sets per-source trust ranks. Higher wins contact conflicts;
// unknown sources rank 0.
func WithTrust(trust map[string]int) Option {
	return func(r *Resolver) {
		for k, v := range trust {
			r.trust[k] = v
		}
	}
}

// WithStore persists every merge before it becomes visible.
func WithStore(s Store) Option {
	return func(r *Resolver) { r.store = s }
}

// WithAnnotator installs the classifier hook.
func WithAnnotator(a Annotator) Option {
	return func(r *Resolver) { r.annotate = a }
}

// WithStripes sets the number of merge lock stripes.
func WithStripes(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.stripes = make([]sync.Mutex, n)
		}
	}
}

const defaultStripes = 64

// Resolver is the shared candidate knowledge base. Merges touching
// different keys run in parallel; merges sharing a key serialize on that
// key's lock stripe. Identities in the maps are never mutated in place, so
// readers only hold mu briefly.
type Resolver struct {
	mu         sync.RWMutex
	identities map[string]*Identity // canonical key -> identity
	aliases    map[string]string    // any key -> canonical key
	seen       map[string]string    // fingerprint -> canonical key

	stripes  []sync.Mutex
	trust    map[string]int
	store    Store
	annotate Annotator
	log      *zap.Logger
}

// NewResolver creates an empty resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		identities: make(map[string]*Identity),
		aliases:    make(map[string]string),
		seen:       make(map[string]string),
		stripes:    make([]sync.Mutex, defaultStripes),
		trust:      make(map[string]int),
		log:        zap.L().With(zap.String("component", "identity")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Load replaces the in-memory state with the store's contents.
func (r *Resolver) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	ids, err := r.store.Load(ctx)
	if err != nil {
		return eris.Wrap(err, "identity: load")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.identities = make(map[string]*Identity, len(ids))
	r.aliases = make(map[string]string, len(ids))
	r.seen = make(map[string]string, len(ids))
	for _, id := range ids {
		r.identities[id.Key] = id
		for _, a := range id.Aliases {
			r.aliases[a] = id.Key
		}
		r.aliases[id.Key] = id.Key
		for _, o := range id.Observations {
			r.seen[o.Fingerprint()] = id.Key
		}
	}
	r.log.Info("identities loaded", zap.Int("count", len(ids)))
	return nil
}

// Ingest resolves one observation into an identity. created is true when
// the observation started a new identity.
func (r *Resolver) Ingest(ctx context.Context, obs Observation) (*Identity, bool, error) {
	id, outcome, err := r.ingest(ctx, obs)
	if err != nil {
		return nil, false, err
	}
	return id, outcome == OutcomeCreated, nil
}

// Resolve is Ingest reporting the exact outcome.
func (r *Resolver) Resolve(ctx context.Context, obs Observation) (*Identity, Outcome, error) {
	return r.ingest(ctx, obs)
}

// BatchResult counts the outcomes of IngestBatch.
type BatchResult struct {
	Created      int `json:"created"`
	Merged       int `json:"merged"`
	Duplicates   int `json:"duplicates"`
	Unresolvable int `json:"unresolvable"`
}

// IngestBatch ingests observations in order. Unresolvable observations are
// counted and skipped; any other failure stops the batch.
func (r *Resolver) IngestBatch(ctx context.Context, batch []Observation) (BatchResult, error) {
	var res BatchResult
	for i, obs := range batch {
		_, outcome, err := r.ingest(ctx, obs)
		switch {
		case eris.Is(err, ErrUnresolvable):
			res.Unresolvable++
			continue
		case err != nil:
			return res, eris.Wrapf(err, "identity: batch item %d", i)
		}
		switch outcome {
		case OutcomeCreated:
			res.Created++
		case OutcomeMerged:
			res.Merged++
		case OutcomeDuplicate:
			res.Duplicates++
		}
	}
	return res, nil
}

// Get returns the identity a key (canonical or alias) resolves to.
func (r *Resolver) Get(key string) (*Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	canonical, ok := r.aliases[key]
	if !ok {
		return nil, false
	}
	id, ok := r.identities[canonical]
	if !ok {
		return nil, false
	}
	return id.Clone(), true
}

// All returns every identity ordered by key.
func (r *Resolver) All() []*Identity {
	r.mu.RLock()
	out := make([]*Identity, 0, len(r.identities))
	for _, id := range r.identities {
		out = append(out, id.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of identities.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

func (r *Resolver) ingest(ctx context.Context, obs Observation) (*Identity, Outcome, error) {
	ext, np := ExternalKey(obs), NamePhoneKey(obs)
	if ext == "" && np == "" {
		metrics.IdentitiesIngested.WithLabelValues(string(OutcomeUnresolvable)).Inc()
		r.log.Warn("unresolvable observation skipped",
			zap.String("source", obs.SourceName),
			zap.String("display_name", obs.DisplayName),
		)
		return nil, OutcomeUnresolvable, eris.Wrapf(ErrUnresolvable, "identity: ingest from %s", obs.SourceName)
	}

	var own []string
	for _, k := range []string{ext, np} {
		if k != "" {
			own = append(own, k)
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		keys := r.withTargets(own)
		unlock := r.lockStripes(keys)
		// Aliases of own keys only move under their stripes, so once the
		// targets are covered they stay put until unlock.
		if !r.covered(own, keys) {
			unlock()
			continue
		}
		id, outcome, err := r.mergeLocked(ctx, obs, ext, np)
		unlock()
		if err != nil {
			return nil, "", err
		}
		metrics.IdentitiesIngested.WithLabelValues(string(outcome)).Inc()
		return id, outcome, nil
	}
}

// withTargets returns keys plus the canonical keys they currently alias.
func (r *Resolver) withTargets(keys []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), keys...)
	for _, k := range keys {
		if t, ok := r.aliases[k]; ok && t != k {
			out = append(out, t)
		}
	}
	return out
}

func (r *Resolver) covered(own, locked []string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[int]bool, len(locked))
	for _, k := range locked {
		set[r.stripeOf(k)] = true
	}
	for _, k := range own {
		if t, ok := r.aliases[k]; ok && !set[r.stripeOf(t)] {
			return false
		}
	}
	return true
}

func (r *Resolver) stripeOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.stripes)))
}

// lockStripes locks the stripes of keys in index order.
func (r *Resolver) lockStripes(keys []string) func() {
	seen := make(map[int]bool, len(keys))
	var idx []int
	for _, k := range keys {
		i := r.stripeOf(k)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		r.stripes[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			r.stripes[idx[j]].Unlock()
		}
	}
}

// mergeLocked computes, persists and installs the merge of obs. The caller
// holds the stripes of every key involved.
func (r *Resolver) mergeLocked(ctx context.Context, obs Observation, ext, np string) (*Identity, Outcome, error) {
	fp := obs.Fingerprint()

	r.mu.RLock()
	if key, dup := r.seen[fp]; dup {
		existing := r.identities[key]
		r.mu.RUnlock()
		r.log.Debug("duplicate observation ignored", zap.String("identity_key", key), zap.String("source", obs.SourceName))
		return existing.Clone(), OutcomeDuplicate, nil
	}
	npTarget := r.aliases[np]
	extExisting := r.identities[ext]
	npTargetIdentity := r.identities[npTarget]
	r.mu.RUnlock()

	ch := Change{Observation: obs, Fingerprint: fp}
	moved := map[string]bool{fp: true}
	aliasTo := map[string]string{}
	var target *Identity
	outcome := OutcomeMerged

	if ext != "" {
		if extExisting != nil {
			target = extExisting.Clone()
		} else {
			target = &Identity{Key: ext}
			outcome = OutcomeCreated
		}
		target.addAlias(ext)
		aliasTo[ext] = ext
		target.Observations = append(target.Observations, obs)

		switch {
		case np == "" || npTarget == ext:
		case npTarget == "" || npTargetIdentity == nil:
			target.addAlias(np)
			aliasTo[np] = ext
		case npTarget == np:
			// Absorb the identity that was built from name+phone alone.
			for _, o := range npTargetIdentity.Observations {
				target.Observations = append(target.Observations, o)
				moved[o.Fingerprint()] = true
			}
			target.addAlias(np)
			aliasTo[np] = ext
			ch.Removed = append(ch.Removed, np)
			r.log.Info("identity absorbed",
				zap.String("identity_key", ext),
				zap.String("absorbed_key", np),
				zap.Int("observations", len(npTargetIdentity.Observations)),
			)
		case ext < npTarget:
			// Two registry ids claim one name+phone; the smaller id owns
			// the alias and the name+phone-only observations under it.
			other := npTargetIdentity.Clone()
			kept := other.Observations[:0]
			for _, o := range other.Observations {
				if o.ExternalID == "" && NamePhoneKey(o) == np {
					target.Observations = append(target.Observations, o)
					moved[o.Fingerprint()] = true
					continue
				}
				kept = append(kept, o)
			}
			other.Observations = kept
			other.removeAlias(np)
			r.refresh(other)
			ch.Upserted = append(ch.Upserted, other)
			target.addAlias(np)
			aliasTo[np] = ext
		}
		if len(moved) > 1 {
			outcome = OutcomeMerged
		}
	} else {
		if npTargetIdentity != nil {
			target = npTargetIdentity.Clone()
		} else {
			target = &Identity{Key: np}
			outcome = OutcomeCreated
			target.addAlias(np)
			aliasTo[np] = np
		}
		target.Observations = append(target.Observations, obs)
	}

	r.refresh(target)
	ch.Upserted = append([]*Identity{target}, ch.Upserted...)
	ch.IdentityKey = target.Key

	if r.store != nil {
		if err := r.store.Save(ctx, ch); err != nil {
			return nil, "", eris.Wrapf(err, "identity: save %s", target.Key)
		}
	}

	r.mu.Lock()
	for _, id := range ch.Upserted {
		r.identities[id.Key] = id
	}
	for _, k := range ch.Removed {
		delete(r.identities, k)
	}
	for k, v := range aliasTo {
		r.aliases[k] = v
	}
	for f := range moved {
		r.seen[f] = target.Key
	}
	r.mu.Unlock()

	r.log.Debug("observation resolved",
		zap.String("identity_key", target.Key),
		zap.String("outcome", string(outcome)),
		zap.String("source", obs.SourceName),
		zap.Int("observations", len(target.Observations)),
	)
	return target.Clone(), outcome, nil
}

func (id *Identity) addAlias(key string) {
	i := sort.SearchStrings(id.Aliases, key)
	if i < len(id.Aliases) && id.Aliases[i] == key {
		return
	}
	id.Aliases = append(id.Aliases, "")
	copy(id.Aliases[i+1:], id.Aliases[i:])
	id.Aliases[i] = key
}

func (id *Identity) removeAlias(key string) {
	i := sort.SearchStrings(id.Aliases, key)
	if i < len(id.Aliases) && id.Aliases[i] == key {
		id.Aliases = append(id.Aliases[:i], id.Aliases[i+1:]...)
	}
}

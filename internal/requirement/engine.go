package requirement

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/projectmatch/internal/metrics"
	"github.com/sells-group/projectmatch/internal/model"
)

// Engine applies extraction events to requirement records. All writes to a
// record are serialized on a per-record lock; the store's version check
// catches writers in other processes.
type Engine struct {
	reg    *model.FieldRegistry
	store  Store
	policy Policy
	locks  *keyedLock
	now    func() time.Time
	newID  func() string
	log    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used for created_at, activity and
// publication timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// NewEngine creates an assembly engine.
func NewEngine(reg *model.FieldRegistry, store Store, policy Policy, opts ...Option) *Engine {
	e := &Engine{
		reg:    reg,
		store:  store,
		policy: policy,
		locks:  newKeyedLock(),
		now:    time.Now,
		newID:  uuid.NewString,
		log:    zap.L().With(zap.String("component", "assembly")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the engine's field registry.
func (e *Engine) Registry() *model.FieldRegistry { return e.reg }

// Policy returns the engine's publication policy.
func (e *Engine) Policy() Policy { return e.policy }

// Completion returns rec's completion percentage.
func (e *Engine) Completion(rec *Record) float64 {
	return CompletionPercentage(e.reg, rec)
}

// Create starts a new collecting record for a conversation.
func (e *Engine) Create(ctx context.Context, conversationID string) (*Record, error) {
	if conversationID == "" {
		return nil, eris.New("requirement: create: conversation id is required")
	}
	now := e.now().UTC()
	rec := &Record{
		ID:             e.newID(),
		ConversationID: conversationID,
		Fields:         make(map[string]FieldValue),
		Status:         StatusCollecting,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := e.store.CreateRecord(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "requirement: create")
	}
	e.log.Debug("record created", zap.String("record_id", rec.ID), zap.String("conversation_id", conversationID))
	return rec, nil
}

// Get returns the current state of a record.
func (e *Engine) Get(ctx context.Context, id string) (*Record, error) {
	return e.store.GetRecord(ctx, id)
}

// GetPublished returns the snapshot of a published record.
func (e *Engine) GetPublished(ctx context.Context, id string) (*PublishedRecord, error) {
	return e.store.GetPublished(ctx, id)
}

// Status returns the publish-gate status of a record.
func (e *Engine) Status(ctx context.Context, id string) (GateResult, error) {
	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return GateResult{}, err
	}
	return EvaluatePublishGate(e.reg, e.policy, rec), nil
}

// ApplyUpdate merges one extraction event into a record.
//
// An unset field always accepts. A stored user_confirmed value ignores
// anything that is not itself user_confirmed (stale_inferior). Otherwise the
// update wins only when its observed_at is strictly newer (else stale).
// Stale outcomes leave the record untouched.
func (e *Engine) ApplyUpdate(ctx context.Context, id string, u Update) (*Result, error) {
	unlock, err := e.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := writable(rec); err != nil {
		return nil, err
	}
	return e.applyLocked(ctx, rec, u)
}

func (e *Engine) applyLocked(ctx context.Context, rec *Record, u Update) (*Result, error) {
	spec, applicable, err := e.reg.Lookup(u.Field, rec.Category)
	if err != nil {
		return nil, err
	}
	if !u.Source.Valid() {
		metrics.FieldUpdates.WithLabelValues("rejected").Inc()
		return nil, &ValidationError{Field: u.Field, Rejection: &model.Rejection{
			Reason: model.WrongFormat, Detail: "unknown source " + string(u.Source),
		}}
	}
	if u.Confidence < 0 || u.Confidence > 1 {
		metrics.FieldUpdates.WithLabelValues("rejected").Inc()
		return nil, &ValidationError{Field: u.Field, Rejection: &model.Rejection{
			Reason: model.OutOfRange, Detail: "confidence must be within [0, 1]",
		}}
	}
	normalized, rej := spec.Validate(u.Value)
	if rej != nil {
		metrics.FieldUpdates.WithLabelValues("rejected").Inc()
		return nil, &ValidationError{Field: u.Field, Rejection: rej}
	}

	log := e.log.With(zap.String("record_id", rec.ID), zap.String("field", u.Field))

	prev, exists := rec.Fields[u.Field]
	if exists {
		outcome := OutcomeAccepted
		switch {
		case prev.Source == SourceUserConfirmed && u.Source != SourceUserConfirmed:
			outcome = OutcomeStaleInferior
		case u.ObservedAt <= prev.UpdatedAt:
			outcome = OutcomeStale
		}
		if outcome != OutcomeAccepted {
			log.Debug("update ignored",
				zap.String("outcome", string(outcome)),
				zap.Int64("observed_at", u.ObservedAt),
				zap.Int64("stored_at", prev.UpdatedAt),
			)
			metrics.FieldUpdates.WithLabelValues(string(outcome)).Inc()
			return &Result{Outcome: outcome, Record: rec, CompletionPercentage: e.Completion(rec)}, nil
		}
	}

	fv := FieldValue{
		RawValue:        u.Value,
		NormalizedValue: normalized,
		Source:          u.Source,
		Confidence:      u.Confidence,
		UpdatedAt:       u.ObservedAt,
		Version:         prev.Version + 1,
		Excluded:        !applicable,
	}
	if err := e.commit(ctx, rec, u.Field, fv); err != nil {
		return nil, err
	}

	completion := e.Completion(rec)
	log.Debug("update accepted",
		zap.String("source", string(u.Source)),
		zap.Int64("version", rec.Version),
		zap.Float64("completion", completion),
		zap.String("status", string(rec.Status)),
	)
	metrics.FieldUpdates.WithLabelValues(string(OutcomeAccepted)).Inc()
	return &Result{Outcome: OutcomeAccepted, Record: rec, CompletionPercentage: completion}, nil
}

// commit writes fv into rec, refreshes derived state and saves the record.
func (e *Engine) commit(ctx context.Context, rec *Record, field string, fv FieldValue) error {
	expected := rec.Version
	now := e.now().UTC()

	rec.Fields[field] = fv
	entry := HistoryEntry{Field: field, Value: fv, RecordedAt: now}
	rec.History = append(rec.History, entry)
	rec.Version++
	rec.LastActivityAt = now

	if field == model.FieldCategory {
		if c, ok := fv.NormalizedValue.(string); ok && c != rec.Category {
			rec.Category = c
			if excluded := markApplicability(e.reg, rec); len(excluded) > 0 {
				e.log.Debug("fields excluded by category",
					zap.String("record_id", rec.ID),
					zap.String("category", c),
					zap.Strings("fields", excluded),
				)
			}
		}
	}

	if EvaluatePublishGate(e.reg, e.policy, rec).Ready {
		rec.Status = StatusReady
	} else {
		rec.Status = StatusCollecting
	}

	if err := e.store.SaveRecord(ctx, rec, expected, []HistoryEntry{entry}); err != nil {
		return eris.Wrapf(err, "requirement: save record %s", rec.ID)
	}
	return nil
}

// Publish snapshots a ready record. Publishing an already published record
// returns the stored snapshot unchanged.
func (e *Engine) Publish(ctx context.Context, id string) (*PublishedRecord, error) {
	unlock, err := e.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case StatusPublished:
		metrics.Publications.WithLabelValues("repeat").Inc()
		return e.store.GetPublished(ctx, id)
	case StatusAbandoned:
		return nil, eris.Wrapf(ErrAbandoned, "requirement: publish %s", id)
	}

	gate := EvaluatePublishGate(e.reg, e.policy, rec)
	if !gate.Ready {
		metrics.Publications.WithLabelValues("not_ready").Inc()
		return nil, &NotReadyError{
			RecordID:   id,
			Missing:    gate.MissingRequired,
			Completion: gate.CompletionPercentage,
			Threshold:  gate.Threshold,
		}
	}

	expected := rec.Version
	now := e.now().UTC()
	rec.Status = StatusPublished
	rec.Version++
	rec.LastActivityAt = now

	pub := &PublishedRecord{
		Record:               *rec.Clone(),
		PublishedAt:          now,
		CompletionPercentage: gate.CompletionPercentage,
		DiscoveryKey:         DiscoveryKey(id),
	}
	if err := e.store.PublishRecord(ctx, rec, expected, pub); err != nil {
		return nil, eris.Wrapf(err, "requirement: publish %s", id)
	}

	e.log.Info("record published",
		zap.String("record_id", id),
		zap.String("category", rec.Category),
		zap.String("amends_id", rec.AmendsID),
		zap.Float64("completion", gate.CompletionPercentage),
	)
	metrics.Publications.WithLabelValues("published").Inc()
	return pub, nil
}

// DiscoveryKey returns the discovery cache key of a published record.
func DiscoveryKey(publishedID string) string {
	return "discovery:" + publishedID
}

// Delete removes a record that has not been published.
func (e *Engine) Delete(ctx context.Context, id string) error {
	unlock, err := e.locks.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status == StatusPublished {
		return eris.Wrapf(ErrPublished, "requirement: delete %s", id)
	}
	if err := e.store.DeleteRecord(ctx, id); err != nil {
		return eris.Wrapf(err, "requirement: delete %s", id)
	}
	e.log.Info("record deleted", zap.String("record_id", id), zap.String("status", string(rec.Status)))
	return nil
}

// Abandon moves a mutable record to abandoned. Abandoning an abandoned
// record is a no-op.
func (e *Engine) Abandon(ctx context.Context, id string) (*Record, error) {
	unlock, err := e.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.abandonLocked(ctx, rec)
}

func (e *Engine) abandonLocked(ctx context.Context, rec *Record) (*Record, error) {
	switch rec.Status {
	case StatusAbandoned:
		return rec, nil
	case StatusPublished:
		return nil, eris.Wrapf(ErrPublished, "requirement: abandon %s", rec.ID)
	}
	expected := rec.Version
	rec.Status = StatusAbandoned
	rec.Version++
	if err := e.store.SaveRecord(ctx, rec, expected, nil); err != nil {
		return nil, eris.Wrapf(err, "requirement: abandon %s", rec.ID)
	}
	metrics.RecordsAbandoned.Inc()
	e.log.Info("record abandoned", zap.String("record_id", rec.ID))
	return rec, nil
}

// SweepInactive abandons every collecting or ready record whose last
// activity is at least the policy's inactivity timeout before now. It
// returns the ids it abandoned. Records that fail to save are logged and
// skipped.
func (e *Engine) SweepInactive(ctx context.Context, now time.Time) ([]string, error) {
	if e.policy.InactivityTimeout <= 0 {
		return nil, nil
	}
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "requirement: sweep")
	}

	var abandoned []string
	for _, candidate := range active {
		if now.Sub(candidate.LastActivityAt) < e.policy.InactivityTimeout {
			continue
		}
		id, err := e.sweepOne(ctx, candidate.ID, now)
		if err != nil {
			if ctx.Err() != nil {
				return abandoned, ctx.Err()
			}
			e.log.Error("sweep record", zap.String("record_id", candidate.ID), zap.Error(err))
			continue
		}
		if id != "" {
			abandoned = append(abandoned, id)
		}
	}
	e.log.Info("inactivity sweep complete",
		zap.Int("active", len(active)),
		zap.Int("abandoned", len(abandoned)),
	)
	return abandoned, nil
}

func (e *Engine) sweepOne(ctx context.Context, id string, now time.Time) (string, error) {
	unlock, err := e.locks.acquire(ctx, id)
	if err != nil {
		return "", err
	}
	defer unlock()

	// Re-read under the lock; an update may have landed since ListActive.
	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return "", err
	}
	if !rec.Status.Mutable() || now.Sub(rec.LastActivityAt) < e.policy.InactivityTimeout {
		return "", nil
	}
	if _, err := e.abandonLocked(ctx, rec); err != nil {
		return "", err
	}
	return id, nil
}

// Amend routes a correction against a published record into its open
// amendment record, creating one seeded with the published values when none
// exists. The published snapshot itself never changes.
func (e *Engine) Amend(ctx context.Context, publishedID string, u Update) (*Result, error) {
	pub, err := e.store.GetPublished(ctx, publishedID)
	if err != nil {
		return nil, err
	}

	amendment, err := e.openAmendment(ctx, pub)
	if err != nil {
		return nil, err
	}
	return e.ApplyUpdate(ctx, amendment.ID, u)
}

func (e *Engine) openAmendment(ctx context.Context, pub *PublishedRecord) (*Record, error) {
	// The published record's own lock guards amendment creation.
	unlock, err := e.locks.acquire(ctx, pub.ID())
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.store.FindOpenAmendment(ctx, pub.ID())
	if err == nil {
		return rec, nil
	}
	if !eris.Is(err, ErrNotFound) {
		return nil, eris.Wrapf(err, "requirement: amend %s", pub.ID())
	}

	// Seed from the newest published correction so earlier amendments carry
	// forward.
	seed := pub
	latest, err := e.store.LatestPublishedAmendment(ctx, pub.ID())
	switch {
	case err == nil:
		seed = latest
	case !eris.Is(err, ErrNotFound):
		return nil, eris.Wrapf(err, "requirement: amend %s", pub.ID())
	}

	now := e.now().UTC()
	rec = &Record{
		ID:             e.newID(),
		ConversationID: pub.Record.ConversationID,
		Category:       seed.Record.Category,
		Fields:         make(map[string]FieldValue, len(seed.Record.Fields)),
		Status:         StatusCollecting,
		AmendsID:       pub.ID(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	for k, v := range seed.Record.Fields {
		rec.Fields[k] = v
	}
	if EvaluatePublishGate(e.reg, e.policy, rec).Ready {
		rec.Status = StatusReady
	}
	if err := e.store.CreateRecord(ctx, rec); err != nil {
		return nil, eris.Wrapf(err, "requirement: amend %s", pub.ID())
	}
	e.log.Info("amendment opened",
		zap.String("record_id", rec.ID),
		zap.String("amends_id", pub.ID()),
		zap.String("seeded_from", seed.ID()),
	)
	return rec, nil
}

// History returns every accepted write for field, oldest first.
func (e *Engine) History(ctx context.Context, id, field string) ([]HistoryEntry, error) {
	if _, err := e.reg.Spec(field); err != nil {
		return nil, err
	}
	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.FieldHistory(field), nil
}

// Undo restores the value a field held before its latest accepted write.
// The restore is itself a user_confirmed write stamped observedAt, so an
// undo that is not newer than the current value is reported stale.
// Consecutive undos keep stepping back through the field's history rather
// than toggling between the last two values.
func (e *Engine) Undo(ctx context.Context, id, field string, observedAt int64) (*Result, error) {
	if _, err := e.reg.Spec(field); err != nil {
		return nil, err
	}
	unlock, err := e.locks.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := e.store.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := writable(rec); err != nil {
		return nil, err
	}

	hist := rec.FieldHistory(field)
	target := undoTarget(hist)
	if target < 0 {
		return nil, eris.Wrapf(ErrNothingToUndo, "requirement: undo %s on %s", field, id)
	}
	cur := rec.Fields[field]
	if observedAt <= cur.UpdatedAt {
		metrics.FieldUpdates.WithLabelValues(string(OutcomeStale)).Inc()
		return &Result{Outcome: OutcomeStale, Record: rec, CompletionPercentage: e.Completion(rec)}, nil
	}

	restored := hist[target].Value
	restored.RestoredFrom = target + 1
	restored.Source = SourceUserConfirmed
	restored.UpdatedAt = observedAt
	restored.Version = cur.Version + 1
	if spec, err := e.reg.Spec(field); err == nil {
		restored.Excluded = !spec.AppliesTo(rec.Category)
	}
	if err := e.commit(ctx, rec, field, restored); err != nil {
		return nil, err
	}
	e.log.Info("field restored", zap.String("record_id", id), zap.String("field", field))
	metrics.FieldUpdates.WithLabelValues(string(OutcomeAccepted)).Inc()
	return &Result{Outcome: OutcomeAccepted, Record: rec, CompletionPercentage: e.Completion(rec)}, nil
}

// undoTarget returns the index of the ordinary write an undo should restore,
// or -1 when the history is exhausted. An undo entry stands for the write it
// restored, so the next step starts just before that write.
func undoTarget(hist []HistoryEntry) int {
	if len(hist) == 0 {
		return -1
	}
	pos := len(hist) - 1
	if from := hist[pos].Value.RestoredFrom; from > 0 {
		pos = from - 1
	}
	prev := pos - 1
	if prev < 0 {
		return -1
	}
	if from := hist[prev].Value.RestoredFrom; from > 0 {
		return from - 1
	}
	return prev
}

func writable(rec *Record) error {
	switch rec.Status {
	case StatusPublished:
		return eris.Wrapf(ErrPublished, "requirement: write %s", rec.ID)
	case StatusAbandoned:
		return eris.Wrapf(ErrAbandoned, "requirement: write %s", rec.ID)
	}
	return nil
}

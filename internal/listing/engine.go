// Package listing maps provider records onto canonical listings and merges
// them into the store under source priority.
package listing

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/classify"
	"github.com/sells-group/listing-sync/internal/model"
)

// ErrIdentityConflict is returned by a Store when a save collides with a
// unique identity owned by another row.
var ErrIdentityConflict = eris.New("listing: identity conflict")

// Store persists canonical listings. Find methods return (nil, nil) when no
// row matches, soft-deleted rows included.
type Store interface {
	FindByExternalID(ctx context.Context, externalID string) (*model.Listing, error)
	FindByBoardMLS(ctx context.Context, board, mls string) (*model.Listing, error)
	// Create inserts l and, when h is non-nil, its first history row.
	Create(ctx context.Context, l *model.Listing, h *model.StatusHistory) error
	// Update writes all mergeable columns of l and appends h when non-nil.
	Update(ctx context.Context, l *model.Listing, h *model.StatusHistory) error
}

// Outcome is the per-record result of a merge.
type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeCreated
	OutcomeUpdated
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	default:
		return "skipped"
	}
}

// Result describes what happened to one raw record.
type Result struct {
	Listing       *model.Listing
	Outcome       Outcome
	Changed       []string
	StatusChanged bool
	Skip          model.SkipReason
}

// Written reports whether the merge persisted anything.
func (r Result) Written() bool {
	return r.Outcome == OutcomeCreated || r.Outcome == OutcomeUpdated
}

// Ranker resolves the priority rank of a stored listing's source.
type Ranker struct {
	byID map[int64]int
}

// NewRanker indexes sources by id.
func NewRanker(sources []model.Source) *Ranker {
	r := &Ranker{byID: make(map[int64]int, len(sources))}
	for _, s := range sources {
		r.byID[s.ID] = s.Rank
	}
	return r
}

// Rank returns the rank for a source id; unknown ids rank 0.
func (r *Ranker) Rank(id int64) int {
	if r == nil {
		return 0
	}
	return r.byID[id]
}

// Engine is the upsert engine.
type Engine struct {
	store      Store
	ranker     *Ranker
	classifier *classify.Classifier
	now        func() time.Time
	log        *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an upsert engine over store.
func NewEngine(store Store, ranker *Ranker, c *classify.Classifier, opts ...EngineOption) *Engine {
	if c == nil {
		c = classify.New()
	}
	e := &Engine{
		store:      store,
		ranker:     ranker,
		classifier: c,
		now:        time.Now,
		log:        zap.L().With(zap.String("component", "listing.engine")),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Merge maps raw and folds it into the canonical store on behalf of src.
// A non-nil error always comes with Skip set to SkipPersistence.
func (e *Engine) Merge(ctx context.Context, src model.Source, raw *model.RawRecord) (Result, error) {
	incoming, skip := Map(raw, e.classifier)
	if skip != model.SkipNone {
		return Result{Outcome: OutcomeSkipped, Skip: skip}, nil
	}

	res, err := e.save(ctx, src, incoming, raw)
	if errors.Is(err, ErrIdentityConflict) {
		e.log.Info("identity conflict, retrying",
			zap.String("external_id", incoming.ExternalID),
			zap.String("source", src.Slug),
		)
		res, err = e.save(ctx, src, incoming, raw)
	}
	if err != nil {
		return Result{Listing: incoming, Outcome: OutcomeSkipped, Skip: model.SkipPersistence}, err
	}
	return res, nil
}

func (e *Engine) resolve(ctx context.Context, incoming *model.Listing) (*model.Listing, error) {
	stored, err := e.store.FindByExternalID(ctx, incoming.ExternalID)
	if err != nil || stored != nil {
		return stored, err
	}
	if !incoming.HasSecondaryIdentity() {
		return nil, nil
	}
	return e.store.FindByBoardMLS(ctx, *incoming.BoardCode, *incoming.MLSNumber)
}

func (e *Engine) save(ctx context.Context, src model.Source, incoming *model.Listing, raw *model.RawRecord) (Result, error) {
	stored, err := e.resolve(ctx, incoming)
	if err != nil {
		return Result{}, eris.Wrapf(err, "listing: resolve %s", incoming.ExternalID)
	}

	if stored == nil {
		l := clone(incoming)
		if src.ID != 0 {
			id := src.ID
			l.SourceID = &id
		}
		if err := e.store.Create(ctx, l, e.history(l, raw)); err != nil {
			return Result{}, err
		}
		return Result{Listing: l, Outcome: OutcomeCreated, StatusChanged: true}, nil
	}

	claim, err := e.pairClaimable(ctx, stored, incoming)
	if err != nil {
		return Result{}, eris.Wrapf(err, "listing: check identity %s", incoming.ExternalID)
	}
	merged, changed := e.fold(stored, incoming, src, claim)
	if len(changed) == 0 {
		return Result{Listing: stored, Outcome: OutcomeUnchanged}, nil
	}

	statusChanged := statusKey(stored) != statusKey(merged)
	var h *model.StatusHistory
	if statusChanged {
		h = e.history(merged, raw)
	}
	if err := e.store.Update(ctx, merged, h); err != nil {
		return Result{}, err
	}
	return Result{Listing: merged, Outcome: OutcomeUpdated, Changed: changed, StatusChanged: statusChanged}, nil
}

// pairClaimable reports whether gap-filling stored's board/MLS pair from
// incoming is safe. A pair already owned by another row is left alone so
// the row keeps taking attribute updates.
func (e *Engine) pairClaimable(ctx context.Context, stored, incoming *model.Listing) (bool, error) {
	board, mls := stored.BoardCode, stored.MLSNumber
	if board == nil {
		board = incoming.BoardCode
	}
	if mls == nil {
		mls = incoming.MLSNumber
	}
	if board == nil || mls == nil || *board == "" || *mls == "" {
		return true, nil
	}
	if stored.BoardCode != nil && stored.MLSNumber != nil {
		return true, nil
	}
	owner, err := e.store.FindByBoardMLS(ctx, *board, *mls)
	if err != nil {
		return false, err
	}
	if owner != nil && owner.ID != stored.ID {
		e.log.Warn("board/mls pair owned by another listing, not claiming",
			zap.String("external_id", stored.ExternalID),
			zap.String("owner_external_id", owner.ExternalID),
			zap.String("board_code", *board),
			zap.String("mls_number", *mls),
		)
		return false, nil
	}
	return true, nil
}

// fold applies the priority rules and returns the merged listing plus the
// names of columns that changed. Payload is never reported as a change.
// Identity columns are gap-filled only when claim is set.
func (e *Engine) fold(stored, incoming *model.Listing, src model.Source, claim bool) (*model.Listing, []string) {
	merged := clone(stored)
	var changed []string

	if claim && merged.BoardCode == nil && incoming.BoardCode != nil {
		merged.BoardCode = cloneString(incoming.BoardCode)
		changed = append(changed, "board_code")
	}
	if claim && merged.MLSNumber == nil && incoming.MLSNumber != nil {
		merged.MLSNumber = cloneString(incoming.MLSNumber)
		changed = append(changed, "mls_number")
	}

	switch {
	case stored.SourceID == nil || src.Rank > e.ranker.Rank(*stored.SourceID):
		replaceAttrs(merged, incoming)
		merged.Payload = incoming.Payload
		if src.ID != 0 && (stored.SourceID == nil || *stored.SourceID != src.ID) {
			id := src.ID
			merged.SourceID = &id
			changed = append(changed, "source_id")
		}
	case src.Rank == e.ranker.Rank(*stored.SourceID) && !olderThan(incoming.ModifiedAt, stored.ModifiedAt):
		replaceAttrs(merged, incoming)
		merged.Payload = incoming.Payload
	default:
		gapFill(merged, incoming)
	}

	return merged, append(changed, Diff(stored, merged)...)
}

// olderThan reports whether a is known to precede b.
func olderThan(a, b *time.Time) bool {
	return a != nil && b != nil && a.Before(*b)
}

func (e *Engine) history(l *model.Listing, raw *model.RawRecord) *model.StatusHistory {
	label := deref(l.DisplayStatus)
	if label == "" {
		label = deref(l.StatusCode)
	}
	h := &model.StatusHistory{
		ListingID:   l.ID,
		StatusCode:  deref(l.StatusCode),
		StatusLabel: label,
		ChangedAt:   e.now().UTC(),
	}
	if raw != nil {
		h.ChangedAt = StatusChangedAt(raw, e.now())
		h.Payload = raw.Payload
	}
	return h
}

func clone(l *model.Listing) *model.Listing {
	c := *l
	c.BoardCode = cloneString(l.BoardCode)
	c.MLSNumber = cloneString(l.MLSNumber)
	if l.SourceID != nil {
		id := *l.SourceID
		c.SourceID = &id
	}
	replaceAttrs(&c, l)
	return &c
}

// Package job composes the feed client, classifier, upsert engine, cursor
// store and media queue into the replication runs.
package job

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/classify"
	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/cursor"
	"github.com/sells-group/listing-sync/internal/feed"
	"github.com/sells-group/listing-sync/internal/listing"
	"github.com/sells-group/listing-sync/internal/media"
	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/status"
)

// Kind groups jobs by scan type.
type Kind int

const (
	KindBackfill Kind = iota + 1 // full power-of-sale scan of one provider
	KindWindow                   // rolling advisory window of one provider
	KindDelta                    // recent changes across every provider
	KindImport                   // explicit identity list
	KindMedia                    // media backfill
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBackfill:
		return "backfill"
	case KindWindow:
		return "window"
	case KindDelta:
		return "delta"
	case KindImport:
		return "import"
	case KindMedia:
		return "media"
	default:
		return "unknown"
	}
}

// Job is one replication run type. Name doubles as the guard and progress
// channel.
type Job interface {
	Name() string
	Kind() Kind
	// Timeout is the hard wall-clock budget of one run; it is also the
	// guard lease TTL.
	Timeout() time.Duration
	Run(ctx context.Context, env *Env) (*Result, error)
}

// Result is what a run reports back to the sync log.
type Result struct {
	Counters status.Counters `json:"counters"`
	// Cursors holds the final position of every channel the run advanced.
	Cursors map[string]model.Cursor `json:"cursors,omitempty"`
	// LastError is the most recent per-record or per-page error message.
	LastError string `json:"last_error,omitempty"`
}

// Metadata flattens r into the sync log metadata column.
func (r *Result) Metadata() map[string]any {
	m := map[string]any{
		"pages":         r.Counters.Pages,
		"fetched":       r.Counters.Fetched,
		"created":       r.Counters.Created,
		"updated":       r.Counters.Updated,
		"unchanged":     r.Counters.Unchanged,
		"filtered":      r.Counters.Filtered,
		"skipped":       r.Counters.Skipped,
		"failed":        r.Counters.Failed,
		"dropped":       r.Counters.Dropped,
		"page_failures": r.Counters.PageFailures,
	}
	if len(r.Cursors) > 0 {
		cursors := make(map[string]string, len(r.Cursors))
		for ch, c := range r.Cursors {
			cursors[ch] = c.Timestamp.Format(time.RFC3339Nano) + "|" + c.Key
		}
		m["cursors"] = cursors
	}
	if r.LastError != "" {
		m["last_error"] = r.LastError
	}
	return m
}

func (r *Result) merge(o *Result) {
	if o == nil {
		return
	}
	r.Counters.Add(o.Counters)
	for ch, c := range o.Cursors {
		if r.Cursors == nil {
			r.Cursors = make(map[string]model.Cursor)
		}
		r.Cursors[ch] = c
	}
	if o.LastError != "" {
		r.LastError = o.LastError
	}
}

// Merger folds a raw record into the canonical store.
type Merger interface {
	Merge(ctx context.Context, src model.Source, raw *model.RawRecord) (listing.Result, error)
}

// Submitter accepts media targets without blocking.
type Submitter interface {
	Submit(t media.Target) bool
}

// MissingLister finds listings without media.
type MissingLister interface {
	ListMissing(ctx context.Context, limit int) ([]media.Target, error)
}

// Env carries the collaborators a job runs against.
type Env struct {
	// Sources are the feed providers, highest rank first.
	Sources []feed.Source
	// Rows maps provider slug to its mls.sources row.
	Rows       map[string]model.Source
	Merger     Merger
	Classifier *classify.Classifier
	Cursors    cursor.Store
	// Media receives targets for newly written listings. Nil disables it.
	Media        Submitter
	MediaSyncer  media.Syncer
	MediaMissing MissingLister
	MediaWorkers int
	Config       config.ReplicationConfig
	Now          func() time.Time

	// report is set per run by the Engine.
	report func(ctx context.Context, c status.Counters)
}

// Source returns the provider with slug.
func (e *Env) Source(slug string) (feed.Source, bool) {
	for _, s := range e.Sources {
		if s.Slug() == slug {
			return s, true
		}
	}
	return nil, false
}

// Row returns the sources row for a provider, falling back to its
// configured rank when the row is unknown.
func (e *Env) Row(src feed.Source) model.Source {
	if r, ok := e.Rows[src.Slug()]; ok {
		return r
	}
	return model.Source{Slug: src.Slug(), Name: src.Slug(), Rank: src.Rank()}
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Env) progress(ctx context.Context, c status.Counters) {
	if e.report != nil {
		e.report(ctx, c)
	}
}

// Registry maps job names to their implementations.
type Registry struct {
	jobs  map[string]Job
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]Job)}
}

// Register adds j, replacing any job of the same name.
func (r *Registry) Register(j Job) {
	if _, ok := r.jobs[j.Name()]; !ok {
		r.order = append(r.order, j.Name())
	}
	r.jobs[j.Name()] = j
}

// Get looks up a job by name.
func (r *Registry) Get(name string) (Job, error) {
	j, ok := r.jobs[name]
	if !ok {
		return nil, eris.Errorf("job: unknown job %q (valid: %v)", name, r.Names())
	}
	return j, nil
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// All returns the registered jobs in registration order.
func (r *Registry) All() []Job {
	out := make([]Job, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.jobs[n])
	}
	return out
}

// ByKind returns the registered jobs of kind k, sorted by name.
func (r *Registry) ByKind(k Kind) []Job {
	var out []Job
	for _, j := range r.jobs {
		if j.Kind() == k {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name() < out[k].Name() })
	return out
}

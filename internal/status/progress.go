package status

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// RunStatus is the lifecycle state of a channel run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusSkipped   RunStatus = "skipped"
)

// Counters accumulate per-record outcomes within one run.
type Counters struct {
	Pages     int `json:"pages" yaml:"pages"`
	Fetched   int `json:"fetched" yaml:"fetched"`
	Created   int `json:"created" yaml:"created"`
	Updated   int `json:"updated" yaml:"updated"`
	Unchanged int `json:"unchanged" yaml:"unchanged"`
	Filtered  int `json:"filtered" yaml:"filtered"`
	Skipped   int `json:"skipped" yaml:"skipped"`
	Failed    int `json:"failed" yaml:"failed"`
	Dropped   int `json:"dropped" yaml:"dropped"`
	// PageFailures counts list fetches that came back failed.
	PageFailures int `json:"page_failures" yaml:"page_failures"`
}

// Add folds o into c.
func (c *Counters) Add(o Counters) {
	c.Pages += o.Pages
	c.Fetched += o.Fetched
	c.Created += o.Created
	c.Updated += o.Updated
	c.Unchanged += o.Unchanged
	c.Filtered += o.Filtered
	c.Skipped += o.Skipped
	c.Failed += o.Failed
	c.Dropped += o.Dropped
	c.PageFailures += o.PageFailures
}

// Written returns created plus updated.
func (c Counters) Written() int { return c.Created + c.Updated }

// Progress is the observable state of the latest run on a channel.
type Progress struct {
	Channel    string     `json:"channel" yaml:"channel"`
	RunID      string     `json:"run_id" yaml:"run_id"`
	Status     RunStatus  `json:"status" yaml:"status"`
	Counters   Counters   `json:"counters" yaml:"counters"`
	LastError  string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at" yaml:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	// TTL bounds a running entry; it is the run's own timeout.
	TTL time.Duration `json:"-" yaml:"-"`
}

// Tracker reads and writes progress:<channel> entries. A running entry
// expires after its run's timeout so a crashed process blocks the channel no
// longer than that run could have lasted; finished entries are kept for the
// history TTL.
type Tracker struct {
	store      Store
	historyTTL time.Duration
	now        func() time.Time
}

// NewTracker creates a progress tracker.
func NewTracker(store Store, historyTTL time.Duration) *Tracker {
	return &Tracker{store: store, historyTTL: historyTTL, now: time.Now}
}

// SetClock replaces the tracker clock.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Get returns the progress for channel.
func (t *Tracker) Get(ctx context.Context, channel string) (*Progress, bool, error) {
	b, ok, err := t.store.Get(ctx, ProgressPrefix+channel)
	if err != nil || !ok {
		return nil, false, err
	}
	var p Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, false, eris.Wrapf(err, "status: decode progress %s", channel)
	}
	return &p, true, nil
}

// Running reports whether channel has a live running entry.
func (t *Tracker) Running(ctx context.Context, channel string) (bool, error) {
	p, ok, err := t.Get(ctx, channel)
	if err != nil || !ok {
		return false, err
	}
	return p.Status == StatusRunning, nil
}

// Start records a new running entry that expires after ttl.
func (t *Tracker) Start(ctx context.Context, channel, runID string, ttl time.Duration) (*Progress, error) {
	now := t.now().UTC()
	p := &Progress{Channel: channel, RunID: runID, Status: StatusRunning, StartedAt: now, UpdatedAt: now, TTL: ttl}
	return p, t.put(ctx, p, ttl)
}

// Update persists counters of a running entry. The entry keeps the TTL it
// was started with, measured from its start.
func (t *Tracker) Update(ctx context.Context, p *Progress) error {
	now := t.now().UTC()
	p.UpdatedAt = now
	ttl := p.TTL
	if ttl > 0 && !p.StartedAt.IsZero() {
		ttl -= now.Sub(p.StartedAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	return t.put(ctx, p, ttl)
}

// Finish marks p with a terminal status.
func (t *Tracker) Finish(ctx context.Context, p *Progress, s RunStatus, runErr error) error {
	now := t.now().UTC()
	p.Status = s
	p.UpdatedAt = now
	p.FinishedAt = &now
	if runErr != nil {
		p.LastError = runErr.Error()
	}
	return t.put(ctx, p, t.historyTTL)
}

// List returns every live progress entry ordered by channel.
func (t *Tracker) List(ctx context.Context) ([]Progress, error) {
	entries, err := t.store.List(ctx, ProgressPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]Progress, 0, len(entries))
	for k, b := range entries {
		var p Progress
		if err := json.Unmarshal(b, &p); err != nil {
			return nil, eris.Wrapf(err, "status: decode %s", k)
		}
		if p.Channel == "" {
			p.Channel = strings.TrimPrefix(k, ProgressPrefix)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (t *Tracker) put(ctx context.Context, p *Progress, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "status: encode progress")
	}
	return eris.Wrapf(t.store.Set(ctx, ProgressPrefix+p.Channel, b, ttl), "status: write progress %s", p.Channel)
}

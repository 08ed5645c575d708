package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/model"
	"github.com/sells-group/listing-sync/internal/replication"
	"github.com/sells-group/listing-sync/internal/status"
)

// MetricsSnapshot holds a point-in-time view of replication health.
type MetricsSnapshot struct {
	// Sync log counts within the lookback window.
	RunsTotal    int   `json:"runs_total"`
	RunsComplete int   `json:"runs_complete"`
	RunsFailed   int   `json:"runs_failed"`
	RunsRunning  int   `json:"runs_running"`
	RunsSkipped  int   `json:"runs_skipped"`
	RowsSynced   int64 `json:"rows_synced"`

	// FailedChannels lists channels with at least one failed run, sorted.
	FailedChannels []string `json:"failed_channels,omitempty"`
	// Running lists channels with a live running progress entry.
	Running []string `json:"running,omitempty"`
	// StaleCursors lists cursors that have not advanced within the stale window.
	StaleCursors []CursorAge `json:"stale_cursors,omitempty"`
	// PageFailures lists channels whose latest run had failed list fetches.
	PageFailures []ChannelCount `json:"page_failures,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// CursorAge is a cursor and the time since it last advanced.
type CursorAge struct {
	Channel       string        `json:"channel"`
	LastTimestamp time.Time     `json:"last_timestamp"`
	Age           time.Duration `json:"age"`
}

// ChannelCount pairs a channel with a count.
type ChannelCount struct {
	Channel string `json:"channel"`
	Count   int    `json:"count"`
}

// SyncLogQuerier abstracts the sync log reads needed by the collector.
type SyncLogQuerier interface {
	Recent(ctx context.Context, since time.Time, limit int) ([]replication.SyncEntry, error)
}

// ProgressLister lists progress entries.
type ProgressLister interface {
	List(ctx context.Context) ([]status.Progress, error)
}

// CursorLister lists replication cursors.
type CursorLister interface {
	List(ctx context.Context) ([]model.Cursor, error)
}

// Collector gathers health data from the sync log, progress store and
// cursor store. Any source may be nil.
type Collector struct {
	syncLog   SyncLogQuerier
	progress  ProgressLister
	cursors   CursorLister
	staleness time.Duration
	now       func() time.Time
}

// NewCollector creates a collector. A cursor older than staleness is
// reported as stale; zero disables the check.
func NewCollector(syncLog SyncLogQuerier, progress ProgressLister, cursors CursorLister, staleness time.Duration) *Collector {
	return &Collector{syncLog: syncLog, progress: progress, cursors: cursors, staleness: staleness, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	if c.syncLog != nil {
		entries, err := c.syncLog.Recent(ctx, cutoff, 10000)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list sync entries")
		}
		failed := map[string]bool{}
		for _, e := range entries {
			snap.RunsTotal++
			switch e.Status {
			case replication.StatusComplete:
				snap.RunsComplete++
				snap.RowsSynced += e.RowsSynced
			case replication.StatusFailed:
				snap.RunsFailed++
				failed[e.Channel] = true
			case replication.StatusRunning:
				snap.RunsRunning++
			case replication.StatusSkipped:
				snap.RunsSkipped++
			}
		}
		for ch := range failed {
			snap.FailedChannels = append(snap.FailedChannels, ch)
		}
		sort.Strings(snap.FailedChannels)
	}

	if c.progress != nil {
		entries, err := c.progress.List(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list progress")
		}
		for _, p := range entries {
			if p.Status == status.StatusRunning {
				snap.Running = append(snap.Running, p.Channel)
			}
			if n := p.Counters.PageFailures; n > 0 {
				snap.PageFailures = append(snap.PageFailures, ChannelCount{Channel: p.Channel, Count: n})
			}
		}
	}

	if c.cursors != nil && c.staleness > 0 {
		cursors, err := c.cursors.List(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list cursors")
		}
		for _, cur := range cursors {
			last := cur.UpdatedAt
			if last.IsZero() {
				last = cur.Timestamp
			}
			if age := now.Sub(last); age > c.staleness {
				snap.StaleCursors = append(snap.StaleCursors, CursorAge{Channel: cur.Channel, LastTimestamp: cur.Timestamp, Age: age})
			}
		}
	}

	return snap, nil
}

package replication

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/db"
)

// Sync log statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
)

// SyncEntry is one row of mls.sync_log.
type SyncEntry struct {
	ID          int64          `json:"id" yaml:"id"`
	Channel     string         `json:"channel" yaml:"channel"`
	RunID       string         `json:"run_id" yaml:"run_id"`
	Status      string         `json:"status" yaml:"status"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	RowsSynced  int64          `json:"rows_synced" yaml:"rows_synced"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// SyncResult is recorded when a run completes.
type SyncResult struct {
	RowsSynced int64
	Metadata   map[string]any
}

// SyncLog reads and writes mls.sync_log.
type SyncLog struct {
	pool db.Pool
}

// NewSyncLog creates a SyncLog backed by pool.
func NewSyncLog(pool db.Pool) *SyncLog {
	return &SyncLog{pool: pool}
}

const entryColumns = `id, channel, run_id, status, started_at, completed_at, rows_synced, error, metadata`

// Start records the beginning of a run and returns its row id.
func (s *SyncLog) Start(ctx context.Context, channel, runID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO mls.sync_log (channel, run_id, status, started_at)
		 VALUES ($1, $2, 'running', now()) RETURNING id`,
		channel, runID,
	).Scan(&id)
	if err != nil {
		return 0, eris.Wrapf(err, "synclog: start %s", channel)
	}
	return id, nil
}

// Complete marks a run as successful.
func (s *SyncLog) Complete(ctx context.Context, id int64, result *SyncResult) error {
	var rows int64
	var meta []byte
	if result != nil {
		rows = result.RowsSynced
		if result.Metadata != nil {
			var err error
			if meta, err = json.Marshal(result.Metadata); err != nil {
				return eris.Wrap(err, "synclog: marshal metadata")
			}
		}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE mls.sync_log
		 SET status = 'complete', completed_at = now(), rows_synced = $1, metadata = $2
		 WHERE id = $3`,
		rows, meta, id,
	)
	return eris.Wrapf(err, "synclog: complete %d", id)
}

// Fail marks a run as failed.
func (s *SyncLog) Fail(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE mls.sync_log SET status = 'failed', completed_at = now(), error = $1 WHERE id = $2`,
		errMsg, id,
	)
	return eris.Wrapf(err, "synclog: fail %d", id)
}

// Skip records a run that never started because its channel was busy.
func (s *SyncLog) Skip(ctx context.Context, channel, runID, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO mls.sync_log (channel, run_id, status, started_at, completed_at, error)
		 VALUES ($1, $2, 'skipped', now(), now(), $3)`,
		channel, runID, reason,
	)
	return eris.Wrapf(err, "synclog: skip %s", channel)
}

// LastSuccess returns the start time of the latest complete run, or nil.
func (s *SyncLog) LastSuccess(ctx context.Context, channel string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM mls.sync_log
		 WHERE channel = $1 AND status = 'complete'
		 ORDER BY started_at DESC LIMIT 1`,
		channel,
	).Scan(&t)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "synclog: last success for %s", channel)
	}
	return &t, nil
}

// ListAll returns every entry, most recent first.
func (s *SyncLog) ListAll(ctx context.Context) ([]SyncEntry, error) {
	return s.query(ctx, `SELECT `+entryColumns+` FROM mls.sync_log ORDER BY started_at DESC`)
}

// Recent returns entries started after since, most recent first.
func (s *SyncLog) Recent(ctx context.Context, since time.Time, limit int) ([]SyncEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.query(ctx,
		`SELECT `+entryColumns+` FROM mls.sync_log WHERE started_at >= $1 ORDER BY started_at DESC LIMIT $2`,
		since, limit)
}

func (s *SyncLog) query(ctx context.Context, sql string, args ...any) ([]SyncEntry, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "synclog: query")
	}
	defer rows.Close()

	var entries []SyncEntry
	for rows.Next() {
		var e SyncEntry
		var errStr *string
		var meta []byte
		if err := rows.Scan(&e.ID, &e.Channel, &e.RunID, &e.Status, &e.StartedAt, &e.CompletedAt, &e.RowsSynced, &errStr, &meta); err != nil {
			return nil, eris.Wrap(err, "synclog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if meta != nil {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "synclog: iterate")
}

package job

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/guard"
	"github.com/sells-group/listing-sync/internal/monitoring"
	"github.com/sells-group/listing-sync/internal/replication"
	"github.com/sells-group/listing-sync/internal/status"
)

// RunLog records run lifecycles. *replication.SyncLog satisfies it.
type RunLog interface {
	Start(ctx context.Context, channel, runID string) (int64, error)
	Complete(ctx context.Context, id int64, result *replication.SyncResult) error
	Fail(ctx context.Context, id int64, errMsg string) error
	Skip(ctx context.Context, channel, runID, reason string) error
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Report summarises one RunJob call.
type Report struct {
	Job      string        `json:"job"`
	RunID    string        `json:"run_id"`
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"`
	Result   *Result       `json:"result,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Engine runs jobs under the overlap guard, recording progress and the
// sync log.
type Engine struct {
	reg     *Registry
	env     *Env
	guard   *guard.Guard
	tracker *status.Tracker
	runs    RunLog
	newID   func() string
	log     *zap.Logger
}

// NewEngine creates a job engine.
func NewEngine(reg *Registry, env *Env, g *guard.Guard, tracker *status.Tracker, runs RunLog) *Engine {
	return &Engine{
		reg:     reg,
		env:     env,
		guard:   g,
		tracker: tracker,
		runs:    runs,
		newID:   func() string { return uuid.NewString() },
		log:     zap.L().With(zap.String("component", "replication.engine")),
	}
}

// Registry returns the engine's job registry.
func (e *Engine) Registry() *Registry { return e.reg }

// Env returns the engine's shared environment.
func (e *Engine) Env() *Env { return e.env }

// Tracker returns the progress tracker.
func (e *Engine) Tracker() *status.Tracker { return e.tracker }

// RunJob runs the registered job name.
func (e *Engine) RunJob(ctx context.Context, name string) (*Report, error) {
	j, err := e.reg.Get(name)
	if err != nil {
		return nil, err
	}
	return e.Run(ctx, j)
}

// Run executes j once. A channel that is already running is skipped
// silently: the report says Skipped and the error is nil. The run gets a
// hard timeout of j.Timeout(); bookkeeping after the run uses a context
// that survives that deadline.
func (e *Engine) Run(ctx context.Context, j Job) (*Report, error) {
	name := j.Name()
	rep := &Report{Job: name, RunID: e.newID()}
	log := e.log.With(zap.String("job", name), zap.String("run_id", rep.RunID))

	running, err := e.tracker.Running(ctx, name)
	if err != nil {
		return nil, eris.Wrapf(err, "job: check progress %s", name)
	}
	if running {
		return e.skip(ctx, rep, log, "already running"), nil
	}

	lease, ok, err := e.guard.TryAcquire(ctx, name, j.Timeout())
	if err != nil {
		return nil, eris.Wrapf(err, "job: acquire guard %s", name)
	}
	if !ok {
		return e.skip(ctx, rep, log, "guard held"), nil
	}

	bg := context.WithoutCancel(ctx)
	defer func() {
		if err := lease.Release(bg); err != nil {
			log.Warn("release guard", zap.Error(err))
		}
	}()

	logID, err := e.runs.Start(ctx, name, rep.RunID)
	if err != nil {
		return nil, eris.Wrapf(err, "job: start sync log %s", name)
	}
	p, err := e.tracker.Start(ctx, name, rep.RunID, j.Timeout())
	if err != nil {
		log.Warn("write progress", zap.Error(err))
		p = &status.Progress{Channel: name, RunID: rep.RunID, Status: status.StatusRunning, TTL: j.Timeout()}
	}

	env := *e.env
	env.report = func(ctx context.Context, c status.Counters) {
		p.Counters = c
		if err := e.tracker.Update(context.WithoutCancel(ctx), p); err != nil {
			log.Debug("update progress", zap.Error(err))
		}
	}

	log.Info("run starting", zap.String("kind", j.Kind().String()), zap.Duration("timeout", j.Timeout()))
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, j.Timeout())
	res, runErr := j.Run(runCtx, &env)
	cancel()
	rep.Duration = time.Since(start)
	if res == nil {
		res = &Result{}
	}
	rep.Result = res
	p.Counters = res.Counters
	monitoring.RunDuration.WithLabelValues(name).Observe(rep.Duration.Seconds())

	if runErr != nil {
		rep.Outcome = OutcomeFailed
		monitoring.RunsTotal.WithLabelValues(name, string(OutcomeFailed)).Inc()
		log.Error("run failed", zap.Error(runErr), zap.Duration("elapsed", rep.Duration), zap.Any("counters", res.Counters))
		if err := e.runs.Fail(bg, logID, runErr.Error()); err != nil {
			log.Error("record run failure", zap.Error(err))
		}
		if err := e.tracker.Finish(bg, p, status.StatusFailed, runErr); err != nil {
			log.Warn("write progress", zap.Error(err))
		}
		return rep, runErr
	}

	rep.Outcome = OutcomeCompleted
	monitoring.RunsTotal.WithLabelValues(name, string(OutcomeCompleted)).Inc()
	if err := e.runs.Complete(bg, logID, &replication.SyncResult{
		RowsSynced: int64(res.Counters.Written()),
		Metadata:   res.Metadata(),
	}); err != nil {
		log.Error("record run completion", zap.Error(err))
	}
	var lastErr error
	if res.LastError != "" {
		lastErr = eris.New(res.LastError)
	}
	if err := e.tracker.Finish(bg, p, status.StatusCompleted, lastErr); err != nil {
		log.Warn("write progress", zap.Error(err))
	}

	log.Info("run complete",
		zap.Int("pages", res.Counters.Pages),
		zap.Int("fetched", res.Counters.Fetched),
		zap.Int("created", res.Counters.Created),
		zap.Int("updated", res.Counters.Updated),
		zap.Int("unchanged", res.Counters.Unchanged),
		zap.Int("filtered", res.Counters.Filtered),
		zap.Int("skipped", res.Counters.Skipped),
		zap.Int("failed", res.Counters.Failed),
		zap.Duration("elapsed", rep.Duration),
	)
	return rep, nil
}

func (e *Engine) skip(ctx context.Context, rep *Report, log *zap.Logger, reason string) *Report {
	rep.Outcome = OutcomeSkipped
	rep.Reason = reason
	monitoring.RunsTotal.WithLabelValues(rep.Job, string(OutcomeSkipped)).Inc()
	log.Info("run skipped", zap.String("reason", reason))
	if err := e.runs.Skip(ctx, rep.Job, rep.RunID, reason); err != nil {
		log.Warn("record skipped run", zap.Error(err))
	}
	return rep
}

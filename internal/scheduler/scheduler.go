// Package scheduler fires replication jobs on cron specs.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/replication/job"
)

// Runner runs a named job. *job.Engine satisfies it.
type Runner interface {
	RunJob(ctx context.Context, name string) (*job.Report, error)
}

// Entry is one scheduled job.
type Entry struct {
	Job  string    `json:"job" yaml:"job"`
	Spec string    `json:"spec" yaml:"spec"`
	Next time.Time `json:"next" yaml:"next"`
}

// Scheduler triggers jobs on their cron specs. Overlapping triggers are
// not suppressed here; the job engine's guard skips them.
type Scheduler struct {
	runner Runner
	specs  map[string]string
	cron   *cron.Cron
	ids    map[string]cron.EntryID
	wg     sync.WaitGroup
	log    *zap.Logger
}

// New creates a scheduler for specs (job name to cron spec). Empty specs
// are ignored.
func New(runner Runner, specs map[string]string) *Scheduler {
	return &Scheduler{
		runner: runner,
		specs:  specs,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ids:    make(map[string]cron.EntryID),
		log:    zap.L().With(zap.String("component", "scheduler")),
	}
}

// Start registers every spec and starts the cron loop. known, when set,
// rejects specs for unregistered jobs.
func (s *Scheduler) Start(ctx context.Context, known func(name string) bool) error {
	names := make([]string, 0, len(s.specs))
	for name, spec := range s.specs {
		if spec != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if known != nil && !known(name) {
			return eris.Errorf("scheduler: unknown job %q", name)
		}
		id, err := s.cron.AddFunc(s.specs[name], func() { s.fire(ctx, name) })
		if err != nil {
			return eris.Wrapf(err, "scheduler: invalid cron spec for %s", name)
		}
		s.ids[name] = id
		s.log.Info("job scheduled", zap.String("job", name), zap.String("spec", s.specs[name]))
	}
	if len(names) == 0 {
		s.log.Info("no schedule configured")
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) fire(ctx context.Context, name string) {
	s.wg.Add(1)
	defer s.wg.Done()
	if ctx.Err() != nil {
		return
	}
	rep, err := s.runner.RunJob(ctx, name)
	if err != nil {
		s.log.Error("scheduled run failed", zap.String("job", name), zap.Error(err))
		return
	}
	s.log.Info("scheduled run finished",
		zap.String("job", name),
		zap.String("outcome", string(rep.Outcome)),
		zap.Duration("elapsed", rep.Duration),
	)
}

// Trigger runs name immediately in the background.
func (s *Scheduler) Trigger(ctx context.Context, name string) {
	go s.fire(ctx, name)
}

// Entries returns the scheduled jobs with their next fire time.
func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, 0, len(s.ids))
	for name, id := range s.ids {
		e := s.cron.Entry(id)
		out = append(out, Entry{Job: name, Spec: s.specs[name], Next: e.Next})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job < out[j].Job })
	return out
}

// Stop halts the cron loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

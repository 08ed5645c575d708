package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/config"
)

// Checker collects a snapshot on an interval and posts new alerts. An alert
// whose key was sent within the repeat window is not sent again.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	repeat    time.Duration
	now       func() time.Time
	log       *zap.Logger

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	repeat := time.Duration(cfg.RepeatAfterMins) * time.Minute
	if repeat <= 0 {
		repeat = time.Hour
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		repeat:    repeat,
		now:       time.Now,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
		sent:      make(map[string]time.Time),
	}
}

// Run checks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	c.log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Duration("repeat_after", c.repeat),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot and sends the alerts not already sent within
// the repeat window. It returns the alerts it sent.
func (c *Checker) Check(ctx context.Context) []Alert {
	lookback := c.cfg.LookbackWindowHours
	if lookback <= 0 {
		lookback = 24
	}
	snap, err := c.collector.Collect(ctx, lookback)
	if err != nil {
		c.log.Error("collect snapshot", zap.Error(err))
		return nil
	}

	fresh := c.filter(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		c.log.Debug("no new alerts", zap.Int("running", len(snap.Running)))
		return nil
	}

	if c.cfg.WebhookURL == "" {
		for _, a := range fresh {
			c.log.Warn(a.Message, zap.String("alert", string(a.Type)), zap.String("severity", a.Severity))
		}
	}
	if err := c.alerter.Send(ctx, fresh); err != nil {
		c.log.Error("send alerts", zap.Int("alerts", len(fresh)), zap.Error(err))
		return nil
	}
	c.mark(fresh)
	c.log.Info("alerts sent", zap.Int("alerts", len(fresh)))
	return fresh
}

func (c *Checker) filter(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []Alert
	for _, a := range alerts {
		if at, ok := c.sent[a.Key]; ok && now.Sub(at) < c.repeat {
			continue
		}
		out = append(out, a)
	}
	return out
}

func (c *Checker) mark(alerts []Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for _, a := range alerts {
		c.sent[a.Key] = now
	}
	for k, at := range c.sent {
		if now.Sub(at) >= c.repeat {
			delete(c.sent, k)
		}
	}
}

package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailure   AlertType = "run_failure"
	AlertStaleCursor  AlertType = "stale_cursor"
	AlertPageFailures AlertType = "page_failures"
)

// Alert is one finding from a snapshot.
type Alert struct {
	Type     AlertType `json:"type"`
	Severity string    `json:"severity"`
	// Key identifies the condition across checks; repeats are suppressed by it.
	Key       string         `json:"key"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Payload is the webhook body. One check produces at most one payload.
type Payload struct {
	Service string    `json:"service"`
	SentAt  time.Time `json:"sent_at"`
	Alerts  []Alert   `json:"alerts"`
}

// Alerter turns snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
	now    func() time.Time
}

// NewAlerter creates an alerter for cfg.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.MaxBackoff = 5 * time.Second
	retry.OnRetry = resilience.RetryLogger("monitoring.alerter", "webhook")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
		now:    time.Now,
	}
}

// Evaluate returns the alerts snap triggers: failed runs at or above the
// threshold, each stale cursor, and each channel with failed page fetches.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := a.now().UTC()

	threshold := a.cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 1
	}
	if snap.RunsFailed >= threshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailure,
			Severity: "high",
			Key:      string(AlertRunFailure) + ":" + strings.Join(snap.FailedChannels, ","),
			Message: fmt.Sprintf("%d replication run(s) failed in last %dh (%s)",
				snap.RunsFailed, snap.LookbackHours, strings.Join(snap.FailedChannels, ", ")),
			Details: map[string]any{
				"failed":    snap.RunsFailed,
				"total":     snap.RunsTotal,
				"channels":  snap.FailedChannels,
				"threshold": threshold,
			},
			Timestamp: now,
		})
	}

	for _, c := range snap.StaleCursors {
		alerts = append(alerts, Alert{
			Type:     AlertStaleCursor,
			Severity: "medium",
			Key:      string(AlertStaleCursor) + ":" + c.Channel,
			Message:  fmt.Sprintf("cursor %s has not advanced for %s", c.Channel, c.Age.Truncate(time.Minute)),
			Details: map[string]any{
				"channel":        c.Channel,
				"last_timestamp": c.LastTimestamp,
				"age_hours":      c.Age.Hours(),
			},
			Timestamp: now,
		})
	}

	for _, pf := range snap.PageFailures {
		alerts = append(alerts, Alert{
			Type:      AlertPageFailures,
			Severity:  "low",
			Key:       string(AlertPageFailures) + ":" + pf.Channel,
			Message:   fmt.Sprintf("%s had %d failed page fetch(es) in its latest run", pf.Channel, pf.Count),
			Details:   map[string]any{"channel": pf.Channel, "page_failures": pf.Count},
			Timestamp: now,
		})
	}

	return alerts
}

// Send posts alerts as a single payload, retrying 5xx responses and
// transport errors. It is a no-op without a webhook URL.
func (a *Alerter) Send(ctx context.Context, alerts []Alert) error {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return nil
	}
	body, err := json.Marshal(Payload{Service: "listing-sync", SentAt: a.now().UTC(), Alerts: alerts})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alerts")
	}
	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		return a.post(ctx, body)
	})
}

func (a *Alerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: webhook request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		err := eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	return nil
}

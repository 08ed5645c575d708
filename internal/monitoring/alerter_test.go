package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/config"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureThreshold: 1})

	snap := &MetricsSnapshot{
		RunsTotal:     10,
		RunsComplete:  10,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_RunFailure(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureThreshold: 2})

	snap := &MetricsSnapshot{
		RunsTotal:      6,
		RunsFailed:     2,
		FailedChannels: []string{"delta-scan", "primary-pos-backfill"},
		LookbackHours:  24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailure, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "2 replication run(s)")
	assert.Contains(t, alerts[0].Message, "delta-scan, primary-pos-backfill")
}

func TestAlerter_Evaluate_BelowThreshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureThreshold: 3})

	snap := &MetricsSnapshot{RunsFailed: 2, LookbackHours: 24}
	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_DefaultThreshold(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{RunsFailed: 1, LookbackHours: 24}
	require.Len(t, a.Evaluate(snap), 1)
}

func TestAlerter_Evaluate_StaleCursors(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{FailureThreshold: 1})

	snap := &MetricsSnapshot{
		RunsFailed: 1,
		StaleCursors: []CursorAge{
			{Channel: "primary-window-scan", Age: 7*time.Hour + 30*time.Second},
		},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertStaleCursor, alerts[1].Type)
	assert.Equal(t, "medium", alerts[1].Severity)
	assert.Equal(t, "cursor primary-window-scan has not advanced for 7h0m0s", alerts[1].Message)
}

func TestAlerter_Evaluate_PageFailures(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&MetricsSnapshot{
		PageFailures: []ChannelCount{{Channel: "delta-scan", Count: 3}},
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertPageFailures, alerts[0].Type)
	assert.Equal(t, "page_failures:delta-scan", alerts[0].Key)
	assert.Equal(t, "delta-scan had 3 failed page fetch(es) in its latest run", alerts[0].Message)
}

func TestAlerter_Evaluate_Keys(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsFailed:     1,
		FailedChannels: []string{"delta-scan"},
		StaleCursors:   []CursorAge{{Channel: "primary-pos-backfill", Age: 8 * time.Hour}},
	})
	require.Len(t, alerts, 2)
	assert.Equal(t, "run_failure:delta-scan", alerts[0].Key)
	assert.Equal(t, "stale_cursor:primary-pos-backfill", alerts[1].Key)
}

func TestAlerter_Send_BatchesOnePayload(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p Payload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "listing-sync", p.Service)
		assert.Len(t, p.Alerts, 2)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	err := a.Send(context.Background(), []Alert{
		{Type: AlertRunFailure, Severity: "high", Message: "test alert 1"},
		{Type: AlertStaleCursor, Severity: "medium", Message: "test alert 2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), received.Load())
}

func TestAlerter_Send_NoURLOrAlerts(t *testing.T) {
	assert.NoError(t, NewAlerter(config.MonitoringConfig{}).Send(context.Background(), []Alert{{Type: AlertRunFailure}}))
	assert.NoError(t, NewAlerter(config.MonitoringConfig{WebhookURL: "http://127.0.0.1:1"}).Send(context.Background(), nil))
}

func TestAlerter_Send_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry.InitialBackoff = time.Millisecond
	a.retry.JitterFraction = 0

	require.NoError(t, a.Send(context.Background(), []Alert{{Type: AlertRunFailure}}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_Send_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	err := a.Send(context.Background(), []Alert{{Type: AlertRunFailure}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), calls.Load())
}

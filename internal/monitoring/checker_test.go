package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refdata/internal/config"
	"github.com/sells-group/refdata/internal/store"
)

func TestChecker_CheckSendsAlerts(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		received.Add(1)
	}))
	defer ts.Close()

	now := time.Now().UTC()
	rl := &mockRunLog{entries: []store.RunEntry{
		{SourceID: "CCASS.Shareholding", Status: "failed", StartedAt: now.Add(-time.Hour)},
	}}
	cfg := config.MonitoringConfig{WebhookURL: ts.URL, FailureRateThreshold: 0.5, LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(rl, nil), NewAlerter(cfg), cfg)

	snap, alerts, err := checker.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.RunsFailed)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSourceFailing, alerts[0].Type)
	assert.Equal(t, int32(1), received.Load())
}

func TestChecker_CheckError(t *testing.T) {
	cfg := config.MonitoringConfig{LookbackWindowHours: 24}
	checker := NewChecker(NewCollector(&mockRunLog{listErr: errors.New("db down")}, nil), NewAlerter(cfg), cfg)

	_, _, err := checker.Check(context.Background())
	assert.Error(t, err)
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckIntervalSecs:    1,
		LookbackWindowHours:  24,
		FailureRateThreshold: 0.10,
	}
	checker := NewChecker(NewCollector(&mockRunLog{}, nil), NewAlerter(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	cfg := config.MonitoringConfig{}
	checker := NewChecker(NewCollector(&mockRunLog{}, nil), NewAlerter(cfg), cfg)
	assert.NotNil(t, checker)

	// Start and immediately cancel to verify it doesn't panic.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	checker.Run(ctx)
}

// Package monitoring summarizes the run log and raises webhook alerts when
// ingestion degrades.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/source"
	"github.com/sells-group/refdata/internal/store"
)

// MetricsSnapshot holds a point-in-time view of ingestion health.
type MetricsSnapshot struct {
	// Run log metrics (within lookback window).
	RunsTotal     int     `json:"runs_total"`
	RunsSucceeded int     `json:"runs_succeeded"`
	RunsPartial   int     `json:"runs_partial"`
	RunsFailed    int     `json:"runs_failed"`
	RunsRunning   int     `json:"runs_running"`
	FailRate      float64 `json:"fail_rate"`
	RowsWritten   int64   `json:"rows_written"`
	RowsRejected  int     `json:"rows_rejected"`

	// FailingSources lists sources whose latest finished run failed.
	FailingSources []string `json:"failing_sources,omitempty"`
	// StaleSources lists sources that were already due at the start of the
	// window and have not succeeded since.
	StaleSources []string `json:"stale_sources,omitempty"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// RunLog is the part of store.Store the collector reads.
type RunLog interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]store.RunEntry, error)
	LastSuccess(ctx context.Context, sourceID string) (*time.Time, error)
}

// maxRuns caps how much of the run log one snapshot reads.
const maxRuns = 10000

// Collector gathers metrics from the run log.
type Collector struct {
	runs    RunLog
	sources []*source.Source
	now     func() time.Time
}

// NewCollector creates a collector over runs. Staleness is checked for
// sources; nil skips the check.
func NewCollector(runs RunLog, sources []*source.Source) *Collector {
	return &Collector{runs: runs, sources: sources, now: time.Now}
}

// Collect gathers a snapshot of run metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	entries, err := c.runs.ListRuns(ctx, store.RunFilter{Limit: maxRuns})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	// Entries arrive newest first, so the first finished run seen per source
	// is its latest.
	latest := map[string]bool{}
	for _, e := range entries {
		if e.StartedAt.Before(cutoff) {
			continue
		}
		snap.RunsTotal++
		snap.RowsWritten += e.Written
		snap.RowsRejected += e.Rejected

		switch e.Status {
		case store.StatusRunning:
			snap.RunsRunning++
			continue
		case string(model.RunStatusSucceeded):
			snap.RunsSucceeded++
		case string(model.RunStatusPartiallyFailed):
			snap.RunsPartial++
		case string(model.RunStatusFailed):
			snap.RunsFailed++
		}
		if !latest[e.SourceID] {
			latest[e.SourceID] = true
			if e.Status == string(model.RunStatusFailed) {
				snap.FailingSources = append(snap.FailingSources, e.SourceID)
			}
		}
	}

	if finished := snap.RunsSucceeded + snap.RunsPartial + snap.RunsFailed; finished > 0 {
		snap.FailRate = float64(snap.RunsFailed) / float64(finished)
	}
	sort.Strings(snap.FailingSources)

	for _, s := range c.sources {
		last, err := c.runs.LastSuccess(ctx, s.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: last success for %s", s.ID)
		}
		if source.Due(s.Cadence, cutoff, last) {
			snap.StaleSources = append(snap.StaleSources, s.ID)
		}
	}

	return snap, nil
}

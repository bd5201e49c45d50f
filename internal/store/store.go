// Package store keeps the run log: one row per source run with its outcome,
// used by `ingest status`, the serve API and the --due cadence check.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refdata/internal/model"
)

// Run log status while a run is in flight; finished rows carry a model.RunStatus.
const StatusRunning = "running"

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	SourceID string `json:"source_id,omitempty"`
	Status   string `json:"status,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// RunEntry is one run log row.
type RunEntry struct {
	RunID       string         `json:"run_id"`
	SourceID    string         `json:"source_id"`
	Category    string         `json:"category"`
	Target      string         `json:"target"`
	AsOfDate    time.Time      `json:"as_of_date"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Written     int64          `json:"written"`
	Rejected    int            `json:"rejected"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Store persists the run log.
type Store interface {
	// StartRun records a run in flight under res.RunID.
	StartRun(ctx context.Context, res *model.RunResult) error
	// FinishRun records the final status and counts of a run.
	FinishRun(ctx context.Context, res *model.RunResult) error
	// LastSuccess returns when the latest run that wrote data for sourceID
	// started, or nil if there is none.
	LastSuccess(ctx context.Context, sourceID string) (*time.Time, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]RunEntry, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// defaultListLimit caps ListRuns when the filter sets no limit.
const defaultListLimit = 100

func (f RunFilter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}

// runMetadata is the JSON detail kept next to the counts.
func runMetadata(res *model.RunResult) ([]byte, error) {
	states := make([]string, len(res.States))
	for i, s := range res.States {
		states[i] = string(s)
	}
	meta := map[string]any{
		"states":          states,
		"pages":           res.Pages,
		"fetch_attempts":  res.FetchAttempts,
		"session_retries": res.SessionRetries,
		"parsed":          res.Parsed,
		"normalized":      res.Normalized,
	}
	if len(res.Rejected) > 0 {
		meta["rejected"] = res.Rejected
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal run metadata")
	}
	return data, nil
}

package model

import (
	"time"
)

// RunState is a Coordinator state for one source run.
type RunState string

const (
	StatePending         RunState = "pending"
	StateFetching        RunState = "fetching"
	StateParsing         RunState = "parsing"
	StateNormalizing     RunState = "normalizing"
	StateWriting         RunState = "writing"
	StateSucceeded       RunState = "succeeded"
	StatePartiallyFailed RunState = "partially_failed"
	StateFailed          RunState = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunState) Terminal() bool {
	return s == StateSucceeded || s == StatePartiallyFailed || s == StateFailed
}

// RunStatus is the outcome reported to callers.
type RunStatus string

const (
	RunStatusSucceeded       RunStatus = "succeeded"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusFailed          RunStatus = "failed"
)

// Severity orders statuses so aggregates can take the worst one.
func (s RunStatus) Severity() int {
	switch s {
	case RunStatusSucceeded:
		return 0
	case RunStatusPartiallyFailed:
		return 1
	default:
		return 2
	}
}

// RecordError describes one dropped or failed record.
type RecordError struct {
	Stage      string `json:"stage"` // "normalize" or "write"
	Row        int    `json:"row,omitempty"`
	LogicalKey string `json:"logical_key,omitempty"`
	Field      string `json:"field,omitempty"`
	Reason     string `json:"reason"`
}

// WriteResult is what the Writer reports for one batch.
type WriteResult struct {
	Table    string        `json:"table"`
	Written  int64         `json:"written"`
	Failed   []RecordError `json:"failed,omitempty"`
	Atomic   bool          `json:"atomic"`
	Duration time.Duration `json:"duration"`
}

// RunResult is the outcome of one Coordinator run for one source and target.
type RunResult struct {
	RunID          string        `json:"run_id"`
	SourceID       string        `json:"source_id"`
	Category       Category      `json:"category"`
	Target         Target        `json:"target"`
	Status         RunStatus     `json:"status"`
	States         []RunState    `json:"states"`
	Pages          int           `json:"pages"`
	FetchAttempts  int           `json:"fetch_attempts"`
	SessionRetries int           `json:"session_retries"`
	Parsed         int           `json:"parsed"`
	Normalized     int           `json:"normalized"`
	Written        int64         `json:"written"`
	Rejected       []RecordError `json:"rejected,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
}

// State returns the last recorded state.
func (r *RunResult) State() RunState {
	if len(r.States) == 0 {
		return StatePending
	}
	return r.States[len(r.States)-1]
}

// Summary aggregates the results of one umbrella invocation.
type Summary struct {
	Results   []*RunResult `json:"results"`
	Succeeded int          `json:"succeeded"`
	Partial   int          `json:"partial"`
	Failed    int          `json:"failed"`
	Written   int64        `json:"written"`
}

// Add folds one run result into the summary.
func (s *Summary) Add(r *RunResult) {
	s.Results = append(s.Results, r)
	s.Written += r.Written
	switch r.Status {
	case RunStatusSucceeded:
		s.Succeeded++
	case RunStatusPartiallyFailed:
		s.Partial++
	default:
		s.Failed++
	}
}

// Status returns the worst status across all runs; an empty summary succeeds.
func (s *Summary) Status() RunStatus {
	worst := RunStatusSucceeded
	for _, r := range s.Results {
		if r.Status.Severity() > worst.Severity() {
			worst = r.Status
		}
	}
	return worst
}

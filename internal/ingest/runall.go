package ingest

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/source"
)

// RunOptions selects what one umbrella invocation runs.
type RunOptions struct {
	Sources  []string        // source ids; empty or ["all"] selects every source
	Category *model.Category // restrict to one category
	// Date is the as-of date; zero means the latest business day.
	Date        time.Time
	Due         bool // skip sources whose cadence says they already ran
	Concurrency int
}

// Exit codes for an umbrella invocation.
const (
	ExitOK      = 0
	ExitFailed  = 1
	ExitPartial = 2
)

// ExitCode maps an aggregate status to the process exit code.
func ExitCode(s model.RunStatus) int {
	switch s {
	case model.RunStatusSucceeded:
		return ExitOK
	case model.RunStatusPartiallyFailed:
		return ExitPartial
	default:
		return ExitFailed
	}
}

type job struct {
	src    *source.Source
	target model.Target
}

// RunAll runs every selected source and target in parallel and aggregates
// the results. A failed run never cancels its siblings; the returned error
// covers only selection problems.
func (c *Coordinator) RunAll(ctx context.Context, catalog *source.Catalog, opts RunOptions) (*model.Summary, error) {
	log := zap.L().With(zap.String("component", "ingest.runall"))

	ids := opts.Sources
	if len(ids) == 1 && ids[0] == "all" {
		ids = nil
	}
	sources, err := catalog.Select(ids, opts.Category)
	if err != nil {
		return nil, err
	}

	date := opts.Date
	if date.IsZero() {
		date = source.BusinessDay(c.now().UTC())
	}
	date = model.TruncateDate(date)

	if opts.Due {
		if sources, err = c.due(ctx, sources); err != nil {
			return nil, err
		}
	}

	var jobs []job
	for _, s := range sources {
		for _, t := range s.Expand(date) {
			jobs = append(jobs, job{src: s, target: t})
		}
	}
	summary := &model.Summary{}
	if len(jobs) == 0 {
		log.Info("no sources selected")
		return summary, nil
	}

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	log.Info("starting runs",
		zap.Int("sources", len(sources)),
		zap.Int("runs", len(jobs)),
		zap.String("as_of", date.Format(model.DateLayout)),
		zap.Int("concurrency", limit),
	)

	results := make([]*model.RunResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = c.Run(ctx, j.src, j.target)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		summary.Add(r)
	}
	log.Info("runs complete",
		zap.String("status", string(summary.Status())),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("partial", summary.Partial),
		zap.Int("failed", summary.Failed),
		zap.Int64("written", summary.Written),
	)
	return summary, nil
}

// due keeps the sources whose cadence calls for a run now.
func (c *Coordinator) due(ctx context.Context, sources []*source.Source) ([]*source.Source, error) {
	if c.runs == nil {
		return nil, eris.New("ingest: due check needs the run log")
	}
	now := c.now().UTC()
	var out []*source.Source
	for _, s := range sources {
		last, err := c.runs.LastSuccess(ctx, s.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: last success for %s", s.ID)
		}
		if !source.Due(s.Cadence, now, last) {
			zap.L().Debug("skipping (not due)", zap.String("source", s.ID))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

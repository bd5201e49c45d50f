// Package ingest sequences source runs: fetch, parse, normalize and write, one
// state at a time, with retries on transient fetch failures and a result per
// source that never depends on how sibling runs went.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/adapter"
	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/normalize"
	"github.com/sells-group/refdata/internal/parse"
	"github.com/sells-group/refdata/internal/resilience"
	"github.com/sells-group/refdata/internal/source"
	"github.com/sells-group/refdata/internal/store"
	"github.com/sells-group/refdata/internal/writer"
)

// runLogTimeout bounds run log writes made after the run context is gone.
const runLogTimeout = 10 * time.Second

// Options configures a Coordinator.
type Options struct {
	Retry   resilience.RetryConfig
	Circuit resilience.CircuitBreakerConfig
	// RunLog records every run when non-nil. Required for RunOptions.Due.
	RunLog store.Store
}

// Coordinator drives source runs.
type Coordinator struct {
	fetcher  adapter.Fetcher
	writer   writer.Writer
	runs     store.Store
	norm     *normalize.Normalizer
	retry    resilience.RetryConfig
	breakers *resilience.HostBreakers
	now      func() time.Time
}

// New creates a Coordinator.
func New(f adapter.Fetcher, w writer.Writer, opts Options) *Coordinator {
	return &Coordinator{
		fetcher:  f,
		writer:   w,
		runs:     opts.RunLog,
		norm:     normalize.New(),
		retry:    opts.Retry,
		breakers: resilience.NewHostBreakers(opts.Circuit),
		now:      time.Now,
	}
}

// Breakers exposes the per-host circuit breakers for status reporting.
func (c *Coordinator) Breakers() *resilience.HostBreakers { return c.breakers }

// run carries one in-flight RunResult.
type run struct {
	res *model.RunResult
	log *zap.Logger
}

// advance records the next state unless ctx is done, in which case the run
// fails at this boundary.
func (r *run) advance(ctx context.Context, next model.RunState) bool {
	if r.res.State().Terminal() {
		return false
	}
	if err := ctx.Err(); err != nil {
		r.fail(eris.Wrapf(err, "cancelled before %s", next))
		return false
	}
	r.res.States = append(r.res.States, next)
	return true
}

func (r *run) fail(err error) *model.RunResult {
	if r.res.State().Terminal() {
		return r.res
	}
	r.res.Status = model.RunStatusFailed
	r.res.States = append(r.res.States, model.StateFailed)
	r.res.Error = err.Error()
	r.log.Error("run failed", zap.String("state", string(r.res.States[len(r.res.States)-2])), zap.Error(err))
	return r.res
}

func (r *run) finish() *model.RunResult {
	if len(r.res.Rejected) > 0 {
		r.res.Status = model.RunStatusPartiallyFailed
		r.res.States = append(r.res.States, model.StatePartiallyFailed)
	} else {
		r.res.Status = model.RunStatusSucceeded
		r.res.States = append(r.res.States, model.StateSucceeded)
	}
	return r.res
}

// Run executes one source for one target. It always returns a result; a
// failure is reported in the result and never panics or aborts the caller.
func (c *Coordinator) Run(ctx context.Context, src *source.Source, target model.Target) *model.RunResult {
	res := &model.RunResult{
		RunID:     uuid.NewString(),
		SourceID:  src.ID,
		Category:  src.Category,
		Target:    target,
		States:    []model.RunState{model.StatePending},
		StartedAt: c.now().UTC(),
	}
	r := &run{
		res: res,
		log: zap.L().With(
			zap.String("component", "ingest"),
			zap.String("source", src.ID),
			zap.String("target", target.Label()),
			zap.String("run_id", res.RunID),
		),
	}
	c.logStart(ctx, r)
	defer c.logFinish(ctx, r)

	c.execute(ctx, r, src, target)
	res.FinishedAt = c.now().UTC()

	r.log.Info("run complete",
		zap.String("status", string(res.Status)),
		zap.Int("pages", res.Pages),
		zap.Int("parsed", res.Parsed),
		zap.Int64("written", res.Written),
		zap.Int("rejected", len(res.Rejected)),
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)),
	)
	return res
}

func (c *Coordinator) execute(ctx context.Context, r *run, src *source.Source, target model.Target) {
	res := r.res

	if !r.advance(ctx, model.StateFetching) {
		return
	}
	raw, err := c.fetch(ctx, src, target, res)
	if err != nil {
		r.fail(err)
		return
	}
	res.Pages = len(raw.Pages)
	res.SessionRetries = raw.SessionRetries

	if !r.advance(ctx, model.StateParsing) {
		return
	}
	parsed, err := parse.Parse(raw, src.Parse)
	if err != nil {
		r.fail(err)
		return
	}
	res.Parsed = len(parsed.Records)

	if !r.advance(ctx, model.StateNormalizing) {
		return
	}
	batch, rejects, err := c.norm.Normalize(parsed, src, target)
	if err != nil {
		r.fail(err)
		return
	}
	for _, v := range rejects {
		res.Rejected = append(res.Rejected, model.RecordError{
			Stage: "normalize", Row: v.Row, LogicalKey: v.LogicalKey, Field: v.Field, Reason: v.Reason,
		})
	}
	res.Normalized = len(batch.Records)
	if len(batch.Records) == 0 && len(rejects) > 0 {
		r.fail(eris.Errorf("normalize %s: all %d records rejected", src.ID, len(rejects)))
		return
	}

	if !r.advance(ctx, model.StateWriting) {
		return
	}
	wres, err := c.writer.Write(ctx, batch)
	if wres != nil {
		res.Written = wres.Written
		res.Rejected = append(res.Rejected, wres.Failed...)
	}
	if err != nil {
		r.fail(err)
		return
	}
	if len(wres.Failed) > 0 && len(wres.Failed) == len(batch.Records) {
		r.fail(eris.Errorf("write %s: all %d records failed", src.ID, len(wres.Failed)))
		return
	}
	r.finish()
}

// fetch calls the adapter through the host's circuit breaker, retrying
// transient failures. Session rejections are not transient, so the adapter's
// own re-acquisition is the only retry they get.
func (c *Coordinator) fetch(ctx context.Context, src *source.Source, target model.Target, res *model.RunResult) (*model.RawFetch, error) {
	host := src.Host()
	cb := c.breakers.Get(host)
	cfg := c.retry
	cfg.OnRetry = resilience.RetryLogger(src.ID, target.Label())

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (*model.RawFetch, error) {
		res.FetchAttempts++
		raw, err := resilience.ExecuteVal(ctx, cb, func(ctx context.Context) (*model.RawFetch, error) {
			return c.fetcher.Fetch(ctx, src, target)
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, &model.FetchError{Source: src.ID, Reason: "circuit open for " + host, Err: err}
		}
		return raw, err
	})
}

func (c *Coordinator) logStart(ctx context.Context, r *run) {
	if c.runs == nil {
		return
	}
	if err := c.runs.StartRun(ctx, r.res); err != nil {
		r.log.Warn("failed to record run start", zap.Error(err))
	}
}

// logFinish runs even when ctx was cancelled so abandoned runs are closed out.
func (c *Coordinator) logFinish(ctx context.Context, r *run) {
	if c.runs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runLogTimeout)
	defer cancel()
	if err := c.runs.FinishRun(ctx, r.res); err != nil {
		r.log.Warn("failed to record run completion", zap.Error(err))
	}
}

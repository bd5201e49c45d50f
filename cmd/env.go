package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/refdata/internal/adapter"
	"github.com/sells-group/refdata/internal/config"
	"github.com/sells-group/refdata/internal/fetcher"
	"github.com/sells-group/refdata/internal/ingest"
	"github.com/sells-group/refdata/internal/resilience"
	"github.com/sells-group/refdata/internal/source"
	"github.com/sells-group/refdata/internal/writer"
)

// ingestEnv holds what the ingest and serve commands need: the source
// catalog, the store connection and a Coordinator wired to both.
type ingestEnv struct {
	Catalog *source.Catalog
	Backend *ingest.Backend
	Coord   *ingest.Coordinator
}

// Close releases the store connection.
func (e *ingestEnv) Close() {
	if e.Backend != nil {
		_ = e.Backend.Close()
	}
}

// initIngest validates the config for mode, loads the catalog, opens the
// store and builds the Coordinator. Callers should defer env.Close().
func initIngest(ctx context.Context, c *config.Config, mode string) (*ingestEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	catalog, err := source.Open(c.Ingest.SourcesFile)
	if err != nil {
		return nil, err
	}

	wm, err := writer.ParseMode(c.Ingest.WriteMode)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, c, wm)
	if err != nil {
		return nil, err
	}

	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    c.Ingest.UserAgent,
		Timeout:      time.Duration(c.Ingest.TimeoutSecs) * time.Second,
		MaxRetries:   1,
		RateLimiters: hostLimiters(c.Ingest.HostRateLimits),
	})

	opts := ingest.Options{
		Retry:   resilience.FromRetryConfig(c.Ingest.Retry),
		Circuit: resilience.FromCircuitConfig(c.Ingest.Circuit),
	}
	if c.Ingest.LogRuns {
		opts.RunLog = backend.Store
	}

	return &ingestEnv{
		Catalog: catalog,
		Backend: backend,
		Coord:   ingest.New(adapter.New(f), backend.Writer, opts),
	}, nil
}

// openBackend connects to the configured store and brings its schema up to
// date.
func openBackend(ctx context.Context, c *config.Config, wm writer.Mode) (*ingest.Backend, error) {
	backend, err := ingest.Open(ctx, c.Store, wm)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := backend.Migrate(ctx); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return backend, nil
}

// hostLimiters builds one fixed limiter per configured host. A host listed
// twice keeps the last rate.
func hostLimiters(rates []config.HostRate) map[string]*rate.Limiter {
	out := make(map[string]*rate.Limiter, len(rates))
	for _, hr := range rates {
		if hr.Host == "" || hr.RPS <= 0 {
			continue
		}
		burst := int(hr.RPS)
		if burst < 1 {
			burst = 1
		}
		out[strings.ToLower(hr.Host)] = rate.NewLimiter(rate.Limit(hr.RPS), burst)
	}
	return out
}

// runContext bounds an umbrella invocation by the configured run timeout.
func runContext(ctx context.Context, c *config.Config) (context.Context, context.CancelFunc) {
	if c.Ingest.RunTimeoutMins <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(c.Ingest.RunTimeoutMins)*time.Minute)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/ingest"
	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/source"
	"github.com/sells-group/refdata/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	Long:  "Serves the source catalog and run log, and runs a source on POST /runs/{source}.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initIngest(ctx, cfg, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.CheckIntervalSecs > 0 {
			go newChecker(env.Backend, env.Catalog, cfg.Monitoring).Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env, cfg.Ingest.Concurrency),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// api serves the trigger endpoints over one ingest environment.
type api struct {
	env         *ingestEnv
	concurrency int
}

// newRouter builds the chi router for serve.
func newRouter(env *ingestEnv, concurrency int) http.Handler {
	a := &api{env: env, concurrency: concurrency}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.health)
	r.Get("/sources", a.listSources)
	r.Get("/runs", a.listRuns)
	r.Post("/runs/{source}", a.triggerRun)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.env.Backend.Store.Ping(ctx); err != nil {
		zap.L().Warn("health check: store unreachable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	body := map[string]any{"status": "ok"}
	if states := a.env.Coord.Breakers().States(); len(states) > 0 {
		breakers := make(map[string]string, len(states))
		for host, st := range states {
			breakers[host] = st.String()
		}
		body["breakers"] = breakers
	}
	writeJSON(w, http.StatusOK, body)
}

// sourceView is the JSON shape of a catalog entry.
type sourceView struct {
	ID          string         `json:"id"`
	Category    model.Category `json:"category"`
	Cadence     string         `json:"cadence"`
	Kind        string         `json:"kind"`
	Host        string         `json:"host"`
	Description string         `json:"description,omitempty"`
	Targets     int            `json:"targets"`
}

func viewSource(s *source.Source) sourceView {
	targets := len(s.Targets)
	if targets == 0 {
		targets = 1
	}
	return sourceView{
		ID:          s.ID,
		Category:    s.Category,
		Cadence:     string(s.Cadence),
		Kind:        string(s.Kind),
		Host:        s.Host(),
		Description: s.Description,
		Targets:     targets,
	}
}

func (a *api) listSources(w http.ResponseWriter, r *http.Request) {
	var category *model.Category
	if c := r.URL.Query().Get("category"); c != "" {
		cat, err := model.ParseCategory(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		category = &cat
	}
	sources, err := a.env.Catalog.Select(nil, category)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out := make([]sourceView, len(sources))
	for i, s := range sources {
		out[i] = viewSource(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		SourceID: q.Get("source"),
		Status:   q.Get("status"),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	entries, err := a.env.Backend.Store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	if entries == nil {
		entries = []store.RunEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// triggerRun runs one source for every target of the requested date and
// returns the summary once all runs finish.
func (a *api) triggerRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source")
	if _, err := a.env.Catalog.Get(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	opts := ingest.RunOptions{Sources: []string{id}, Concurrency: a.concurrency}
	if d := r.URL.Query().Get("date"); d != "" {
		date, err := model.ParseDate(d)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		opts.Date = date
	}

	summary, err := a.env.Coord.RunAll(r.Context(), a.env.Catalog, opts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	zap.L().Info("triggered run complete",
		zap.String("source", id),
		zap.String("status", string(summary.Status())),
		zap.String("request_id", middleware.GetReqID(r.Context())),
	)
	writeJSON(w, http.StatusOK, summary)
}

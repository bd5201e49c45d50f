package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refdata/internal/config"
	"github.com/sells-group/refdata/internal/model"
	"github.com/sells-group/refdata/internal/store"
)

const overrideSources = `
sources:
  - id: TEST.ShortSell
    category: security_list
    cadence: daily
    kind: static_html
    description: test short-sell list
    request:
      url: BASE/shortsell
    parse:
      format: html
      columns:
        stock_code: ["Stock Code"]
        name: ["Name"]
      required: [stock_code]
    mapping:
      constants:
        shortsell_eligible: "true"
        market: SEHK
      pad_codes:
        stock_code: 5
`

func exchangeServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shortsell" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<table><tr><th>Stock Code</th><th>Name</th></tr>
<tr><td>5</td><td>HSBC HOLDINGS</td></tr>
<tr><td>700</td><td>TENCENT</td></tr></table>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	sources := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(sources, []byte(strings.ReplaceAll(overrideSources, "BASE", baseURL)), 0o644))

	return &config.Config{
		Store: config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(dir, "ref.db")},
		Ingest: config.IngestConfig{
			SourcesFile:    sources,
			Concurrency:    2,
			WriteMode:      "transactional",
			TimeoutSecs:    5,
			HostRateLimits: []config.HostRate{{Host: "127.0.0.1", RPS: 1000}},
			LogRuns:        true,
			Retry:          config.RetryConfig{MaxAttempts: 1, InitialBackoffMs: 1, MaxBackoffMs: 1, Multiplier: 1},
		},
		Server: config.ServerConfig{Port: 8080},
		Log:    config.LogConfig{Level: "info", Format: "json"},
	}
}

func newTestEnv(t *testing.T) *ingestEnv {
	t.Helper()
	srv := exchangeServer(t)
	env, err := initIngest(context.Background(), testConfig(t, srv.URL), "serve")
	require.NoError(t, err)
	t.Cleanup(env.Close)
	return env
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServe_Health(t *testing.T) {
	env := newTestEnv(t)
	h := newRouter(env, 2)

	rec := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), "breakers")
}

func TestServe_HealthReportsBreakers(t *testing.T) {
	env := newTestEnv(t)
	h := newRouter(env, 2)

	rec := do(t, h, http.MethodPost, "/runs/TEST.ShortSell?date=2024-01-02")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	var health struct {
		Status   string            `json:"status"`
		Breakers map[string]string `json:"breakers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	require.Len(t, health.Breakers, 1)
	for _, state := range health.Breakers {
		assert.Equal(t, "closed", state)
	}
}

func TestServe_HealthStoreDown(t *testing.T) {
	env := newTestEnv(t)
	h := newRouter(env, 2)
	require.NoError(t, env.Backend.Close())

	rec := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServe_ListSources(t *testing.T) {
	env := newTestEnv(t)
	h := newRouter(env, 2)

	rec := do(t, h, http.MethodGet, "/sources")
	require.Equal(t, http.StatusOK, rec.Code)
	var all []sourceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, env.Catalog.Len())

	rec = do(t, h, http.MethodGet, "/sources?category=security_list")
	require.Equal(t, http.StatusOK, rec.Code)
	var lists []sourceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lists))
	require.NotEmpty(t, lists)
	var found bool
	for _, s := range lists {
		assert.Equal(t, model.CategorySecurityList, s.Category)
		if s.ID == "TEST.ShortSell" {
			found = true
			assert.Equal(t, "127.0.0.1", s.Host)
			assert.Equal(t, 1, s.Targets)
			assert.Equal(t, "test short-sell list", s.Description)
		}
	}
	assert.True(t, found)

	rec = do(t, h, http.MethodGet, "/sources?category=prices")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_TriggerRun(t *testing.T) {
	env := newTestEnv(t)
	h := newRouter(env, 2)

	rec := do(t, h, http.MethodPost, "/runs/TEST.ShortSell?date=2024-01-02")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary model.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.Len(t, summary.Results, 1)
	res := summary.Results[0]
	assert.Equal(t, model.RunStatusSucceeded, res.Status)
	assert.Equal(t, "TEST.ShortSell", res.SourceID)
	assert.Equal(t, int64(2), res.Written)
	assert.Equal(t, 1, summary.Succeeded)

	rec = do(t, h, http.MethodGet, "/runs?source=TEST.ShortSell")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []store.RunEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, res.RunID, entries[0].RunID)
	assert.Equal(t, string(model.RunStatusSucceeded), entries[0].Status)
	assert.Equal(t, int64(2), entries[0].Written)
}

func TestServe_TriggerRunErrors(t *testing.T) {
	env := newTestEnv(t)
	h := newRouter(env, 2)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"unknown source", "/runs/NOPE.Source", http.StatusNotFound},
		{"bad date", "/runs/TEST.ShortSell?date=02/01/2024", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.target)
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}

	rec := do(t, h, http.MethodGet, "/runs/TEST.ShortSell")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServe_ListRuns(t *testing.T) {
	env := newTestEnv(t)
	h := newRouter(env, 2)

	rec := do(t, h, http.MethodGet, "/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/runs?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/runs?limit=-1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServe_CORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	h := newRouter(env, 2)

	req := httptest.NewRequest(http.MethodOptions, "/runs/TEST.ShortSell", nil)
	req.Header.Set("Origin", "https://ops.example.test")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

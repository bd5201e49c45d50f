package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/refdata/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgres(mock, "ref_data"), mock
}

func sampleRun() *model.RunResult {
	started := time.Date(2024, 1, 3, 8, 30, 0, 0, time.UTC)
	return &model.RunResult{
		RunID:    "550e8400-e29b-41d4-a716-446655440000",
		SourceID: "CCASS.Shareholding",
		Category: model.CategoryCustodianPosition,
		Target: model.Target{
			AsOf:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Params: map[string]string{"stock_code": "00005"},
		},
		StartedAt: started,
	}
}

func TestPostgresStore_StartRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	res := sampleRun()

	mock.ExpectExec(`INSERT INTO "ref_data"\."run_log"`).
		WithArgs(res.RunID, "CCASS.Shareholding", "custodian_position", "2024-01-03 stock_code=00005",
			res.Target.AsOf, StatusRunning, res.StartedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.StartRun(context.Background(), res))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_StartRun_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO "ref_data"\."run_log"`).
		WillReturnError(errors.New("connection refused"))

	err := s.StartRun(context.Background(), sampleRun())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	res := sampleRun()
	res.Status = model.RunStatusPartiallyFailed
	res.Written = 42
	res.Rejected = []model.RecordError{{Stage: "normalize", Row: 7, Reason: "missing required field"}}
	res.FinishedAt = res.StartedAt.Add(time.Minute)

	mock.ExpectExec(`UPDATE "ref_data"\."run_log"`).
		WithArgs("partially_failed", res.FinishedAt, int64(42), 1, (*string)(nil), pgxmock.AnyArg(), res.RunID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FinishRun(context.Background(), res))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	res := sampleRun()
	res.Status = model.RunStatusFailed
	res.Error = "fetch CCASS.Shareholding: server error (status 503)"

	mock.ExpectExec(`UPDATE "ref_data"\."run_log"`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), res)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LastSuccess(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	want := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT started_at FROM "ref_data"\."run_log"`).
		WithArgs("HKEX.ShortSellEligible", "succeeded", "partially_failed").
		WillReturnRows(pgxmock.NewRows([]string{"started_at"}).AddRow(want))

	got, err := s.LastSuccess(context.Background(), "HKEX.ShortSellEligible")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LastSuccess_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT started_at FROM "ref_data"\."run_log"`).
		WithArgs("HKEX.ShortSellEligible", "succeeded", "partially_failed").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.LastSuccess(context.Background(), "HKEX.ShortSellEligible")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2024, 1, 3, 8, 30, 0, 0, time.UTC)
	completed := started.Add(time.Minute)
	asOf := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)

	cols := []string{"run_id", "source_id", "category", "target", "as_of_date", "status", "started_at",
		"completed_at", "written", "rejected", "error", "metadata"}
	mock.ExpectQuery(`FROM "ref_data"\."run_log" WHERE 1=1 AND source_id = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("CCASS.Shareholding", 10).
		WillReturnRows(pgxmock.NewRows(cols).AddRow(
			"run-1", "CCASS.Shareholding", "custodian_position", "2024-01-03 stock_code=00005", asOf, "succeeded", started,
			&completed, int64(12), 0, (*string)(nil), []byte(`{"pages":1}`),
		))

	runs, err := s.ListRuns(context.Background(), RunFilter{SourceID: "CCASS.Shareholding", Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)
	assert.Equal(t, "succeeded", runs[0].Status)
	assert.Equal(t, int64(12), runs[0].Written)
	require.NotNil(t, runs[0].CompletedAt)
	assert.Equal(t, completed, *runs[0].CompletedAt)
	assert.Equal(t, float64(1), runs[0].Metadata["pages"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`AND status = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("failed", defaultListLimit).
		WillReturnRows(pgxmock.NewRows([]string{"run_id"}))

	runs, err := s.ListRuns(context.Background(), RunFilter{Status: "failed"})
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectPing()

	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

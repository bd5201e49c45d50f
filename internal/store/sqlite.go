package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/sells-group/refdata/internal/model"
)

// timeLayout is fixed-width so stored stamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// OpenSQLite opens a SQLite database at path with WAL and a busy timeout.
// The pool is limited to one connection so pragmas hold for every statement
// and concurrent runs queue instead of failing with SQLITE_BUSY.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return db, nil
}

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite wraps an open database. Close closes it.
func NewSQLite(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// DB exposes the connection for the writer.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS run_log (
	run_id       TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL,
	category     TEXT NOT NULL,
	target       TEXT NOT NULL DEFAULT '',
	as_of_date   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'running',
	started_at   TEXT NOT NULL,
	completed_at TEXT,
	written      INTEGER NOT NULL DEFAULT 0,
	rejected     INTEGER NOT NULL DEFAULT 0,
	error        TEXT,
	metadata     TEXT
);

CREATE INDEX IF NOT EXISTS idx_run_log_source_started ON run_log(source_id, started_at);
CREATE INDEX IF NOT EXISTS idx_run_log_status ON run_log(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) StartRun(ctx context.Context, res *model.RunResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_log (run_id, source_id, category, target, as_of_date, status, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.SourceID, string(res.Category), res.Target.Label(),
		res.Target.AsOf.Format(model.DateLayout), StatusRunning, res.StartedAt.UTC().Format(timeLayout),
	)
	return eris.Wrapf(err, "sqlite: start run %s", res.RunID)
}

func (s *SQLiteStore) FinishRun(ctx context.Context, res *model.RunResult) error {
	meta, err := runMetadata(res)
	if err != nil {
		return err
	}
	var errMsg any
	if res.Error != "" {
		errMsg = res.Error
	}
	r, err := s.db.ExecContext(ctx,
		`UPDATE run_log
		 SET status = ?, completed_at = ?, written = ?, rejected = ?, error = ?, metadata = ?
		 WHERE run_id = ?`,
		string(res.Status), res.FinishedAt.UTC().Format(timeLayout), res.Written, len(res.Rejected),
		errMsg, string(meta), res.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", res.RunID)
	}
	return checkRowsAffected(r, "run", res.RunID)
}

func (s *SQLiteStore) LastSuccess(ctx context.Context, sourceID string) (*time.Time, error) {
	var started string
	err := s.db.QueryRowContext(ctx,
		`SELECT started_at FROM run_log
		 WHERE source_id = ? AND status IN (?, ?)
		 ORDER BY started_at DESC LIMIT 1`,
		sourceID, string(model.RunStatusSucceeded), string(model.RunStatusPartiallyFailed),
	).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: last success for %s", sourceID)
	}
	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse started_at %q", started)
	}
	return &t, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunEntry, error) {
	query := `SELECT run_id, source_id, category, target, as_of_date, status, started_at,
		completed_at, written, rejected, error, metadata FROM run_log WHERE 1=1`
	var args []any
	if filter.SourceID != "" {
		query += ` AND source_id = ?`
		args = append(args, filter.SourceID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []RunEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func scanEntry(rows *sql.Rows) (*RunEntry, error) {
	var (
		e                 RunEntry
		asOf, started     string
		completed, errStr sql.NullString
		metaJSON          sql.NullString
	)
	if err := rows.Scan(&e.RunID, &e.SourceID, &e.Category, &e.Target, &asOf, &e.Status, &started,
		&completed, &e.Written, &e.Rejected, &errStr, &metaJSON); err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	var err error
	if e.AsOfDate, err = time.Parse(model.DateLayout, asOf); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse as_of_date %q", asOf)
	}
	if e.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse started_at %q", started)
	}
	if completed.Valid {
		t, err := time.Parse(timeLayout, completed.String)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse completed_at %q", completed.String)
		}
		e.CompletedAt = &t
	}
	e.Error = errStr.String
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &e.Metadata)
	}
	return &e, nil
}

// checkRowsAffected returns an error if no rows were affected by an update.
func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Errorf("sqlite: %s %s not found", entity, id)
	}
	return nil
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/refdata/internal/db"
	"github.com/sells-group/refdata/internal/model"
)

// PostgresStore implements Store on <schema>.run_log.
type PostgresStore struct {
	pool   db.Pool
	schema string
	table  string
}

// NewPostgres creates a PostgresStore over an open pool. Close closes the pool.
func NewPostgres(pool db.Pool, schema string) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		schema: schema,
		table:  pgx.Identifier{schema, "run_log"}.Sanitize(),
	}
}

// Pool exposes the connection for the writer.
func (s *PostgresStore) Pool() db.Pool { return s.pool }

func (s *PostgresStore) StartRun(ctx context.Context, res *model.RunResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (run_id, source_id, category, target, as_of_date, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.RunID, res.SourceID, string(res.Category), res.Target.Label(),
		model.TruncateDate(res.Target.AsOf), StatusRunning, res.StartedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: start run %s", res.RunID)
	}
	return nil
}

func (s *PostgresStore) FinishRun(ctx context.Context, res *model.RunResult) error {
	meta, err := runMetadata(res)
	if err != nil {
		return err
	}
	var errMsg *string
	if res.Error != "" {
		errMsg = &res.Error
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table+`
		 SET status = $1, completed_at = $2, written = $3, rejected = $4, error = $5, metadata = $6
		 WHERE run_id = $7`,
		string(res.Status), res.FinishedAt.UTC(), res.Written, len(res.Rejected), errMsg, meta, res.RunID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", res.RunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", res.RunID)
	}
	return nil
}

func (s *PostgresStore) LastSuccess(ctx context.Context, sourceID string) (*time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM `+s.table+`
		 WHERE source_id = $1 AND status IN ($2, $3)
		 ORDER BY started_at DESC LIMIT 1`,
		sourceID, string(model.RunStatusSucceeded), string(model.RunStatusPartiallyFailed),
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: last success for %s", sourceID)
	}
	return &t, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]RunEntry, error) {
	query := `SELECT run_id::text, source_id, category, target, as_of_date, status, started_at,
		completed_at, written, rejected, error, metadata FROM ` + s.table + ` WHERE 1=1`
	var args []any
	if filter.SourceID != "" {
		args = append(args, filter.SourceID)
		query += fmt.Sprintf(" AND source_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, filter.limit())
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []RunEntry
	for rows.Next() {
		var (
			e        RunEntry
			errStr   *string
			metaJSON []byte
		)
		if err := rows.Scan(&e.RunID, &e.SourceID, &e.Category, &e.Target, &e.AsOfDate, &e.Status,
			&e.StartedAt, &e.CompletedAt, &e.Written, &e.Rejected, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate applies the embedded run log migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool, s.schema)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

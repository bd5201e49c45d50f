package writer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/db"
	"github.com/sells-group/refdata/internal/model"
)

// SQLiteTimestampLayout is fixed-width so stored stamps sort lexically.
const SQLiteTimestampLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteCodec = codec{
	value: func(_ model.FieldType, v any) any {
		switch x := v.(type) {
		case time.Time:
			return x.Format(model.DateLayout)
		case bool:
			if x {
				return int64(1)
			}
			return int64(0)
		}
		return v
	},
	timestamp: func(t time.Time) any { return t.UTC().Format(SQLiteTimestampLayout) },
}

// SQLite writes batches into one table per category in a SQLite database.
type SQLite struct {
	db   *sql.DB
	mode Mode
	now  func() time.Time
}

// NewSQLite creates a SQLite writer.
func NewSQLite(sqlDB *sql.DB, mode Mode) *SQLite {
	return &SQLite{db: sqlDB, mode: mode, now: time.Now}
}

func question(int) string { return "?" }

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Write upserts the batch.
func (w *SQLite) Write(ctx context.Context, batch *model.Batch) (*model.WriteResult, error) {
	start := time.Now()
	schema, err := prepare(batch)
	if err != nil {
		return nil, writeError(batch, string(batch.Category), err)
	}
	table := schema.Table
	res := &model.WriteResult{Table: table, Atomic: w.mode != ModePerRecord}
	if len(batch.Records) == 0 {
		return res, nil
	}

	stmt, err := db.UpsertSQL(upsertConfig(table, schema), question)
	if err != nil {
		return res, writeError(batch, table, err)
	}
	now := w.now().UTC()
	rows := make([][]any, len(batch.Records))
	for i, rec := range batch.Records {
		if rows[i], err = row(schema, rec, batch.AsOfDate, now, sqliteCodec); err != nil {
			return res, writeError(batch, table, err)
		}
	}

	log := zap.L().With(
		zap.String("component", "writer.sqlite"),
		zap.String("source", batch.SourceID),
		zap.String("table", table),
	)

	if w.mode == ModePerRecord {
		for i, r := range rows {
			key := batch.Records[i].LogicalKey
			n, err := execRow(ctx, w.db, stmt, r)
			if err != nil {
				res.Failed = append(res.Failed, recordFailure(key, err))
				continue
			}
			res.Written += n
		}
	} else {
		n, err := w.writeTx(ctx, stmt, rows)
		if err != nil {
			res.Duration = time.Since(start)
			log.Error("batch rolled back", zap.Int("records", len(rows)), zap.Error(err))
			return res, writeError(batch, table, err)
		}
		res.Written = n
	}

	res.Duration = time.Since(start)
	log.Info("batch written",
		zap.String("as_of", batch.AsOfDate.Format(model.DateLayout)),
		zap.Int64("written", res.Written),
		zap.Int("failed", len(res.Failed)),
	)
	return res, nil
}

func (w *SQLite) writeTx(ctx context.Context, stmt string, rows [][]any) (int64, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var written int64
	for _, r := range rows {
		n, err := execRow(ctx, tx, stmt, r)
		if err != nil {
			return 0, err
		}
		written += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit tx")
	}
	return written, nil
}

func execRow(ctx context.Context, ex execer, stmt string, r []any) (int64, error) {
	res, err := ex.ExecContext(ctx, stmt, r...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return n, nil
}

// EnsureTables creates every category table and adds columns introduced
// since the table was created.
func (w *SQLite) EnsureTables(ctx context.Context) error {
	for _, c := range model.Categories() {
		schema, err := model.SchemaFor(c)
		if err != nil {
			return err
		}
		table := schema.Table
		if _, err := w.db.ExecContext(ctx, sqliteDialect.createTableSQL(table, schema)); err != nil {
			return eris.Wrapf(err, "sqlite: create table %s", table)
		}

		existing, err := w.columns(ctx, table)
		if err != nil {
			return err
		}
		for _, col := range columns(schema) {
			if existing[col] {
				continue
			}
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
				pgx.Identifier{table}.Sanitize(), pgx.Identifier{col}.Sanitize(), sqliteDialect.columnType(schema, col))
			if _, err := w.db.ExecContext(ctx, alter); err != nil {
				return eris.Wrapf(err, "sqlite: add column %s.%s", table, col)
			}
		}

		if _, err := w.db.ExecContext(ctx, latestIndexSQL(table, table)); err != nil {
			return eris.Wrapf(err, "sqlite: index %s", table)
		}
	}
	return nil
}

func (w *SQLite) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := w.db.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: table info %s", table)
	}
	defer rows.Close() //nolint:errcheck

	out := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan column")
		}
		out[name] = true
	}
	return out, rows.Err()
}

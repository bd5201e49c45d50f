package writer

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/refdata/internal/db"
	"github.com/sells-group/refdata/internal/model"
)

// pgx encodes time.Time into DATE and TIMESTAMPTZ itself.
var pgCodec = codec{
	value:     func(_ model.FieldType, v any) any { return v },
	timestamp: func(t time.Time) any { return t },
}

// Postgres writes batches into <schema>.<category> tables.
type Postgres struct {
	pool   db.Pool
	schema string
	mode   Mode
	now    func() time.Time
}

// NewPostgres creates a Postgres writer.
func NewPostgres(pool db.Pool, schema string, mode Mode) *Postgres {
	return &Postgres{pool: pool, schema: schema, mode: mode, now: time.Now}
}

func (w *Postgres) table(schema model.Schema) string {
	return w.schema + "." + schema.Table
}

// Write upserts the batch. Transactional mode stages rows with COPY and
// merges them in one statement; per-record mode upserts each row on its own.
func (w *Postgres) Write(ctx context.Context, batch *model.Batch) (*model.WriteResult, error) {
	start := time.Now()
	schema, err := prepare(batch)
	if err != nil {
		return nil, writeError(batch, string(batch.Category), err)
	}
	table := w.table(schema)
	res := &model.WriteResult{Table: table, Atomic: w.mode != ModePerRecord}
	if len(batch.Records) == 0 {
		return res, nil
	}

	now := w.now().UTC()
	rows := make([][]any, len(batch.Records))
	for i, rec := range batch.Records {
		if rows[i], err = row(schema, rec, batch.AsOfDate, now, pgCodec); err != nil {
			return res, writeError(batch, table, err)
		}
	}
	cfg := upsertConfig(table, schema)

	log := zap.L().With(
		zap.String("component", "writer.postgres"),
		zap.String("source", batch.SourceID),
		zap.String("table", table),
	)

	if w.mode == ModePerRecord {
		if err := w.writeEach(ctx, cfg, batch, rows, res); err != nil {
			return res, err
		}
	} else {
		n, err := db.BulkUpsert(ctx, w.pool, cfg, rows)
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
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (w *Postgres) writeEach(ctx context.Context, cfg db.UpsertConfig, batch *model.Batch, rows [][]any, res *model.WriteResult) error {
	stmt, err := db.UpsertSQL(cfg, db.Dollar)
	if err != nil {
		return writeError(batch, cfg.Table, err)
	}
	for i, r := range rows {
		key := batch.Records[i].LogicalKey
		if ctx.Err() != nil {
			res.Failed = append(res.Failed, recordFailure(key, ctx.Err()))
			continue
		}
		tag, err := w.pool.Exec(ctx, stmt, r...)
		if err != nil {
			res.Failed = append(res.Failed, recordFailure(key, err))
			continue
		}
		res.Written += tag.RowsAffected()
	}
	return nil
}

// EnsureTables creates the schema, every category table and any column added
// to a category since the table was created.
func (w *Postgres) EnsureTables(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{w.schema}.Sanitize()); err != nil {
		return eris.Wrapf(err, "writer: create schema %s", w.schema)
	}
	for _, c := range model.Categories() {
		schema, err := model.SchemaFor(c)
		if err != nil {
			return err
		}
		table := w.table(schema)
		stmts := []string{postgresDialect.createTableSQL(table, schema)}
		for _, col := range append(schema.FieldNames(), ColFlags) {
			stmts = append(stmts, "ALTER TABLE "+db.Identifier(table).Sanitize()+
				" ADD COLUMN IF NOT EXISTS "+pgx.Identifier{col}.Sanitize()+" "+postgresDialect.columnType(schema, col))
		}
		stmts = append(stmts, latestIndexSQL(table, schema.Table))
		if _, err := w.pool.Exec(ctx, strings.Join(stmts, ";\n")); err != nil {
			return eris.Wrapf(err, "writer: ensure table %s", table)
		}
	}
	return nil
}

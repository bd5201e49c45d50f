// Package writer persists normalized batches. Every category table is keyed by
// (source_id, logical_key, as_of_date); writes are upserts that overwrite
// non-key fields, bump ingested_at and never delete.
package writer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refdata/internal/db"
	"github.com/sells-group/refdata/internal/model"
)

// Mode selects how a batch reaches the store.
type Mode string

const (
	// ModeTransactional commits a batch in one transaction or not at all.
	ModeTransactional Mode = "transactional"
	// ModePerRecord upserts rows one by one and reports each failure.
	ModePerRecord Mode = "per_record"
)

// ParseMode validates a configured write mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeTransactional, ModePerRecord:
		return Mode(s), nil
	case "":
		return ModeTransactional, nil
	}
	return "", eris.Errorf("writer: unknown mode %q", s)
}

// Writer is the only component issuing DDL or DML against category tables.
type Writer interface {
	// Write upserts one batch. In transactional mode any failure rolls the
	// whole batch back and returns a *model.WriteError; in per-record mode
	// failures are listed in WriteResult.Failed.
	Write(ctx context.Context, batch *model.Batch) (*model.WriteResult, error)
	// EnsureTables creates missing category tables and columns.
	EnsureTables(ctx context.Context) error
}

// Key columns shared by every category table.
const (
	ColSourceID   = "source_id"
	ColLogicalKey = "logical_key"
	ColAsOfDate   = "as_of_date"
	ColIngestedAt = "ingested_at"
	ColFlags      = "flags"
)

// KeyColumns form each table's primary key.
var KeyColumns = []string{ColSourceID, ColLogicalKey, ColAsOfDate}

// columns lists every column of a category table in insert order.
func columns(schema model.Schema) []string {
	cols := []string{ColSourceID, ColLogicalKey, ColAsOfDate, ColIngestedAt}
	cols = append(cols, schema.FieldNames()...)
	return append(cols, ColFlags)
}

func upsertConfig(table string, schema model.Schema) db.UpsertConfig {
	return db.UpsertConfig{
		Table:        table,
		Columns:      columns(schema),
		ConflictKeys: KeyColumns,
		Guard:        ColIngestedAt,
	}
}

// codec converts Go values for one driver.
type codec struct {
	value     func(ft model.FieldType, v any) any
	timestamp func(t time.Time) any
}

// row renders a record in column order. ingestedAt replaces the record's own
// stamp so every row of a write carries the write time.
func row(schema model.Schema, rec model.NormalizedRecord, asOf, ingestedAt time.Time, c codec) ([]any, error) {
	out := make([]any, 0, len(schema.Fields)+5)
	out = append(out,
		rec.SourceID,
		rec.LogicalKey,
		c.value(model.FieldDate, asOf),
		c.timestamp(ingestedAt),
	)
	for _, f := range schema.Fields {
		out = append(out, c.value(f.Type, rec.Fields[f.Name]))
	}
	flags, err := encodeFlags(rec.Flags)
	if err != nil {
		return nil, eris.Wrapf(err, "writer: flags for %s", rec.LogicalKey)
	}
	return append(out, flags), nil
}

func encodeFlags(flags map[string][]string) (any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// prepare checks the batch and resolves its table schema.
func prepare(batch *model.Batch) (model.Schema, error) {
	schema, err := model.SchemaFor(batch.Category)
	if err != nil {
		return model.Schema{}, err
	}
	if err := batch.Validate(); err != nil {
		return model.Schema{}, err
	}
	return schema, nil
}

func writeError(batch *model.Batch, table string, err error) *model.WriteError {
	return &model.WriteError{Source: batch.SourceID, Table: table, Keys: batch.Keys(), Err: err}
}

func recordFailure(key string, err error) model.RecordError {
	return model.RecordError{Stage: "write", LogicalKey: key, Reason: err.Error()}
}

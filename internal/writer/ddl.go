package writer

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/sells-group/refdata/internal/db"
	"github.com/sells-group/refdata/internal/model"
)

// dialect maps canonical types to column types.
type dialect struct {
	types     map[model.FieldType]string
	date      string
	timestamp string
	json      string
}

var postgresDialect = dialect{
	types: map[model.FieldType]string{
		model.FieldText:  "TEXT",
		model.FieldInt:   "BIGINT",
		model.FieldFloat: "DOUBLE PRECISION",
		model.FieldBool:  "BOOLEAN",
		model.FieldDate:  "DATE",
	},
	date:      "DATE",
	timestamp: "TIMESTAMPTZ",
	json:      "JSONB",
}

// SQLite stores dates as ISO text so range queries and the ingested_at guard
// compare lexically.
var sqliteDialect = dialect{
	types: map[model.FieldType]string{
		model.FieldText:  "TEXT",
		model.FieldInt:   "INTEGER",
		model.FieldFloat: "REAL",
		model.FieldBool:  "INTEGER",
		model.FieldDate:  "TEXT",
	},
	date:      "TEXT",
	timestamp: "TEXT",
	json:      "TEXT",
}

func (d dialect) columnType(schema model.Schema, col string) string {
	switch col {
	case ColSourceID, ColLogicalKey:
		return "TEXT NOT NULL"
	case ColAsOfDate:
		return d.date + " NOT NULL"
	case ColIngestedAt:
		return d.timestamp + " NOT NULL"
	case ColFlags:
		return d.json
	}
	f, _ := schema.Field(col)
	return d.types[f.Type]
}

// createTableSQL renders CREATE TABLE IF NOT EXISTS for one category.
func (d dialect) createTableSQL(table string, schema model.Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", db.Identifier(table).Sanitize())
	for _, col := range columns(schema) {
		fmt.Fprintf(&b, "\t%s %s,\n", pgx.Identifier{col}.Sanitize(), d.columnType(schema, col))
	}
	keys := make([]string, len(KeyColumns))
	for i, k := range KeyColumns {
		keys[i] = pgx.Identifier{k}.Sanitize()
	}
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)\n)", strings.Join(keys, ", "))
	return b.String()
}

// latestIndexSQL supports "latest as_of_date per key" queries downstream.
func latestIndexSQL(table, name string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
		pgx.Identifier{"idx_" + name + "_key_date"}.Sanitize(),
		db.Identifier(table).Sanitize(),
		pgx.Identifier{ColLogicalKey}.Sanitize(),
		pgx.Identifier{ColAsOfDate}.Sanitize(),
	)
}

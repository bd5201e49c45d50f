package db

import (
	"bytes"
	"context"
	"embed"
	"io/fs"
	"sort"
	"text/template"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrationLock keys the advisory lock held while migrating.
const migrationLock = 20240102

// Migrate runs all pending SQL migrations in lexicographic order. Migration
// files are templates over {{.Schema}} so the store schema stays configurable.
func Migrate(ctx context.Context, pool Pool, schema string) error {
	log := zap.L().With(zap.String("component", "db.migrate"), zap.String("schema", schema))

	if _, err := pool.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLock); err != nil {
		return eris.Wrap(err, "db: acquire migration advisory lock")
	}
	defer func() {
		if _, err := pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLock); err != nil {
			log.Warn("db: failed to release migration advisory lock", zap.Error(err))
		}
	}()

	if err := ensureMigrationTable(ctx, pool, schema); err != nil {
		return err
	}

	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "db: read migration dir")
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	applied, err := appliedMigrations(ctx, pool, schema)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if applied[name] {
			continue
		}

		sql, err := renderMigration(name, schema)
		if err != nil {
			return err
		}

		log.Info("applying migration", zap.String("file", name))
		if _, err := pool.Exec(ctx, sql); err != nil {
			return eris.Wrapf(err, "db: apply migration %s", name)
		}
		if _, err := pool.Exec(ctx,
			"INSERT INTO "+pgx.Identifier{schema, "schema_migrations"}.Sanitize()+" (filename, applied_at) VALUES ($1, now())",
			name,
		); err != nil {
			return eris.Wrapf(err, "db: record migration %s", name)
		}
	}
	return nil
}

func renderMigration(name, schema string) (string, error) {
	data, err := migrationFS.ReadFile("migrations/" + name)
	if err != nil {
		return "", eris.Wrapf(err, "db: read migration %s", name)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return "", eris.Wrapf(err, "db: parse migration %s", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Schema string }{pgx.Identifier{schema}.Sanitize()}); err != nil {
		return "", eris.Wrapf(err, "db: render migration %s", name)
	}
	return buf.String(), nil
}

func ensureMigrationTable(ctx context.Context, pool Pool, schema string) error {
	s := pgx.Identifier{schema}.Sanitize()
	sql := `
		CREATE SCHEMA IF NOT EXISTS ` + s + `;
		CREATE TABLE IF NOT EXISTS ` + s + `.schema_migrations (
			id         SERIAL PRIMARY KEY,
			filename   TEXT NOT NULL UNIQUE,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := pool.Exec(ctx, sql); err != nil {
		return eris.Wrap(err, "db: ensure migration table")
	}
	return nil
}

func appliedMigrations(ctx context.Context, pool Pool, schema string) (map[string]bool, error) {
	rows, err := pool.Query(ctx, "SELECT filename FROM "+pgx.Identifier{schema, "schema_migrations"}.Sanitize())
	if err != nil {
		return nil, eris.Wrap(err, "db: query applied migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "db: scan migration row")
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

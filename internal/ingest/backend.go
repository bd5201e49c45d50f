package ingest

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/refdata/internal/config"
	"github.com/sells-group/refdata/internal/db"
	"github.com/sells-group/refdata/internal/store"
	"github.com/sells-group/refdata/internal/writer"
)

// DefaultSchema holds the category tables and run log on Postgres.
const DefaultSchema = "ref_data"

// Backend is the store connection of one invocation: the run log and the
// category writer share it.
type Backend struct {
	Store  store.Store
	Writer writer.Writer
}

// Open connects to the configured store.
func Open(ctx context.Context, cfg config.StoreConfig, mode writer.Mode) (*Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		conn, err := store.OpenSQLite(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &Backend{Store: store.NewSQLite(conn), Writer: writer.NewSQLite(conn, mode)}, nil
	case "postgres", "":
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		schema := cfg.Schema
		if schema == "" {
			schema = DefaultSchema
		}
		return &Backend{
			Store:  store.NewPostgres(pool, schema),
			Writer: writer.NewPostgres(pool, schema, mode),
		}, nil
	default:
		return nil, eris.Errorf("ingest: unknown store driver %q", cfg.Driver)
	}
}

// Migrate creates the run log and every category table.
func (b *Backend) Migrate(ctx context.Context) error {
	if err := b.Store.Migrate(ctx); err != nil {
		return eris.Wrap(err, "ingest: migrate run log")
	}
	if err := b.Writer.EnsureTables(ctx); err != nil {
		return eris.Wrap(err, "ingest: ensure category tables")
	}
	return nil
}

// Close releases the connection.
func (b *Backend) Close() error {
	return b.Store.Close()
}

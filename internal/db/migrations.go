package db

import (
	"context"
	"embed"
	"fmt"

	"github.com/rs/zerolog/log"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationsTable = "schema_migrations"

func migrationSource() migrate.MigrationSource {
	return migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFS,
		Root:       "migrations",
	}
}

// Migrate applies any embedded migrations not yet recorded in schema_migrations.
func (db *DB) Migrate(ctx context.Context) error {
	set := migrate.MigrationSet{TableName: migrationsTable}

	n, err := set.ExecContext(ctx, db.DB, "postgres", migrationSource(), migrate.Up)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	log.Info().Str("component", "db").Int("applied", n).Msg("Migrations up to date")
	return nil
}

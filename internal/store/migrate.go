package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrateLockKey = "wallet-ledger:migrate"

// Migrate applies the embedded migrations in file name order inside one
// transaction. The api and worker processes may both call it at startup;
// an advisory lock keeps them from interleaving.
func Migrate(ctx context.Context, db *pgxpool.Pool) ([]string, error) {
	files, err := migrationFiles()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, migrateLockKey); err != nil {
		return nil, err
	}
	for _, f := range files {
		sqlBytes, err := migrationsFS.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			return nil, fmt.Errorf("migration %s failed: %w", f, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return files, nil
}

func migrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, "migrations/"+e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

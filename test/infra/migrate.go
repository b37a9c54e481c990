package infra

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"signflow/db"
)

// ApplyMigrations runs the embedded goose migrations against the DSN and
// returns a connected pool.
func ApplyMigrations(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	if err := db.RunMigrations(ctx, dsn); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	return pool, nil
}

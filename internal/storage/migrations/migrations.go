// Package migrations applies the embedded Postgres schema with goose.
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var embedded embed.FS

// FS returns the migration files rooted at their directory.
func FS() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Up applies every pending migration and returns the applied file names.
func Up(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("close migration handle", zap.Error(err))
		}
	}()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, FS())
	if err != nil {
		return nil, fmt.Errorf("init goose: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	applied := make([]string, 0, len(results))
	for _, res := range results {
		applied = append(applied, res.Source.Path)
		logger.Info("migration applied",
			zap.String("file", res.Source.Path),
			zap.Int64("version", res.Source.Version),
			zap.Duration("duration", res.Duration),
		)
	}
	return applied, nil
}

package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/foxseedlab/aiscribe/internal/config"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/do/v2"
)

const databaseInitTimeout = 15 * time.Second

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (repository.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ctx, cancel := context.WithTimeout(context.Background(), databaseInitTimeout)
		defer cancel()

		switch cfg.DatabaseDriver {
		case config.DatabaseDriverMemory:
			return NewMemoryStore(), nil
		case config.DatabaseDriverSQLite:
			if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("failed to create database directory: %w", err)
				}
			}
			store, err := OpenSQLite(ctx, cfg.SQLitePath)
			if err != nil {
				return nil, fmt.Errorf("failed to open sqlite database: %w", err)
			}
			return store, nil
		case config.DatabaseDriverPostgres:
			return openPostgres(ctx, cfg.DatabaseURL)
		default:
			return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
		}
	})
	do.Provide(injector, func(i do.Injector) (repository.PatientStore, error) {
		store := do.MustInvoke[repository.Store](i)
		patients, ok := store.(repository.PatientStore)
		if !ok {
			return nil, fmt.Errorf("store %T does not keep patients", store)
		}
		return patients, nil
	})
}

func openPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	p, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := RunPostgresMigration(ctx, p); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to run migration: %w", err)
	}
	return NewPostgresStore(p), nil
}

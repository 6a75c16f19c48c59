package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// migrationDirs lists the folders whose .sql files are applied, in order. The
// second entry is optional test-only fixtures and may not exist.
func migrationDirs() []string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return nil
	}
	base := filepath.Dir(file)
	return []string{
		filepath.Join(base, "..", "..", "migrations"),
		filepath.Join(base, "..", "migrations"),
	}
}

// ApplyMigrations connects a pool to the DSN and applies every migration file.
// When isolate is true the run gets its own schema, dropped by the returned
// teardown, so several runs can share one database.
func ApplyMigrations(ctx context.Context, dsn string, isolate bool) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse pool config: %w", err)
	}

	teardown := func(context.Context) error { return nil }
	if isolate {
		teardown, err = isolateSchema(ctx, dsn, cfg)
		if err != nil {
			return nil, nil, err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect pool: %w", err)
	}

	for _, dir := range migrationDirs() {
		files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("glob %s: %w", dir, err)
		}
		sort.Strings(files)
		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("read %s: %w", filepath.Base(f), err)
			}
			if _, err := pool.Exec(ctx, string(data)); err != nil {
				pool.Close()
				return nil, nil, fmt.Errorf("apply %s: %w", filepath.Base(f), err)
			}
		}
	}

	return pool, teardown, nil
}

// isolateSchema creates a per-run schema, points the pool's search_path at it,
// and returns the teardown that drops it.
func isolateSchema(ctx context.Context, dsn string, cfg *pgxpool.Config) (func(context.Context) error, error) {
	ident := pgx.Identifier{fmt.Sprintf("escrow_run_%d", time.Now().UnixNano())}.Sanitize()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect for schema: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+ident)
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("create schema %s: %w", ident, err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET search_path TO "+ident)
		return err
	}

	return func(ctx context.Context) error {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer conn.Close(ctx)
		_, err = conn.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE")
		return err
	}, nil
}

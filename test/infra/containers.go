package infra

import (
	"context"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// Postgres wraps the throwaway container so callers can terminate it without
// caring whether one was actually started (shared-DSN runs leave it nil).
type Postgres struct {
	container *postgres.PostgresContainer
}

func (p *Postgres) Terminate(ctx context.Context) error {
	if p == nil || p.container == nil {
		return nil
	}
	return p.container.Terminate(ctx)
}

// StartPostgres brings up a Postgres 16 container and returns its DSN. An
// explicit override, or STRESS_TEST_PG_DSN in the environment, short-circuits
// to that database instead.
func StartPostgres(ctx context.Context, override string) (*Postgres, string, error) {
	if override != "" {
		return &Postgres{}, override, nil
	}
	if dsn := os.Getenv("STRESS_TEST_PG_DSN"); dsn != "" {
		return &Postgres{}, dsn, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("escrowdb"),
		postgres.WithUsername("escrow"),
		postgres.WithPassword("escrowpass"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &Postgres{container: pgC}, dsn, nil
}

package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	defaultImage = "postgres:16-alpine"
	testDatabase = "escrow"
	testUser     = "escrow"
	testPassword = "escrow"
)

// PGContainer is a started container. The zero value stands for a database
// someone else manages and terminates nothing.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// externalDSN picks a database that is already running: the caller's
// override first, then STRESS_TEST_PG_DSN.
func externalDSN(override string) string {
	if override != "" {
		return override
	}
	return os.Getenv("STRESS_TEST_PG_DSN")
}

// StartPostgres16 returns a DSN for a throwaway Postgres 16, booting a
// container unless an external database was supplied. ESCROW_TEST_PG_IMAGE
// swaps the image.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	if dsn := externalDSN(overrideDSN); dsn != "" {
		return &PGContainer{}, dsn, nil
	}

	image := os.Getenv("ESCROW_TEST_PG_IMAGE")
	if image == "" {
		image = defaultImage
	}
	pgC, err := postgres.Run(ctx, image,
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("infra: run %s: %w", image, err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable", "application_name=escrow-tests")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("infra: container dsn: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

package infra

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// SharedDSNEnv names a database to reuse instead of starting one.
const SharedDSNEnv = "STRESS_TEST_PG_DSN"

// ErrNoDatabase means neither a shared DSN, Docker nor a local server was available.
var ErrNoDatabase = errors.New("infra: no postgres available")

// PGContainer wraps a started container. The zero value owns nothing.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// Target is a database a run can use.
type Target struct {
	Container *PGContainer
	DSN       string
	// Shared databases may hold other data; runs against them isolate in their own schema.
	Shared bool
}

// Resolve picks a database: overrideDSN, then SharedDSNEnv, then a Postgres 16 container,
// then a freshly created database on a local server.
func Resolve(ctx context.Context, overrideDSN string) (Target, error) {
	if overrideDSN != "" {
		return Target{Container: &PGContainer{}, DSN: overrideDSN, Shared: true}, nil
	}
	if dsn := os.Getenv(SharedDSNEnv); dsn != "" {
		return Target{Container: &PGContainer{}, DSN: dsn, Shared: true}, nil
	}
	if DockerAvailable(ctx) {
		c, dsn, err := StartPostgres16(ctx)
		if err != nil {
			return Target{}, err
		}
		return Target{Container: c, DSN: dsn}, nil
	}
	dsn, err := InitLocalDatabase(ctx)
	if err != nil {
		return Target{}, errors.Join(ErrNoDatabase, err)
	}
	return Target{Container: &PGContainer{}, DSN: dsn}, nil
}

// StartPostgres16 starts a throwaway Postgres 16 container and returns its DSN.
func StartPostgres16(ctx context.Context) (*PGContainer, string, error) {
	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("collections"),
		postgres.WithUsername("collections"),
		postgres.WithPassword("collections"),
	)
	if err != nil {
		return nil, "", err
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", err
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}

// DockerAvailable reports whether a Docker daemon answers.
func DockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/azisaba/commander/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("COMMANDER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COMMANDER_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("could not connect to postgres: %v", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("could not ensure schema: %v", err)
	}

	truncate := func() {
		pool.Exec(ctx, "TRUNCATE sessions, user_permissions, users RESTART IDENTITY") //nolint:errcheck
	}
	truncate()

	return NewRepository(pool), func() {
		truncate()
		pool.Close()
	}
}

func TestPostgresStorage(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()

	storagetest.RunRepositoryTests(t, s)
}

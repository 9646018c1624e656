// Package testutil provides shared test infrastructure: a pgvector-enabled
// PostgreSQL container with the service schema applied, ready for store
// integration tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cain76/finderskeepers-v2-sub003/db"
	"github.com/cain76/finderskeepers-v2-sub003/internal/database"
)

// TestDB wraps a PostgreSQL test container with a migrated pool.
//
// Usage:
//
//	tdb := testutil.SetupTestDB(t)
//	// use tdb.Pool; cleanup is registered on t
type TestDB struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// SetupTestDB starts a pgvector-enabled PostgreSQL container, runs the
// embedded migrations, and returns a ready pool. Cleanup is registered via
// t.Cleanup.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("retrieval_test"),
		postgres.WithUsername("retrieval_test"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	if err := db.Migrate(connStr, nil); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, cleanup, err := database.NewPool(ctx, connStr, database.PoolConfig{})
	if err != nil {
		t.Fatalf("create connection pool: %v", err)
	}
	t.Cleanup(cleanup)

	return &TestDB{
		Container: container,
		Pool:      pool,
		ConnStr:   connStr,
	}
}

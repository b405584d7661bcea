// Package businternaltest contains shared helpers for the bus's internal
// test suites.
package businternaltest

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pgtbus/tbus/internal/baseservice"
	"github.com/pgtbus/tbus/internal/util/randutil"
)

// Archetype returns a base service archetype suitable for tests, with
// logging discarded.
func Archetype(tb testing.TB) *baseservice.Archetype {
	tb.Helper()

	return &baseservice.Archetype{
		Logger: slog.New(slog.DiscardHandler),
		Rand:   randutil.NewCryptoSeededConcurrentSafeRand(),
		Time:   &baseservice.UnStubbableTimeGenerator{},
	}
}

// TestDatabaseURL returns the database URL integration tests run against,
// skipping the test when none is configured.
func TestDatabaseURL(tb testing.TB) string {
	tb.Helper()

	url := os.Getenv("TBUS_TEST_DATABASE_URL")
	if url == "" {
		tb.Skip("TBUS_TEST_DATABASE_URL not set; skipping integration test")
	}
	return url
}

// TestPool opens a pool against the integration test database, closing it
// with the test.
func TestPool(tb testing.TB) *pgxpool.Pool {
	tb.Helper()

	pool, err := pgxpool.New(context.Background(), TestDatabaseURL(tb))
	if err != nil {
		tb.Fatalf("creating test pool: %s", err)
	}
	tb.Cleanup(pool.Close)
	return pool
}

// Package storetest opens the Postgres database used by integration tests.
package storetest

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open connects to TEST_POSTGRES_DSN or skips the test.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set (integration test)")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// Truncate empties tables that exist, leaving missing ones to be created on first use.
func Truncate(t *testing.T, pool *pgxpool.Pool, tables ...string) {
	t.Helper()
	ctx := context.Background()
	existing := make([]string, 0, len(tables))
	for _, table := range tables {
		var ok bool
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&ok); err != nil {
			t.Fatalf("check table %s: %v", table, err)
		}
		if ok {
			existing = append(existing, table)
		}
	}
	if len(existing) == 0 {
		return
	}
	if _, err := pool.Exec(ctx, "TRUNCATE "+strings.Join(existing, ", ")+" CASCADE"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
}

package store

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"sync"
)

//go:embed schema/*.sql
var schemaFiles embed.FS

// schemaLockKey serialises concurrent DDL from processes starting at once.
const schemaLockKey = 7_420_113

// Tables lists every table the primitives own, in dependency order.
var Tables = []string{"jobs", "rate_limits", "secrets", "secret_audit_log"}

// EnsureTable runs the embedded CREATE ... IF NOT EXISTS script for table.
func EnsureTable(ctx context.Context, db DB, table string) error {
	content, err := schemaFiles.ReadFile("schema/" + table + ".sql")
	if err != nil {
		return fmt.Errorf("read schema %s: %w", table, err)
	}
	ddl := strings.TrimSpace(string(content))
	if ddl == "" {
		return nil
	}
	// A multi-statement simple query runs in one implicit transaction, so the
	// xact lock is held until the DDL finishes.
	script := fmt.Sprintf("SELECT pg_advisory_xact_lock(%d);\n%s", schemaLockKey, ddl)
	if _, err := db.Exec(ctx, script); err != nil {
		return Classify(fmt.Errorf("create table %s: %w", table, err))
	}
	return nil
}

// EnsureAll creates every table up front.
func EnsureAll(ctx context.Context, db DB) error {
	for _, t := range Tables {
		if err := EnsureTable(ctx, db, t); err != nil {
			return err
		}
	}
	return nil
}

// Schema creates a primitive's tables on first use. A failed attempt is
// retried on the next call.
type Schema struct {
	tables []string

	mu   sync.Mutex
	done bool
}

func NewSchema(tables ...string) *Schema {
	return &Schema{tables: tables}
}

// Ensure creates the tables once per process.
func (s *Schema) Ensure(ctx context.Context, db DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	for _, t := range s.tables {
		if err := EnsureTable(ctx, db, t); err != nil {
			return err
		}
	}
	s.done = true
	return nil
}

package secrets

import (
	"context"
	"encoding/json"
	"fmt"

	"coordination-core/internal/models"
	"coordination-core/internal/store"
)

// AuditSink appends secret lifecycle events. db is either the pool or the
// transaction the event must commit with.
type AuditSink interface {
	Record(ctx context.Context, db store.DB, entry models.AuditEntry) error
}

// PostgresAudit writes to secret_audit_log. Rows are never updated or deleted.
type PostgresAudit struct{}

func (PostgresAudit) Record(ctx context.Context, db store.DB, e models.AuditEntry) error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = db.Exec(ctx, `
		INSERT INTO secret_audit_log (secret_id, action, performed_by, metadata)
		VALUES ($1, $2, $3, $4)
	`, e.SecretID, string(e.Action), e.PerformedBy, meta)
	if err != nil {
		return store.Classify(fmt.Errorf("append audit entry: %w", err))
	}
	return nil
}

// History returns a key's audit trail across all versions, newest first.
func (PostgresAudit) History(ctx context.Context, db store.DB, keyName string, limit int) ([]models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(ctx, `
		SELECT a.secret_id::text, a.action, a.performed_by, a.performed_at, a.metadata
		FROM secret_audit_log a
		JOIN secrets s ON s.id = a.secret_id
		WHERE s.key_name = $1
		ORDER BY a.performed_at DESC, a.id DESC
		LIMIT $2
	`, keyName, limit)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("query audit log: %w", err))
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var action string
		var meta []byte
		if err := rows.Scan(&e.SecretID, &action, &e.PerformedBy, &e.PerformedAt, &meta); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = models.AuditAction(action)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, store.Classify(rows.Err())
}

type actorKey struct{}

// DefaultActor is recorded when the context names no actor.
const DefaultActor = "SYSTEM"

// WithActor tags ctx with the identity recorded in audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return DefaultActor
}

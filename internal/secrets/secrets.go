package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/rs/zerolog"

	"coordination-core/internal/models"
	"coordination-core/internal/store"
	"coordination-core/internal/telemetry"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrSecretExists   = errors.New("secret already has an active version")
	ErrInvalidSecret  = errors.New("invalid secret")
)

const (
	DefaultCacheTTL = 5 * time.Minute

	accessAuditTimeout = 2 * time.Second
)

const secretColumns = `id::text, secret_type, key_name, version, is_active, created_at,
	expires_at, rotated_at, last_used_at, metadata, created_by`

// Manager stores versioned, encrypted secrets in Postgres. The read cache is
// its only in-process state; every cross-process guarantee comes from
// transactions and per-key advisory locks.
type Manager struct {
	db     store.DB
	schema *store.Schema
	cipher *Cipher
	cache  *Cache
	audit  AuditSink
	log    zerolog.Logger
}

type Option func(*Manager)

func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.cache = NewCache(ttl) }
}

func WithAuditSink(a AuditSink) Option {
	return func(m *Manager) { m.audit = a }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func New(db store.DB, c *Cipher, opts ...Option) *Manager {
	m := &Manager{
		db:     db,
		schema: store.NewSchema("secrets", "secret_audit_log"),
		cipher: c,
		cache:  NewCache(DefaultCacheTTL),
		audit:  PostgresAudit{},
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StoreParams describes the first version of a secret. A zero TTL means the
// version never expires on its own.
type StoreParams struct {
	KeyName  string
	Value    string
	Type     models.SecretType
	TTL      time.Duration
	Metadata map[string]any
}

// Store creates a new version for a key that has no active version: version 1
// for a new key, max+1 after a revoke.
func (m *Manager) Store(ctx context.Context, p StoreParams) (*models.Secret, error) {
	if strings.TrimSpace(p.KeyName) == "" {
		return nil, fmt.Errorf("%w: key name is required", ErrInvalidSecret)
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown secret type %q", ErrInvalidSecret, p.Type)
	}
	if p.TTL < 0 {
		return nil, fmt.Errorf("%w: ttl must not be negative", ErrInvalidSecret)
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	sealed, err := m.cipher.Encrypt(p.Value)
	if err != nil {
		return nil, err
	}
	if err := m.schema.Ensure(ctx, m.db); err != nil {
		return nil, err
	}

	actor := ActorFrom(ctx)
	var created *models.Secret
	err = store.InTx(ctx, m.db, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, p.KeyName); err != nil {
			return err
		}
		var active bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM secrets WHERE key_name = $1 AND is_active)`,
			p.KeyName).Scan(&active); err != nil {
			return store.Classify(fmt.Errorf("check active secret: %w", err))
		}
		if active {
			return ErrSecretExists
		}
		version, err := nextVersion(ctx, tx, p.KeyName)
		if err != nil {
			return err
		}
		created, err = scanSecret(tx.QueryRow(ctx, `
			INSERT INTO secrets (id, secret_type, key_name, secret_value, version, expires_at, metadata, created_by)
			VALUES ($1, $2, $3, $4, $5,
				CASE WHEN $6::bigint > 0 THEN NOW() + $6::bigint * INTERVAL '1 millisecond' END,
				$7, $8)
			RETURNING `+secretColumns,
			uuid.New().String(), string(p.Type), p.KeyName, sealed, version, p.TTL.Milliseconds(), meta, actor))
		if err != nil {
			return store.Classify(fmt.Errorf("insert secret: %w", err))
		}
		return m.audit.Record(ctx, tx, models.AuditEntry{
			SecretID:    created.ID,
			Action:      models.AuditCreated,
			PerformedBy: actor,
			Metadata:    map[string]any{"version": version},
		})
	})
	if err != nil {
		return nil, err
	}
	m.cache.Invalidate(p.KeyName)
	m.log.Info().Str("key_name", p.KeyName).Int("version", created.Version).Str("actor", actor).Msg("secret stored")
	return created, nil
}

// Get returns the active, unexpired value for keyName. found is false when no
// such version exists. The access audit is best-effort and never fails the
// read.
func (m *Manager) Get(ctx context.Context, keyName string, useCache bool) (value string, found bool, err error) {
	if useCache {
		if v, ok := m.cache.Get(keyName); ok {
			telemetry.SecretCache.WithLabelValues("hit").Inc()
			return v, true, nil
		}
		telemetry.SecretCache.WithLabelValues("miss").Inc()
	}
	if err := m.schema.Ensure(ctx, m.db); err != nil {
		return "", false, err
	}

	gen := m.cache.Generation(keyName)
	var id, sealed string
	var expires pgtype.Timestamptz
	err = m.db.QueryRow(ctx, `
		SELECT id::text, secret_value, expires_at
		FROM secrets
		WHERE key_name = $1
		  AND is_active
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY version DESC
		LIMIT 1
	`, keyName).Scan(&id, &sealed, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, store.Classify(fmt.Errorf("select secret: %w", err))
	}
	value, err = m.cipher.Decrypt(sealed)
	if err != nil {
		return "", false, fmt.Errorf("secret %s: %w", keyName, err)
	}

	m.recordAccess(ctx, keyName, id)
	m.cache.Set(keyName, value, gen, store.TimePtr(expires))
	return value, true, nil
}

// ValidValues returns every version of keyName that has not expired, newest
// first: the active value followed by any still inside their grace period.
// Verifiers use it to accept material issued before a rotation.
func (m *Manager) ValidValues(ctx context.Context, keyName string) ([]string, error) {
	if err := m.schema.Ensure(ctx, m.db); err != nil {
		return nil, err
	}
	rows, err := m.db.Query(ctx, `
		SELECT id::text, secret_value
		FROM secrets
		WHERE key_name = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY version DESC
	`, keyName)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("select valid secrets: %w", err))
	}
	type sealedRow struct{ id, value string }
	var sealed []sealedRow
	for rows.Next() {
		var r sealedRow
		if err := rows.Scan(&r.id, &r.value); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan secret: %w", err)
		}
		sealed = append(sealed, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, store.Classify(fmt.Errorf("select valid secrets: %w", err))
	}

	values := make([]string, 0, len(sealed))
	for _, r := range sealed {
		v, err := m.cipher.Decrypt(r.value)
		if err != nil {
			return nil, fmt.Errorf("secret %s: %w", keyName, err)
		}
		m.recordAccess(ctx, keyName, r.id)
		values = append(values, v)
	}
	return values, nil
}

// Rotate replaces the active version with newValue in one transaction. The
// previous version stays valid for grace.
func (m *Manager) Rotate(ctx context.Context, keyName, newValue string, grace time.Duration) (*models.Secret, error) {
	if grace < 0 {
		return nil, fmt.Errorf("%w: grace period must not be negative", ErrInvalidSecret)
	}
	sealed, err := m.cipher.Encrypt(newValue)
	if err != nil {
		return nil, err
	}
	if err := m.schema.Ensure(ctx, m.db); err != nil {
		return nil, err
	}

	actor := ActorFrom(ctx)
	var rotated *models.Secret
	err = store.InTx(ctx, m.db, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, keyName); err != nil {
			return err
		}
		var prevID, secretType string
		var prevVersion int
		var meta []byte
		err := tx.QueryRow(ctx, `
			SELECT id::text, version, secret_type, metadata
			FROM secrets
			WHERE key_name = $1 AND is_active
			FOR UPDATE
		`, keyName).Scan(&prevID, &prevVersion, &secretType, &meta)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSecretNotFound
		}
		if err != nil {
			return store.Classify(fmt.Errorf("select active secret: %w", err))
		}

		if _, err := tx.Exec(ctx, `
			UPDATE secrets
			SET is_active = FALSE,
			    expires_at = NOW() + ($2::bigint * INTERVAL '1 millisecond'),
			    rotated_at = NOW()
			WHERE id = $1
		`, prevID, grace.Milliseconds()); err != nil {
			return store.Classify(fmt.Errorf("deactivate secret: %w", err))
		}

		version, err := nextVersion(ctx, tx, keyName)
		if err != nil {
			return err
		}
		rotated, err = scanSecret(tx.QueryRow(ctx, `
			INSERT INTO secrets (id, secret_type, key_name, secret_value, version, metadata, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+secretColumns,
			uuid.New().String(), secretType, keyName, sealed, version, meta, actor))
		if err != nil {
			return store.Classify(fmt.Errorf("insert rotated secret: %w", err))
		}
		return m.audit.Record(ctx, tx, models.AuditEntry{
			SecretID:    rotated.ID,
			Action:      models.AuditRotated,
			PerformedBy: actor,
			Metadata: map[string]any{
				"previous_version": prevVersion,
				"version":          version,
				"grace_period":     grace.String(),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	m.cache.Invalidate(keyName)
	m.log.Info().Str("key_name", keyName).Int("version", rotated.Version).Dur("grace", grace).Str("actor", actor).Msg("secret rotated")
	return rotated, nil
}

// Revoke deactivates the active version immediately, with no grace period.
func (m *Manager) Revoke(ctx context.Context, keyName string) error {
	if err := m.schema.Ensure(ctx, m.db); err != nil {
		return err
	}
	actor := ActorFrom(ctx)
	err := store.InTx(ctx, m.db, func(tx pgx.Tx) error {
		if err := lockKey(ctx, tx, keyName); err != nil {
			return err
		}
		var id string
		var version int
		err := tx.QueryRow(ctx, `
			UPDATE secrets
			SET is_active = FALSE, expires_at = NOW()
			WHERE key_name = $1 AND is_active
			RETURNING id::text, version
		`, keyName).Scan(&id, &version)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSecretNotFound
		}
		if err != nil {
			return store.Classify(fmt.Errorf("revoke secret: %w", err))
		}
		return m.audit.Record(ctx, tx, models.AuditEntry{
			SecretID:    id,
			Action:      models.AuditRevoked,
			PerformedBy: actor,
			Metadata:    map[string]any{"version": version},
		})
	})
	if err != nil {
		return err
	}
	m.cache.Invalidate(keyName)
	m.log.Warn().Str("key_name", keyName).Str("actor", actor).Msg("secret revoked")
	return nil
}

// ListVersions reports every version of keyName, newest first.
func (m *Manager) ListVersions(ctx context.Context, keyName string) ([]models.SecretVersion, error) {
	if err := m.schema.Ensure(ctx, m.db); err != nil {
		return nil, err
	}
	rows, err := m.db.Query(ctx, `
		SELECT version, is_active, created_at, expires_at, rotated_at
		FROM secrets
		WHERE key_name = $1
		ORDER BY version DESC
	`, keyName)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("list versions: %w", err))
	}
	defer rows.Close()

	var out []models.SecretVersion
	for rows.Next() {
		var v models.SecretVersion
		var expires, rotatedAt pgtype.Timestamptz
		if err := rows.Scan(&v.Version, &v.IsActive, &v.CreatedAt, &expires, &rotatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.ExpiresAt = store.TimePtr(expires)
		v.RotatedAt = store.TimePtr(rotatedAt)
		out = append(out, v)
	}
	return out, store.Classify(rows.Err())
}

// NeedingRotation lists active secrets created or last rotated more than age
// ago, oldest first.
func (m *Manager) NeedingRotation(ctx context.Context, age time.Duration) ([]models.Secret, error) {
	if err := m.schema.Ensure(ctx, m.db); err != nil {
		return nil, err
	}
	return m.querySecrets(ctx, `
		SELECT `+secretColumns+`
		FROM secrets
		WHERE is_active
		  AND created_at < NOW() - ($1::bigint * INTERVAL '1 millisecond')
		ORDER BY created_at ASC
	`, age.Milliseconds())
}

// List returns the active version of every secret, optionally filtered by
// type.
func (m *Manager) List(ctx context.Context, secretType models.SecretType) ([]models.Secret, error) {
	if err := m.schema.Ensure(ctx, m.db); err != nil {
		return nil, err
	}
	if secretType == "" {
		return m.querySecrets(ctx, `
			SELECT `+secretColumns+` FROM secrets WHERE is_active ORDER BY secret_type, key_name`)
	}
	return m.querySecrets(ctx, `
		SELECT `+secretColumns+` FROM secrets WHERE is_active AND secret_type = $1 ORDER BY key_name`,
		string(secretType))
}

// History returns the audit trail for keyName when the sink can report one.
func (m *Manager) History(ctx context.Context, keyName string, limit int) ([]models.AuditEntry, error) {
	pa, ok := m.audit.(PostgresAudit)
	if !ok {
		return nil, errors.New("audit sink does not support history")
	}
	if err := m.schema.Ensure(ctx, m.db); err != nil {
		return nil, err
	}
	return pa.History(ctx, m.db, keyName, limit)
}

func (m *Manager) querySecrets(ctx context.Context, sql string, args ...any) ([]models.Secret, error) {
	rows, err := m.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, store.Classify(fmt.Errorf("query secrets: %w", err))
	}
	defer rows.Close()

	var out []models.Secret
	for rows.Next() {
		s, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, store.Classify(rows.Err())
}

// recordAccess touches last_used_at and appends an "accessed" entry. Failures
// are logged and counted; the caller already has its value.
func (m *Manager) recordAccess(ctx context.Context, keyName, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), accessAuditTimeout)
	defer cancel()

	if _, err := m.db.Exec(ctx, `UPDATE secrets SET last_used_at = NOW() WHERE id = $1`, id); err != nil {
		telemetry.SecretAuditErrors.Inc()
		m.log.Warn().Err(err).Str("key_name", keyName).Msg("update last_used_at failed")
	}
	err := m.audit.Record(ctx, m.db, models.AuditEntry{
		SecretID:    id,
		Action:      models.AuditAccessed,
		PerformedBy: ActorFrom(ctx),
	})
	if err != nil {
		telemetry.SecretAuditErrors.Inc()
		m.log.Warn().Err(err).Str("key_name", keyName).Msg("access audit failed")
	}
}

func lockKey(ctx context.Context, tx pgx.Tx, keyName string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, keyName); err != nil {
		return store.Classify(fmt.Errorf("lock secret %s: %w", keyName, err))
	}
	return nil
}

func nextVersion(ctx context.Context, tx pgx.Tx, keyName string) (int, error) {
	var v int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM secrets WHERE key_name = $1`,
		keyName).Scan(&v); err != nil {
		return 0, store.Classify(fmt.Errorf("next version: %w", err))
	}
	return v, nil
}

func scanSecret(row pgx.Row) (*models.Secret, error) {
	var s models.Secret
	var secretType string
	var expires, rotatedAt, lastUsed pgtype.Timestamptz
	var meta []byte
	var createdBy pgtype.Text
	if err := row.Scan(&s.ID, &secretType, &s.KeyName, &s.Version, &s.IsActive, &s.CreatedAt,
		&expires, &rotatedAt, &lastUsed, &meta, &createdBy); err != nil {
		return nil, fmt.Errorf("scan secret: %w", err)
	}
	s.Type = models.SecretType(secretType)
	s.ExpiresAt = store.TimePtr(expires)
	s.RotatedAt = store.TimePtr(rotatedAt)
	s.LastUsedAt = store.TimePtr(lastUsed)
	if p := store.TextPtr(createdBy); p != nil {
		s.CreatedBy = *p
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return nil, fmt.Errorf("decode secret metadata: %w", err)
		}
	}
	return &s, nil
}

package models

import "time"

// SecretType classifies what a secret is used for.
type SecretType string

const (
	SecretJWT        SecretType = "jwt"
	SecretEncryption SecretType = "encryption"
	SecretAPIKey     SecretType = "api_key"
	SecretWebhook    SecretType = "webhook"
)

// Valid reports whether t is one of the known secret types.
func (t SecretType) Valid() bool {
	switch t {
	case SecretJWT, SecretEncryption, SecretAPIKey, SecretWebhook:
		return true
	}
	return false
}

// Secret is the metadata of one version of a named secret. Values are only
// returned decrypted by the secrets manager, never as part of this type.
type Secret struct {
	ID         string         `json:"id"`
	Type       SecretType     `json:"secret_type"`
	KeyName    string         `json:"key_name"`
	Version    int            `json:"version"`
	IsActive   bool           `json:"is_active"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	RotatedAt  *time.Time     `json:"rotated_at,omitempty"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedBy  string         `json:"created_by,omitempty"`
}

// SecretVersion is the reporting view of a secret row.
type SecretVersion struct {
	Version   int        `json:"version"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RotatedAt *time.Time `json:"rotated_at,omitempty"`
}

// AuditAction enumerates secret lifecycle events.
type AuditAction string

const (
	AuditCreated  AuditAction = "created"
	AuditRotated  AuditAction = "rotated"
	AuditAccessed AuditAction = "accessed"
	AuditRevoked  AuditAction = "revoked"
)

// AuditEntry is an append-only secret audit row.
type AuditEntry struct {
	SecretID    string         `json:"secret_id"`
	Action      AuditAction    `json:"action"`
	PerformedBy string         `json:"performed_by"`
	PerformedAt time.Time      `json:"performed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

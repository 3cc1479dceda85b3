package worker

import (
	"context"
	"errors"
	"time"

	"coordination-core/internal/models"
	"coordination-core/internal/secrets"
)

// RotateSecretJobType is enqueued by the scheduler for secrets due rotation.
const RotateSecretJobType = "secrets.rotate"

const defaultKeyBytes = 32

// SecretRotator is implemented by secrets.Manager.
type SecretRotator interface {
	Rotate(ctx context.Context, keyName, newValue string, grace time.Duration) (*models.Secret, error)
}

// NewRotateHandler rotates payload.key_name to freshly generated key material.
// payload.key_bytes overrides the key length.
func NewRotateHandler(r SecretRotator, grace time.Duration) Handler {
	return func(ctx context.Context, job models.Job) (any, error) {
		keyName, _ := job.Payload["key_name"].(string)
		if keyName == "" {
			return nil, errors.New("payload.key_name is required")
		}
		n := defaultKeyBytes
		if v, ok := asInt(job.Payload["key_bytes"]); ok && v > 0 {
			n = v
		}
		value, err := secrets.GenerateKey(n)
		if err != nil {
			return nil, err
		}
		sec, err := r.Rotate(secrets.WithActor(ctx, "worker:"+RotateSecretJobType), keyName, value, grace)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key_name": keyName, "version": sec.Version}, nil
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}

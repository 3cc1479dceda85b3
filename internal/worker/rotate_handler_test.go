package worker

import (
	"context"
	"testing"
	"time"

	"coordination-core/internal/models"
	"coordination-core/internal/secrets"
)

type fakeRotator struct {
	key, value, actor string
	grace             time.Duration
}

func (f *fakeRotator) Rotate(ctx context.Context, keyName, newValue string, grace time.Duration) (*models.Secret, error) {
	f.key, f.value, f.grace = keyName, newValue, grace
	f.actor = secrets.ActorFrom(ctx)
	return &models.Secret{KeyName: keyName, Version: 4}, nil
}

func TestRotateHandler(t *testing.T) {
	r := &fakeRotator{}
	h := NewRotateHandler(r, 7*24*time.Hour)

	res, err := h(context.Background(), models.Job{Type: RotateSecretJobType, Payload: map[string]any{"key_name": "JWT_SECRET", "key_bytes": float64(16)}})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if r.key != "JWT_SECRET" || len(r.value) != 32 || r.grace != 7*24*time.Hour {
		t.Fatalf("unexpected rotate call %+v", r)
	}
	if r.actor != "worker:secrets.rotate" {
		t.Fatalf("expected worker actor, got %q", r.actor)
	}
	out := res.(map[string]any)
	if out["version"] != 4 {
		t.Fatalf("expected version in result, got %v", out)
	}

	if _, err := h(context.Background(), models.Job{Payload: map[string]any{}}); err == nil {
		t.Fatalf("expected error without key_name")
	}
}

package queue

import (
	"context"
	"errors"
	"testing"
)

func TestEnqueueValidation(t *testing.T) {
	q := New(nil)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, EnqueueParams{Type: "  "}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob for blank type, got %v", err)
	}
	if _, err := q.Enqueue(ctx, EnqueueParams{Type: "x", MaxAttempts: -1}); !errors.Is(err, ErrInvalidJob) {
		t.Fatalf("expected ErrInvalidJob for negative max attempts, got %v", err)
	}
}

func TestMalformedIDsAreNotFound(t *testing.T) {
	q := New(nil)
	ctx := context.Background()

	claim := "5b0f6c1e-8f4e-4a43-9a55-0d8c2f0b7c11"
	if err := q.Complete(ctx, "not-a-uuid", claim, nil); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("complete: expected ErrJobNotFound, got %v", err)
	}
	if _, err := q.Fail(ctx, "not-a-uuid", claim, "boom"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("fail: expected ErrJobNotFound, got %v", err)
	}
	if _, err := q.GetJob(ctx, "not-a-uuid"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("get: expected ErrJobNotFound, got %v", err)
	}
}

func TestAckWithoutClaimIsRejected(t *testing.T) {
	q := New(nil)
	ctx := context.Background()
	id := "9d4c7a52-3e1b-4f0a-8c6d-2b7e5f1a9c30"

	if err := q.Complete(ctx, id, "", nil); !errors.Is(err, ErrNotProcessing) {
		t.Fatalf("complete: expected ErrNotProcessing, got %v", err)
	}
	if _, err := q.Fail(ctx, id, "not-a-claim", "boom"); !errors.Is(err, ErrNotProcessing) {
		t.Fatalf("fail: expected ErrNotProcessing, got %v", err)
	}
}

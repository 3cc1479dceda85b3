package queue

import (
	"testing"
	"time"
)

func TestBackoffDoublesFromBase(t *testing.T) {
	b := DefaultBackoff()
	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute, 8 * time.Minute}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestBackoffStrictlyIncreasingUntilCap(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Hour}
	prev := time.Duration(0)
	for n := 1; n <= 12; n++ {
		d := b.Delay(n)
		if d <= prev {
			t.Fatalf("Delay(%d) = %s not greater than %s", n, d, prev)
		}
		prev = d
	}
	if got := b.Delay(40); got != time.Hour {
		t.Fatalf("expected cap at 1h, got %s", got)
	}
}

func TestBackoffZeroValueUsesDefaults(t *testing.T) {
	var b Backoff
	if got := b.Delay(0); got != time.Minute {
		t.Fatalf("expected 1m for zero-value backoff, got %s", got)
	}
}

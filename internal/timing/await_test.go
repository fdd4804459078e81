package timing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAwaitConditionSucceeds(t *testing.T) {
	calls := 0
	value, err := AwaitCondition(context.Background(), func() (string, bool) {
		calls++
		return "asset:1", calls == 3
	}, 10, time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "asset:1" || calls != 3 {
		t.Fatalf("unexpected value %q after %d calls", value, calls)
	}
}

func TestAwaitConditionTimeout(t *testing.T) {
	calls := 0
	_, err := AwaitCondition(context.Background(), func() (int, bool) {
		calls++
		return 0, false
	}, 4, time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
}

func TestAwaitConditionCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := AwaitCondition(ctx, func() (int, bool) { return 0, false }, 100, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

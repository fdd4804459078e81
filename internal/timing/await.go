package timing

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when a condition is not met within the attempt budget.
var ErrTimeout = errors.New("condition not met before attempts were exhausted")

// AwaitCondition polls probe up to maxAttempts times, sleeping interval between attempts.
// The first attempt runs immediately.
func AwaitCondition[T any](ctx context.Context, probe func() (T, bool), maxAttempts int, interval time.Duration) (T, error) {
	var zero T
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, ok := probe()
		if ok {
			return value, nil
		}

		if attempt >= maxAttempts {
			return zero, ErrTimeout
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

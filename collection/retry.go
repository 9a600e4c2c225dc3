package collection

import (
	"context"
	"errors"
)

// MaxAttempts bounds how often a write is re-run after losing a version race.
const MaxAttempts = 3

// RetryOnConflict runs fn until it succeeds, fails with something other than
// ErrConflict, or MaxAttempts is reached. fn must re-read the case on every call.
func RetryOnConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = fn(ctx); err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

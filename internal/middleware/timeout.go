package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/dagrun/internal/scheduler"
)

// Timeout bounds each execution with its own deadline. limits overrides d
// per task name; a non-positive limit disables the bound for that task.
func Timeout(d time.Duration, limits map[string]time.Duration) Middleware {
	return func(name string, next scheduler.Execution) scheduler.Execution {
		limit := d
		if l, ok := limits[name]; ok {
			limit = l
		}
		if limit <= 0 {
			return next
		}
		return func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, limit)
			defer cancel()

			err := next(ctx)
			if err != nil && ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("task %q exceeded %s: %w", name, limit, err)
			}
			return err
		}
	}
}

// Package middleware provides composable execution wrappers for the scheduler.
package middleware

import (
	"github.com/aristath/dagrun/internal/scheduler"
)

// Middleware decorates the execution of the task called name.
type Middleware func(name string, next scheduler.Execution) scheduler.Execution

// Chain composes middlewares into a single scheduler.Wrapper. The first
// middleware is outermost; the task's own Execute is innermost.
func Chain(mws ...Middleware) scheduler.Wrapper {
	return scheduler.WrapperFunc(func(task scheduler.Task) scheduler.Execution {
		exec := scheduler.Execution(task.Execute)
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				exec = mws[i](task.Name(), exec)
			}
		}
		return exec
	})
}

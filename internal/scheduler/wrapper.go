package scheduler

import "context"

// Execution is the unit of work actually spawned for a task.
type Execution func(ctx context.Context) error

// Wrapper replaces direct invocation of Task.Execute. When a Manager has a
// Wrapper, every spawned task runs the Execution returned by Wrap; the
// wrapper decides whether and when the task's own Execute is called.
type Wrapper interface {
	Wrap(task Task) Execution
}

// WrapperFunc adapts a function to the Wrapper interface.
type WrapperFunc func(task Task) Execution

// Wrap calls f(task).
func (f WrapperFunc) Wrap(task Task) Execution { return f(task) }

// executionFor returns the Execution to spawn for task.
func executionFor(w Wrapper, task Task) Execution {
	if w == nil {
		return task.Execute
	}
	if exec := w.Wrap(task); exec != nil {
		return exec
	}
	return task.Execute
}

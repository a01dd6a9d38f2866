package scheduler

import "context"

// Task is a named unit of work schedulable by a Manager.
//
// Name must return the same value on every call and be unique among the
// tasks registered on one Manager. Execute may run concurrently with other
// tasks; its error is logged and recorded, never returned from Manager.Run.
type Task interface {
	Name() string
	Execute(ctx context.Context) error
}

// funcTask adapts a plain function to the Task interface.
type funcTask struct {
	name string
	fn   func(ctx context.Context) error
}

// Func returns a Task named name that runs fn.
func Func(name string, fn func(ctx context.Context) error) Task {
	return &funcTask{name: name, fn: fn}
}

func (t *funcTask) Name() string { return t.name }

func (t *funcTask) Execute(ctx context.Context) error {
	if t.fn == nil {
		return nil
	}
	return t.fn(ctx)
}

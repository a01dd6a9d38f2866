package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateTask is returned when a task name is registered twice.
	ErrDuplicateTask = errors.New("duplicate task name")
	// ErrEmptyName is returned for tasks or edges with an empty name.
	ErrEmptyName = errors.New("empty task name")
	// ErrNoStartNodes is returned when every registered task has a prerequisite.
	ErrNoStartNodes = errors.New("no start nodes")
	// ErrCycle is returned when the dependency graph contains a cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrUnknownTask is returned when an edge names a task that was never registered.
	ErrUnknownTask = errors.New("unknown task")
	// ErrTimeout is returned when the run deadline elapses with tasks still in flight.
	ErrTimeout = errors.New("run timed out")
	// ErrAlreadyRun is returned by a second call to Run.
	ErrAlreadyRun = errors.New("manager already run")
	// ErrRunning is returned by build operations after Run has started.
	ErrRunning = errors.New("manager is running")
	// ErrWrapperSet is returned when a second wrapper is installed.
	ErrWrapperSet = errors.New("wrapper already set")
)

// CycleError reports the edge that closed a cycle.
type CycleError struct {
	From string
	To   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: edge %q -> %q re-enters the active path", e.From, e.To)
}

// Unwrap makes errors.Is(err, ErrCycle) hold.
func (e *CycleError) Unwrap() error { return ErrCycle }

// TaskPanicError is raised, as a panic, from Manager.Run when a spawned task
// goroutine panicked. It is never folded into the ready set.
type TaskPanicError struct {
	Task  string
	Value any
	Stack []byte
}

func (e *TaskPanicError) Error() string {
	return fmt.Sprintf("task %q panicked: %v", e.Task, e.Value)
}

package command

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/aristath/dagrun/internal/events"
)

// Spec describes the OS command a Task runs.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string // added to the parent environment
}

// Option configures a Task.
type Option func(*Task)

// WithProcessManager tracks the task's subprocess in pm.
func WithProcessManager(pm *ProcessManager) Option {
	return func(t *Task) { t.pm = pm }
}

// WithOutput streams each output line to fn. fn must be safe for concurrent use.
func WithOutput(fn func(task, line string)) Option {
	return func(t *Task) { t.onLine = fn }
}

// WithEventBus publishes each output line as a TaskOutputEvent.
func WithEventBus(bus *events.EventBus) Option {
	return WithOutput(func(task, line string) {
		bus.Publish(events.TopicTask, events.TaskOutputEvent{Name: task, Line: line, Timestamp: time.Now()})
	})
}

// Task runs an OS command as a scheduler task. A non-zero exit is a task failure.
type Task struct {
	name   string
	spec   Spec
	pm     *ProcessManager
	onLine func(task, line string)
}

// New creates a command task.
func New(name string, spec Spec, opts ...Option) *Task {
	t := &Task{name: name, spec: spec}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Spec returns the command the task runs.
func (t *Task) Spec() Spec { return t.spec }

// Execute runs the command to completion or until ctx is done.
func (t *Task) Execute(ctx context.Context) error {
	if t.spec.Command == "" {
		return fmt.Errorf("task %q: no command", t.name)
	}

	cmd := newCommand(ctx, t.spec.Command, t.spec.Args...)
	cmd.Dir = t.spec.Dir
	if len(t.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), environ(t.spec.Env)...)
	}

	var onLine func(string)
	if t.onLine != nil {
		onLine = func(line string) { t.onLine(t.name, line) }
	}

	if _, _, err := executeCommand(ctx, cmd, t.pm, onLine); err != nil {
		return fmt.Errorf("task %q: %w", t.name, err)
	}
	return nil
}

// String renders the command line.
func (s Spec) String() string {
	return strings.Join(append([]string{s.Command}, s.Args...), " ")
}

func environ(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

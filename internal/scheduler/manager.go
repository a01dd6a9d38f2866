package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Deadline         time.Duration // Bound on Run measured from invocation (<= 0 disables)
	ConcurrencyLimit int           // Max task bodies executing at once (<= 0 is unlimited)
	Wrapper          Wrapper       // Optional execution wrapper
	Logger           *slog.Logger  // Defaults to slog.Default()
}

// Manager runs registered tasks once each, releasing a task only after all
// of its prerequisites have finished, successfully or not.
//
// Build operations (AddTask, AddEdge, SetWrapper, ...) are safe for
// concurrent use but fail with ErrRunning once Run has been called.
// Run may be called once.
type Manager struct {
	mu       sync.Mutex
	started  bool
	deadline time.Duration
	limit    int
	wrapper  Wrapper
	logger   *slog.Logger

	graph  *Graph
	tasks  map[string]Task // tasks not yet spawned
	order  []string        // registration order
	ledger *Ledger
}

// outcome is what a spawned task goroutine hands back to the run loop.
type outcome struct {
	name  string
	err   error
	panic *TaskPanicError
}

// NewManager creates a Manager with no tasks.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deadline: cfg.Deadline,
		limit:    cfg.ConcurrencyLimit,
		wrapper:  cfg.Wrapper,
		logger:   logger,
		graph:    NewGraph(),
		tasks:    make(map[string]Task),
		ledger:   NewLedger(logger),
	}
}

// AddTask registers task. Names must be unique.
func (m *Manager) AddTask(task Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrRunning
	}
	name := task.Name()
	if name == "" {
		return ErrEmptyName
	}
	if _, exists := m.tasks[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateTask, name)
	}

	m.tasks[name] = task
	m.order = append(m.order, name)
	m.ledger.Add(name)
	return nil
}

// AddTasks registers each task in turn, stopping at the first error.
func (m *Manager) AddTasks(tasks ...Task) error {
	for _, task := range tasks {
		if err := m.AddTask(task); err != nil {
			return err
		}
	}
	return nil
}

// AddEdge declares that to depends on from.
func (m *Manager) AddEdge(from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrRunning
	}
	if from == "" || to == "" {
		return ErrEmptyName
	}
	m.graph.AddEdge(from, to)
	return nil
}

// AddEdges declares that every name in to depends on from.
func (m *Manager) AddEdges(from string, to ...string) error {
	for _, name := range to {
		if err := m.AddEdge(from, name); err != nil {
			return err
		}
	}
	return nil
}

// AddDep declares that name depends on dep.
func (m *Manager) AddDep(name, dep string) error {
	return m.AddEdge(dep, name)
}

// AddDeps declares that name depends on every entry of deps.
func (m *Manager) AddDeps(name string, deps ...string) error {
	for _, dep := range deps {
		if err := m.AddDep(name, dep); err != nil {
			return err
		}
	}
	return nil
}

// SetWrapper installs the execution wrapper. Only one may be installed.
func (m *Manager) SetWrapper(w Wrapper) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrRunning
	}
	if m.wrapper != nil {
		return ErrWrapperSet
	}
	m.wrapper = w
	return nil
}

// SetDeadline replaces the run deadline.
func (m *Manager) SetDeadline(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrRunning
	}
	m.deadline = d
	return nil
}

// Graph returns the dependency graph. Callers must not mutate it.
func (m *Manager) Graph() *Graph { return m.graph }

// Ledger returns the tracing ledger.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Plan validates the graph and returns a topological order of the
// registered tasks without running anything.
func (m *Manager) Plan() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil, ErrRunning
	}
	if _, err := validate(m.graph, m.order, m.tasks); err != nil {
		return nil, err
	}
	return topoOrder(m.graph, m.order)
}

// Run validates the graph and executes every registered task.
//
// It returns an error only for validation failures, an elapsed deadline,
// or cancellation of ctx. Task failures are logged and recorded in the
// ledger. Tasks still in flight when Run returns keep running; their results
// are discarded. A panicking task re-panics on the caller's goroutine with a
// *TaskPanicError.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyRun
	}
	m.started = true
	m.mu.Unlock()

	start, err := validate(m.graph, m.order, m.tasks)
	if err != nil {
		return err
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if m.deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, m.deadline)
	}
	defer cancel()

	err = m.loop(ctx, runCtx, start)
	switch {
	case err == nil:
		m.logger.Info("run finished", "ledger", m.ledger.String())
		return nil
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		m.logger.Error("run timed out", "deadline", m.deadline, "ledger", m.ledger.String())
		return fmt.Errorf("%w after %s: %w", ErrTimeout, m.deadline, err)
	default:
		m.logger.Error("run cancelled", "error", err, "ledger", m.ledger.String())
		return err
	}
}

// loop drives the dependency-release state machine. Tasks run under taskCtx;
// only the waiting is bounded by runCtx.
func (m *Manager) loop(taskCtx, runCtx context.Context, start []string) error {
	var sem *semaphore.Weighted
	if m.limit > 0 {
		sem = semaphore.NewWeighted(int64(m.limit))
	}

	// Buffered so detached goroutines never block after a timeout.
	results := make(chan outcome, len(m.tasks))
	ready := make(map[string]struct{}, len(m.tasks))
	inFlight := 0

	launch := func(name string) {
		task := m.tasks[name]
		delete(m.tasks, name)
		m.ledger.Start(name)
		m.spawn(taskCtx, name, task, sem, results)
		inFlight++
		m.logger.Debug("task spawned", "task", name)
	}

	for _, name := range start {
		launch(name)
	}

	for inFlight > 0 {
		var out outcome
		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case out = <-results:
		}
		inFlight--

		if out.panic != nil {
			panic(out.panic)
		}
		if out.err != nil {
			m.logger.Error("task failed", "task", out.name, "error", out.err)
		}
		ready[out.name] = struct{}{}
		m.ledger.Done(out.name, out.err)
		m.logger.Debug("task ready", "task", out.name, "failed", out.err != nil)

		for _, next := range m.graph.forward[out.name] {
			if _, pending := m.tasks[next]; !pending {
				continue
			}
			if allReady(m.graph.reverse[next], ready) {
				launch(next)
			}
		}
	}
	return nil
}

func (m *Manager) spawn(ctx context.Context, name string, task Task, sem *semaphore.Weighted, results chan<- outcome) {
	exec := executionFor(m.wrapper, task)

	go func() {
		out := outcome{name: name}
		defer func() {
			if r := recover(); r != nil {
				out.panic = &TaskPanicError{Task: name, Value: r, Stack: debug.Stack()}
			}
			results <- out
		}()

		if sem != nil {
			if err := sem.Acquire(ctx, 1); err != nil {
				out.err = fmt.Errorf("waiting for execution slot: %w", err)
				return
			}
			defer sem.Release(1)
		}
		out.err = exec(ctx)
	}()
}

func allReady(prereqs []string, ready map[string]struct{}) bool {
	for _, dep := range prereqs {
		if _, ok := ready[dep]; !ok {
			return false
		}
	}
	return true
}

package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"

	"github.com/aristath/dagrun/internal/events"
	"github.com/aristath/dagrun/internal/metrics"
	"github.com/aristath/dagrun/internal/scheduler"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedTask returns the scripted errors in order, then nil.
type scriptedTask struct {
	name  string
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedTask) Name() string { return s.name }

func (s *scriptedTask) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func (s *scriptedTask) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Millisecond,
		MaxInterval:         5 * time.Millisecond,
		MaxElapsedTime:      time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0,
		MaxRetries:          5,
	}
}

func TestChainOrder(t *testing.T) {
	var trace []string
	record := func(label string) Middleware {
		return func(name string, next scheduler.Execution) scheduler.Execution {
			return func(ctx context.Context) error {
				trace = append(trace, label+">")
				err := next(ctx)
				trace = append(trace, "<"+label)
				return err
			}
		}
	}

	task := scheduler.Func("t", func(ctx context.Context) error {
		trace = append(trace, "task")
		return nil
	})

	exec := Chain(record("outer"), nil, record("inner")).Wrap(task)
	if err := exec(context.Background()); err != nil {
		t.Fatalf("exec: %v", err)
	}

	want := []string{"outer>", "inner>", "task", "<inner", "<outer"}
	if !slices.Equal(trace, want) {
		t.Errorf("trace = %v, want %v", trace, want)
	}
}

func TestRetry_TransientThenSuccess(t *testing.T) {
	task := &scriptedTask{name: "fetch", errs: []error{errors.New("t1"), errors.New("t2")}}
	var retries atomic.Int32

	exec := Chain(Retry(fastRetry(), quietLogger(), func(string, error) { retries.Add(1) })).Wrap(task)

	if err := exec(context.Background()); err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if task.Calls() != 3 {
		t.Errorf("calls = %d, want 3", task.Calls())
	}
	if retries.Load() != 2 {
		t.Errorf("retry callbacks = %d, want 2", retries.Load())
	}
}

func TestRetry_GivesUpAfterMaxRetries(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = fmt.Errorf("attempt %d", i+1)
	}
	task := &scriptedTask{name: "flaky", errs: errs}

	cfg := fastRetry()
	cfg.MaxRetries = 2
	err := Chain(Retry(cfg, quietLogger(), nil)).Wrap(task)(context.Background())

	if err == nil || err.Error() != "attempt 3" {
		t.Errorf("error = %v, want last attempt error", err)
	}
	if task.Calls() != 3 {
		t.Errorf("calls = %d, want 3", task.Calls())
	}
}

func TestRetry_PermanentStops(t *testing.T) {
	bad := errors.New("config error")
	task := &scriptedTask{name: "deploy", errs: []error{Permanent(bad)}}

	err := Chain(Retry(fastRetry(), quietLogger(), nil)).Wrap(task)(context.Background())

	if !errors.Is(err, bad) {
		t.Errorf("error = %v, want %v", err, bad)
	}
	if task.Calls() != 1 {
		t.Errorf("calls = %d, want 1", task.Calls())
	}
}

func TestRetry_ContextCancelledStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := &scriptedTask{name: "x"}

	err := Chain(Retry(fastRetry(), quietLogger(), nil)).Wrap(task)(ctx)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if task.Calls() != 0 {
		t.Errorf("calls = %d, want 0", task.Calls())
	}
}

func TestCircuitBreaker_TripsAndStopsRetries(t *testing.T) {
	errs := make([]error, 20)
	for i := range errs {
		errs[i] = errors.New("down")
	}
	task := &scriptedTask{name: "svc", errs: errs}

	reg := NewBreakerRegistry(BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute}, quietLogger())
	cfg := fastRetry()
	cfg.MaxRetries = 10

	err := Chain(Retry(cfg, quietLogger(), nil), CircuitBreaker(reg, nil)).Wrap(task)(context.Background())

	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want ErrOpenState", err)
	}
	if task.Calls() != 2 {
		t.Errorf("calls = %d, want 2 before the breaker opened", task.Calls())
	}
	if state := reg.Get("svc").State(); state != gobreaker.StateOpen {
		t.Errorf("breaker state = %s, want open", state)
	}
}

func TestCircuitBreaker_SharedKey(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{ConsecutiveFailures: 1}, quietLogger())
	key := func(string) string { return "shared" }
	mw := CircuitBreaker(reg, key)

	first := &scriptedTask{name: "a", errs: []error{errors.New("boom")}}
	second := &scriptedTask{name: "b"}

	_ = Chain(mw).Wrap(first)(context.Background())
	err := Chain(mw).Wrap(second)(context.Background())

	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("second task error = %v, want ErrOpenState from shared breaker", err)
	}
	if second.Calls() != 0 {
		t.Error("second task should not run while the shared breaker is open")
	}
}

func TestBreakerRegistry_CancellationNotCounted(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{ConsecutiveFailures: 1}, quietLogger())
	task := &scriptedTask{name: "c", errs: []error{context.Canceled}}

	_ = Chain(CircuitBreaker(reg, nil)).Wrap(task)(context.Background())

	if state := reg.Get("c").State(); state != gobreaker.StateClosed {
		t.Errorf("breaker state = %s, want closed", state)
	}
}

func TestTimeout(t *testing.T) {
	slow := scheduler.Func("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return nil
		}
	})

	start := time.Now()
	err := Chain(Timeout(20*time.Millisecond, nil)).Wrap(slow)(context.Background())

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout middleware did not bound the task")
	}
}

func TestTimeout_PerTaskOverride(t *testing.T) {
	var sawDeadline atomic.Bool
	task := scheduler.Func("free", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return nil
	})

	mw := Timeout(time.Millisecond, map[string]time.Duration{"free": 0})
	if err := Chain(mw).Wrap(task)(context.Background()); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if sawDeadline.Load() {
		t.Error("override of 0 should disable the per-task deadline")
	}
}

func TestLocks_SerialisesSharedResource(t *testing.T) {
	lm := NewResourceLockManager()
	mw := Locks(lm, map[string][]string{"a": {"db"}, "b": {"db"}})

	var active, peak atomic.Int32
	body := func(ctx context.Context) error {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return nil
	}

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b"} {
		exec := Chain(mw).Wrap(scheduler.Func(name, body))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exec(context.Background())
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("peak concurrency on shared resource = %d, want 1", peak.Load())
	}
}

func TestPublish_EmitsLifecycleEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	taskCh := bus.Subscribe(events.TopicTask, 10)
	runCh := bus.Subscribe(events.TopicRun, 10)

	mw := Publish(bus, 2)
	ok := scheduler.Func("ok", func(ctx context.Context) error { return nil })
	bad := scheduler.Func("bad", func(ctx context.Context) error { return errors.New("nope") })

	_ = Chain(mw).Wrap(ok)(context.Background())
	_ = Chain(mw).Wrap(bad)(context.Background())

	var types []string
	for i := 0; i < 4; i++ {
		select {
		case ev := <-taskCh:
			types = append(types, ev.EventType())
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("missing task event %d", i)
		}
	}
	want := []string{
		events.EventTypeTaskStarted, events.EventTypeTaskCompleted,
		events.EventTypeTaskStarted, events.EventTypeTaskFailed,
	}
	if !slices.Equal(types, want) {
		t.Errorf("task events = %v, want %v", types, want)
	}

	var last events.RunProgressEvent
	for i := 0; i < 4; i++ {
		select {
		case ev := <-runCh:
			last = ev.(events.RunProgressEvent)
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("missing progress event %d", i)
		}
	}
	if last.Total != 2 || last.Completed != 1 || last.Failed != 1 || last.Running != 0 || last.Pending != 0 {
		t.Errorf("final progress = %+v", last)
	}
}

func TestInstrument(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mw := Instrument(m)

	_ = Chain(mw).Wrap(scheduler.Func("ok", func(ctx context.Context) error { return nil }))(context.Background())
	_ = Chain(mw).Wrap(scheduler.Func("ok", func(ctx context.Context) error { return errors.New("x") }))(context.Background())

	if got := testutil.ToFloat64(m.TaskExecutions.WithLabelValues("ok", "true")); got != 1 {
		t.Errorf("successful executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TaskExecutions.WithLabelValues("ok", "false")); got != 1 {
		t.Errorf("failed executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TasksInFlight); got != 0 {
		t.Errorf("in-flight gauge = %v, want 0", got)
	}
}

func TestChainWithManager(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	all := bus.SubscribeAll(64)

	flaky := &scriptedTask{name: "flaky", errs: []error{errors.New("once")}}
	after := &scriptedTask{name: "after"}

	mgr := scheduler.NewManager(scheduler.ManagerConfig{
		Deadline: 5 * time.Second,
		Logger:   quietLogger(),
		Wrapper:  Chain(Publish(bus, 2), Retry(fastRetry(), quietLogger(), nil), Logging(quietLogger())),
	})
	_ = mgr.AddTasks(flaky, after)
	_ = mgr.AddDep("after", "flaky")

	if err := mgr.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if flaky.Calls() != 2 || after.Calls() != 1 {
		t.Errorf("calls flaky=%d after=%d, want 2 and 1", flaky.Calls(), after.Calls())
	}
	rec, _ := mgr.Ledger().Get("flaky")
	if rec.Err != nil {
		t.Errorf("retried task should be recorded as successful, got %v", rec.Err)
	}

	completed := 0
	for {
		select {
		case ev := <-all:
			if ev.EventType() == events.EventTypeTaskCompleted {
				completed++
			}
			continue
		default:
		}
		break
	}
	if completed != 2 {
		t.Errorf("completed events = %d, want 2", completed)
	}
}

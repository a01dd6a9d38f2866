package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/aristath/dagrun/internal/events"
	"github.com/aristath/dagrun/internal/scheduler"
)

// progress counts task states for RunProgressEvent.
type progress struct {
	mu        sync.Mutex
	total     int
	running   int
	completed int
	failed    int
}

func (p *progress) event() events.RunProgressEvent {
	return events.RunProgressEvent{
		Total:     p.total,
		Completed: p.completed,
		Running:   p.running,
		Failed:    p.failed,
		Pending:   p.total - p.completed - p.failed - p.running,
		Timestamp: time.Now(),
	}
}

// Publish emits task lifecycle events and run progress on bus. total is the
// number of tasks in the run.
func Publish(bus *events.EventBus, total int) Middleware {
	p := &progress{total: total}

	return func(name string, next scheduler.Execution) scheduler.Execution {
		return func(ctx context.Context) error {
			start := time.Now()
			bus.Publish(events.TopicTask, events.TaskStartedEvent{Name: name, Timestamp: start})
			p.mu.Lock()
			p.running++
			ev := p.event()
			p.mu.Unlock()
			bus.Publish(events.TopicRun, ev)

			err := next(ctx)

			now := time.Now()
			p.mu.Lock()
			p.running--
			if err != nil {
				p.failed++
			} else {
				p.completed++
			}
			ev = p.event()
			p.mu.Unlock()

			if err != nil {
				bus.Publish(events.TopicTask, events.TaskFailedEvent{Name: name, Err: err, Duration: now.Sub(start), Timestamp: now})
			} else {
				bus.Publish(events.TopicTask, events.TaskCompletedEvent{Name: name, Duration: now.Sub(start), Timestamp: now})
			}
			bus.Publish(events.TopicRun, ev)
			return err
		}
	}
}

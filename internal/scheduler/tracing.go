package scheduler

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Status is a task's position in the NotStarted -> Doing -> Done lifecycle.
type Status int

const (
	NotStarted Status = iota
	Doing
	Done
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Doing:
		return "Doing"
	case Done:
		return "Done"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Record is the tracing state of one task. Start and End are zero until set.
type Record struct {
	Status Status
	Start  time.Time
	End    time.Time
	Err    error // failure reported by the task, if any
}

// StartMicros returns Start in Unix microseconds, or 0 if unset.
func (r Record) StartMicros() int64 { return micros(r.Start) }

// EndMicros returns End in Unix microseconds, or 0 if unset.
func (r Record) EndMicros() int64 { return micros(r.End) }

// Duration returns End-Start for finished records and 0 otherwise.
func (r Record) Duration() time.Duration {
	if r.Status != Done {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Entry pairs a task name with a copy of its record.
type Entry struct {
	Name string
	Record
}

// Ledger tracks per-task status and timestamps for diagnostics.
// Misuse (unknown names, out-of-order transitions) is logged, never returned.
type Ledger struct {
	mu      sync.Mutex
	logger  *slog.Logger
	now     func() time.Time
	records map[string]*Record
	order   []string
}

// NewLedger creates an empty Ledger that logs warnings to logger.
func NewLedger(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*Record),
	}
}

// Add starts tracking name in NotStarted state. Re-adding resets nothing.
func (l *Ledger) Add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.records[name]; exists {
		return
	}
	l.records[name] = &Record{}
	l.order = append(l.order, name)
}

// Start moves name from NotStarted to Doing.
func (l *Ledger) Start(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[name]
	if !ok {
		l.logger.Warn("tracing start failed: task not found", "task", name)
		return
	}
	if rec.Status != NotStarted {
		l.logger.Warn("tracing start failed", "task", name, "status", rec.Status.String())
		return
	}
	rec.Status = Doing
	rec.Start = l.now()
}

// Done moves name from Doing to Done, recording err if the task failed.
func (l *Ledger) Done(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[name]
	if !ok {
		l.logger.Warn("tracing done failed: task not found", "task", name)
		return
	}
	if rec.Status != Doing {
		l.logger.Warn("tracing done failed", "task", name, "status", rec.Status.String())
		return
	}
	rec.Status = Done
	rec.End = l.now()
	rec.Err = err
}

// Get returns a copy of name's record.
func (l *Ledger) Get(name string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns every record in registration order.
func (l *Ledger) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := make([]Entry, 0, len(l.order))
	for _, name := range l.order {
		entries = append(entries, Entry{Name: name, Record: *l.records[name]})
	}
	return entries
}

// String renders every task with its status and timestamps. Doing entries
// show the current time in place of an end time.
func (l *Ledger) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var b strings.Builder
	now := micros(l.now())
	for _, name := range l.order {
		rec := l.records[name]
		if rec.Status == Doing {
			fmt.Fprintf(&b, "key: %s, status: %s, start_time: %d, now: %d; ", name, rec.Status, micros(rec.Start), now)
			continue
		}
		fmt.Fprintf(&b, "key: %s, status: %s, start_time: %d, end_time: %d; ", name, rec.Status, micros(rec.Start), micros(rec.End))
	}
	return strings.TrimSuffix(b.String(), " ")
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

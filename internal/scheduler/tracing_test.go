package scheduler

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func bufferLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// fakeClock returns increasing times one millisecond apart.
func fakeClock() func() time.Time {
	base := time.UnixMicro(1_000_000)
	var n int64
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func TestLedgerLifecycle(t *testing.T) {
	l := NewLedger(discardLogger())
	l.now = fakeClock()
	l.Add("A")

	rec, ok := l.Get("A")
	if !ok {
		t.Fatal("A not tracked")
	}
	if rec.Status != NotStarted || rec.StartMicros() != 0 || rec.EndMicros() != 0 {
		t.Errorf("fresh record = %+v, want NotStarted with zero times", rec)
	}

	l.Start("A")
	rec, _ = l.Get("A")
	if rec.Status != Doing || rec.StartMicros() == 0 {
		t.Errorf("after Start: %+v", rec)
	}

	l.Done("A", nil)
	rec, _ = l.Get("A")
	if rec.Status != Done {
		t.Errorf("status = %s, want Done", rec.Status)
	}
	if !rec.End.After(rec.Start) {
		t.Errorf("end %v not after start %v", rec.End, rec.Start)
	}
	if rec.Duration() != time.Millisecond {
		t.Errorf("duration = %v, want 1ms", rec.Duration())
	}
}

func TestLedgerRejectsOutOfOrderTransitions(t *testing.T) {
	tests := []struct {
		name    string
		actions func(l *Ledger)
		want    Status
		warning string
	}{
		{
			name:    "done before start",
			actions: func(l *Ledger) { l.Done("A", nil) },
			want:    NotStarted,
			warning: "tracing done failed",
		},
		{
			name:    "start twice",
			actions: func(l *Ledger) { l.Start("A"); l.Start("A") },
			want:    Doing,
			warning: "tracing start failed",
		},
		{
			name:    "done twice",
			actions: func(l *Ledger) { l.Start("A"); l.Done("A", nil); l.Done("A", nil) },
			want:    Done,
			warning: "tracing done failed",
		},
		{
			name:    "start after done",
			actions: func(l *Ledger) { l.Start("A"); l.Done("A", nil); l.Start("A") },
			want:    Done,
			warning: "tracing start failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := bufferLogger()
			l := NewLedger(logger)
			l.Add("A")

			tt.actions(l)

			rec, _ := l.Get("A")
			if rec.Status != tt.want {
				t.Errorf("status = %s, want %s", rec.Status, tt.want)
			}
			if !strings.Contains(buf.String(), tt.warning) || !strings.Contains(buf.String(), "level=WARN") {
				t.Errorf("expected warning %q in log, got %q", tt.warning, buf.String())
			}
		})
	}
}

func TestLedgerUnknownTaskWarns(t *testing.T) {
	logger, buf := bufferLogger()
	l := NewLedger(logger)

	l.Start("ghost")
	l.Done("ghost", nil)

	if _, ok := l.Get("ghost"); ok {
		t.Error("unknown task should not be tracked")
	}
	if got := strings.Count(buf.String(), "task not found"); got != 2 {
		t.Errorf("expected 2 not-found warnings, got %d: %s", got, buf.String())
	}
}

func TestLedgerDoneRecordsFailure(t *testing.T) {
	l := NewLedger(discardLogger())
	l.Add("A")
	l.Start("A")

	boom := errors.New("boom")
	l.Done("A", boom)

	rec, _ := l.Get("A")
	if !errors.Is(rec.Err, boom) {
		t.Errorf("Err = %v, want %v", rec.Err, boom)
	}
}

func TestLedgerString(t *testing.T) {
	l := NewLedger(discardLogger())
	l.now = fakeClock()
	l.Add("A")
	l.Add("B")
	l.Add("C")
	l.Start("A")
	l.Done("A", nil)
	l.Start("B")

	out := l.String()

	for _, want := range []string{
		"key: A, status: Done, start_time: 1001000, end_time: 1002000;",
		"key: B, status: Doing, start_time: 1003000, now: 1004000;",
		"key: C, status: NotStarted, start_time: 0, end_time: 0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("String() = %q, missing %q", out, want)
		}
	}
	if strings.Index(out, "key: A") > strings.Index(out, "key: C") {
		t.Errorf("entries not in registration order: %q", out)
	}
}

func TestLedgerSnapshotOrder(t *testing.T) {
	l := NewLedger(discardLogger())
	for _, name := range []string{"z", "a", "m"} {
		l.Add(name)
	}
	l.Add("a") // re-adding keeps the original position

	snap := l.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d entries, want 3", len(snap))
	}
	for i, want := range []string{"z", "a", "m"} {
		if snap[i].Name != want {
			t.Errorf("snap[%d] = %s, want %s", i, snap[i].Name, want)
		}
	}
}

func TestStatusString(t *testing.T) {
	if NotStarted.String() != "NotStarted" || Doing.String() != "Doing" || Done.String() != "Done" {
		t.Error("unexpected status names")
	}
	if Status(9).String() != "Status(9)" {
		t.Errorf("unknown status = %s", Status(9))
	}
}

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/aristath/dagrun/internal/events"
	"github.com/aristath/dagrun/internal/history"
	"github.com/aristath/dagrun/internal/scheduler"
)

// printEvents writes task events as prefixed lines until sub closes.
func printEvents(out io.Writer, sub <-chan events.Event) {
	for ev := range sub {
		switch e := ev.(type) {
		case events.TaskStartedEvent:
			fmt.Fprintf(out, "[%s] started\n", e.Name)
		case events.TaskOutputEvent:
			fmt.Fprintf(out, "[%s] %s\n", e.Name, e.Line)
		case events.TaskCompletedEvent:
			fmt.Fprintf(out, "[%s] done in %s\n", e.Name, e.Duration.Round(time.Millisecond))
		case events.TaskFailedEvent:
			fmt.Fprintf(out, "[%s] failed after %s: %v\n", e.Name, e.Duration.Round(time.Millisecond), e.Err)
		}
	}
}

// printSummary writes one line per task of the finished run.
func printSummary(out io.Writer, run *history.Run) {
	fmt.Fprintf(out, "\nrun %s: %s in %s\n", run.ID, run.Outcome, run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	for _, t := range run.Tasks {
		fmt.Fprintf(out, "  %s %-20s %s", icon(t), t.Name, t.Status)
		if d := t.Duration(); d > 0 {
			fmt.Fprintf(out, " %s", d.Round(time.Millisecond))
		}
		if t.Error != "" {
			fmt.Fprintf(out, " (%s)", t.Error)
		}
		fmt.Fprintln(out)
	}
}

func icon(t history.TaskRecord) string {
	switch {
	case t.Error != "":
		return "✗"
	case t.Status == scheduler.Done.String():
		return "✓"
	case t.Status == scheduler.Doing.String():
		return "●"
	default:
		return "○"
	}
}

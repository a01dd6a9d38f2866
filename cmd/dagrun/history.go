package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/dagrun/internal/config"
	"github.com/aristath/dagrun/internal/history"
)

type historyOptions struct {
	*rootOptions
	limit int
	prune int
	db    string
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	opts := &historyOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List archived runs or show one run's ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.historyPath()
			if err != nil {
				return err
			}

			store, err := history.NewSQLiteStore(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			switch {
			case opts.prune > 0:
				removed, err := store.Prune(cmd.Context(), opts.prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "removed %d runs\n", removed)
				return nil
			case len(args) == 1:
				return showRun(cmd.Context(), out, store, args[0])
			default:
				return listRuns(cmd.Context(), out, store, opts.limit)
			}
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.limit, "limit", "n", 20, "number of runs to list (0 for all)")
	flags.IntVar(&opts.prune, "prune", 0, "keep only this many recent runs")
	flags.StringVar(&opts.db, "db", "", "history database (default settings.history_path)")

	return cmd
}

// historyPath resolves the database from --db or the layered settings. The
// pipeline file is optional here.
func (o *historyOptions) historyPath() (string, error) {
	if o.db != "" {
		return o.db, nil
	}

	cfg, err := config.LoadDefault()
	if err != nil {
		return "", err
	}
	if o.file != "" {
		if err := config.LoadFile(cfg, o.file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
	}
	if cfg.Settings.HistoryPath == "" {
		return "", fmt.Errorf("run history is disabled (settings.history_path is empty)")
	}
	return cfg.Settings.HistoryPath, nil
}

func listRuns(ctx context.Context, out io.Writer, store history.Store, limit int) error {
	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPIPELINE\tOUTCOME\tSTARTED\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			run.ID[:8], run.Pipeline, run.Outcome, humanize.Time(run.StartedAt), runDuration(run))
	}
	return tw.Flush()
}

func showRun(ctx context.Context, out io.Writer, store history.Store, id string) error {
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "run %s (%s)\n", run.ID, run.Pipeline)
	fmt.Fprintf(out, "started %s, %s, %s\n", humanize.Time(run.StartedAt), run.Outcome, runDuration(run))
	if run.Error != "" {
		fmt.Fprintf(out, "error: %s\n", run.Error)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tSTART\tDURATION\tERROR")
	for _, t := range run.Tasks {
		start := "-"
		if !t.Start.IsZero() {
			start = fmt.Sprintf("+%s", t.Start.Sub(run.StartedAt).Round(time.Millisecond))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", t.Name, t.Status, start, t.Duration().Round(time.Millisecond), t.Error)
	}
	return tw.Flush()
}

func runDuration(run *history.Run) string {
	if run.FinishedAt.IsZero() {
		return "-"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

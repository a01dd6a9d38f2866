package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dagrun/internal/command"
	"github.com/aristath/dagrun/internal/config"
	"github.com/aristath/dagrun/internal/events"
	"github.com/aristath/dagrun/internal/history"
	"github.com/aristath/dagrun/internal/metrics"
	"github.com/aristath/dagrun/internal/scheduler"
	"github.com/aristath/dagrun/internal/tui"
)

// runOptions are the flags of the run command.
type runOptions struct {
	*rootOptions
	tui         bool
	metricsAddr string
	deadline    time.Duration
	concurrency int
	noHistory   bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run every task in the pipeline",
		Long: `Run every task in the pipeline once, starting each task when all of
its prerequisites have finished. Failed tasks are reported but do not stop
their dependents. The run fails if the graph is invalid, the deadline
elapses, or any task fails.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("deadline") {
				opts.deadline = -1
			}
			if !cmd.Flags().Changed("concurrency") {
				opts.concurrency = -1
			}
			return runPipeline(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.tui, "tui", false, "show a terminal progress view")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	flags.DurationVar(&opts.deadline, "deadline", 0, "override settings.deadline (0 disables)")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "override settings.concurrency (0 is unlimited)")
	flags.BoolVar(&opts.noHistory, "no-history", false, "don't archive the run")

	return cmd
}

// errTasksFailed is returned when the run completed but some tasks failed.
var errTasksFailed = errors.New("tasks failed")

func runPipeline(ctx context.Context, opts *runOptions, out io.Writer) error {
	cfg, err := loadPipeline(opts.file)
	if err != nil {
		return err
	}
	if opts.deadline >= 0 {
		cfg.Settings.Deadline = config.Duration(opts.deadline)
	}
	if opts.concurrency >= 0 {
		cfg.Settings.Concurrency = opts.concurrency
	}

	logger, closeLog, err := opts.logger(opts.tui)
	if err != nil {
		return err
	}
	defer closeLog()

	bus := events.NewEventBus()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	pm := command.NewProcessManager()

	mgr, err := buildManager(cfg, wiring{logger: logger, bus: bus, metrics: m, pm: pm})
	if err != nil {
		bus.Close()
		return err
	}
	order, err := mgr.Plan()
	if err != nil {
		bus.Close()
		return err
	}

	stopMetrics, err := serveMetrics(opts.metricsAddr, reg, logger)
	if err != nil {
		bus.Close()
		return err
	}
	defer stopMetrics()

	// Printer drains the bus in line mode; it exits when the bus closes.
	var printer sync.WaitGroup
	if !opts.tui {
		sub := bus.SubscribeAll(1024)
		printer.Add(1)
		go func() {
			defer printer.Done()
			printEvents(out, sub)
		}()
	}

	run := history.NewRun(opts.file, time.Now())
	runErr, err := execute(ctx, mgr, bus, order, opts.tui)

	bus.Close()
	printer.Wait()

	if errors.Is(runErr, scheduler.ErrTimeout) || ctx.Err() != nil {
		// Tasks outlive the run; don't leave their processes behind
		if killErr := pm.KillAll(); killErr != nil {
			logger.Warn("killing leftover processes", "error", killErr)
		}
	}
	if err != nil {
		return err
	}

	run.Finish(mgr.Ledger().Snapshot(), metrics.Outcome(runErr), runErr, time.Now())
	m.ObserveRun(run.FinishedAt.Sub(run.StartedAt), runErr)
	if !opts.noHistory && cfg.Settings.HistoryPath != "" {
		if err := archive(cfg.Settings.HistoryPath, run); err != nil {
			logger.Warn("archiving run", "error", err)
		}
	}

	printSummary(out, run)

	if runErr != nil {
		return runErr
	}
	if failed := run.Failed(); len(failed) > 0 {
		return fmt.Errorf("%w: %d of %d", errTasksFailed, len(failed), len(run.Tasks))
	}
	return nil
}

// execute runs the manager, and the TUI alongside it when enabled. Quitting
// the TUI cancels the run. runErr is the manager's result; err is a TUI failure.
func execute(ctx context.Context, mgr *scheduler.Manager, bus *events.EventBus, order []string, withTUI bool) (runErr, err error) {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		start := time.Now()
		runErr = mgr.Run(runCtx)
		bus.Publish(events.TopicRun, events.RunFinishedEvent{Err: runErr, Duration: time.Since(start), Timestamp: time.Now()})
		return nil
	})

	if withTUI {
		g.Go(func() error {
			p := tea.NewProgram(tui.New(bus, order, cancelRun), tea.WithAltScreen(), tea.WithContext(gctx))
			_, err := p.Run()
			cancelRun()
			if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	return runErr, err
}

// serveMetrics exposes reg on addr until the returned stop function is called.
// An empty addr serves nothing.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func archive(path string, run *history.Run) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := history.NewSQLiteStore(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	return store.SaveRun(ctx, run)
}

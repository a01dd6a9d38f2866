package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/dagrun/internal/command"
	"github.com/aristath/dagrun/internal/config"
)

func newPlanCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Validate the pipeline and print an execution order",
		Long: `Validate the pipeline graph without running anything and print the
tasks in an order that respects every dependency. Reports cycles, unknown
dependencies and graphs with no task free to start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, closeLog, err := root.logger(false)
			if err != nil {
				return err
			}
			defer closeLog()

			cfg, err := loadPipeline(root.file)
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), cfg, logger)
		},
	}
}

func printPlan(out io.Writer, cfg *config.Config, logger *slog.Logger) error {
	mgr, err := buildManager(cfg, wiring{logger: logger})
	if err != nil {
		return err
	}

	order, err := mgr.Plan()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d tasks, %d dependencies\n\n", len(order), mgr.Graph().EdgeCount())
	for i, name := range order {
		task := cfg.Tasks[name]
		fmt.Fprintf(out, "%3d. %s", i+1, name)
		fmt.Fprintf(out, "  $ %s", command.Spec{Command: task.Command, Args: task.Args})
		fmt.Fprintln(out)
		if deps := mgr.Graph().Prerequisites(name); len(deps) > 0 {
			fmt.Fprintf(out, "     after: %s\n", strings.Join(deps, ", "))
		}
	}
	return nil
}

package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/queue"
)

var (
	drainCursor  string
	drainLimit   int
	drainBudget  int
	drainNoSweep bool
	drainAll     bool
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Reprocess open EFL review queue items within a time budget",
	Long: `Walks OPEN EFL_PARSE queue items in id order, re-fetching each EFL and
running it through the pipeline. Stops before the time budget runs out and
prints a cursor to resume from. Plan-calc quarantine items are never touched.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "drain")
		if err != nil {
			return err
		}
		defer env.Close()

		req := queue.DrainRequest{Cursor: drainCursor, Limit: drainLimit, BudgetSecs: drainBudget}
		if drainNoSweep {
			req.AutoSweep = boolPtr(false)
		}

		for {
			res, err := env.Drainer.Drain(ctx, req)
			if res != nil {
				if wErr := writeJSON(cmd.OutOrStdout(), res); wErr != nil {
					return wErr
				}
			}
			if err != nil {
				return err
			}
			if !drainAll || res.Done || res.Processed == 0 {
				return nil
			}
			zap.L().Info("drain: continuing", zap.String("cursor", res.NextCursor))
			req.Cursor = res.NextCursor
			req.AutoSweep = boolPtr(false)
		}
	},
}

func init() {
	drainCmd.Flags().StringVar(&drainCursor, "cursor", "", "resume after this queue item id")
	drainCmd.Flags().IntVar(&drainLimit, "limit", 0, "max items to process (0 = until done or out of time)")
	drainCmd.Flags().IntVar(&drainBudget, "budget", 0, "time budget in seconds (default from config)")
	drainCmd.Flags().BoolVar(&drainNoSweep, "no-sweep", false, "skip the auto-dedupe and template-match sweep")
	drainCmd.Flags().BoolVar(&drainAll, "all", false, "keep draining with fresh budgets until the queue is walked")
	rootCmd.AddCommand(drainCmd)
}

func boolPtr(b bool) *bool { return &b }

package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/model"
	"github.com/intelliwatt/efl-cli/internal/store"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and resolve review queue items",
}

var (
	queueListKind  string
	queueListAll   bool
	queueListAfter string
	queueListLimit int
)

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List review queue items in id order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		kind := model.QueueKind(queueListKind)
		if kind != "" && !kind.Valid() {
			return eris.Errorf("unknown queue kind %q", queueListKind)
		}

		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		items, err := env.Queue.List(ctx, store.QueueFilter{
			Kind:     kind,
			OpenOnly: !queueListAll,
			AfterID:  queueListAfter,
			Limit:    queueListLimit,
		})
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), items)
	},
}

var queueResolveNotes string

var queueResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a queue item as admin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		item, err := env.Queue.Resolve(ctx, args[0], queueResolveNotes)
		if err != nil {
			return err
		}
		zap.L().Info("queue item resolved", zap.String("queue_item", item.ID), zap.String("kind", string(item.Kind)))
		return writeJSON(cmd.OutOrStdout(), item)
	},
}

var quarantineItem model.ReviewQueueItem

var queueQuarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Record a plan the cost calculator cannot handle",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if quarantineItem.OfferID == "" && quarantineItem.EFLPdfSHA256 == "" && quarantineItem.EFLURL == "" {
			return eris.New("one of --offer, --sha or --url is required")
		}

		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		item := quarantineItem
		stored, err := env.Queue.Quarantine(ctx, &item)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), stored)
	},
}

var queueSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Auto-dedupe by offer and resolve items already served by a template",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Drainer.Sweep(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	queueListCmd.Flags().StringVar(&queueListKind, "kind", "", "EFL_PARSE or PLAN_CALC_QUARANTINE (default both)")
	queueListCmd.Flags().BoolVar(&queueListAll, "all", false, "include resolved items")
	queueListCmd.Flags().StringVar(&queueListAfter, "after", "", "page after this item id")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 100, "page size")

	queueResolveCmd.Flags().StringVar(&queueResolveNotes, "notes", "", "resolution notes")

	f := queueQuarantineCmd.Flags()
	f.StringVar(&quarantineItem.OfferID, "offer", "", "offer id")
	f.StringVar(&quarantineItem.EFLURL, "url", "", "EFL URL")
	f.StringVar(&quarantineItem.EFLPdfSHA256, "sha", "", "EFL sha256")
	f.StringVar(&quarantineItem.RepPUCTCert, "cert", "", "REP PUCT certificate")
	f.StringVar(&quarantineItem.EFLVersionCode, "version", "", "EFL version code")
	f.StringVar(&quarantineItem.Detail, "detail", "", "what the calculator could not handle")

	queueCmd.AddCommand(queueListCmd, queueResolveCmd, queueQuarantineCmd, queueSweepCmd)
	rootCmd.AddCommand(queueCmd)
}

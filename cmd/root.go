package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/intelliwatt/efl-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "efl-cli",
	Short: "Electricity Facts Label parsing and validation pipeline",
	Long:  "Extracts rate structures from EFL documents, validates them against the disclosed average prices, persists strong templates and routes everything else to a review queue.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"github.com/spf13/cobra"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect and invalidate rate plan templates",
}

var templatesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		tpl, err := env.Store.GetTemplate(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), tpl)
	},
}

var templatesInvalidateReason string

var templatesInvalidateCmd = &cobra.Command{
	Use:   "invalidate <id>",
	Short: "Take a template out of service and queue its EFL for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		tpl, res, err := env.Gate.Invalidate(ctx, args[0], templatesInvalidateReason)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), map[string]any{"template": tpl, "gate": res})
	},
}

func init() {
	templatesInvalidateCmd.Flags().StringVar(&templatesInvalidateReason, "reason", "", "why the template is wrong")
	templatesCmd.AddCommand(templatesShowCmd, templatesInvalidateCmd)
	rootCmd.AddCommand(templatesCmd)
}

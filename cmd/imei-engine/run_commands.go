package main

import (
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/workflow"
	"github.com/spf13/cobra"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var identifier string
	var dryRun bool
	var rebuild bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a reconciliation over both stores, or one identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			report, runErr := engine.Run(cmd.Context(), workflow.RunOptions{
				Trigger:    models.RunTriggerManual,
				Identifier: identifier,
				DryRun:     dryRun,
				Rebuild:    rebuild,
			})
			if err := printReport(cmd, ctx, report); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&identifier, "identifier", "", "Only reconcile records carrying this identifier")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report without writing")
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "Truncate the validation ledger before persisting")

	return cmd
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a failed run from its last checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			report, runErr := engine.Resume(cmd.Context(), args[0])
			if err := printReport(cmd, ctx, report); err != nil {
				return err
			}
			return runErr
		},
	}
}

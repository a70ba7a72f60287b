package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/unitsync"
	"github.com/mmdatafocus/imei_backend/workflow"
	"github.com/spf13/cobra"
)

func newRunsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := engine.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Run", "Trigger", "Scope", "Status", "Resume point", "Started", "Finished"},
				runRows(runs),
				nil,
			))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")
	return cmd
}

func runRows(runs []models.ReconciliationRun) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		finished := ""
		if r.FinishedAt != nil {
			finished = r.FinishedAt.UTC().Format(time.RFC3339)
		}
		status := r.Status
		if r.DryRun {
			status += " (dry run)"
		}
		rows = append(rows, []string{r.ID, r.Trigger, r.ScopeIdentifier, status, r.ResumePoint, r.StartedAt.UTC().Format(time.RFC3339), finished})
	}
	return rows
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run report and its skipped rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := engine.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			report, _ := workflow.ReportOf(detail.Run)
			if ctx.jsonOutput() {
				return writeJSON(cmd, unitsync.RunResponse{Run: detail.Run, Report: report, Skips: detail.Skips})
			}
			if report == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s is %s and has no report yet\n", detail.Run.ID, detail.Run.Status)
				return nil
			}
			if err := printReport(cmd, ctx, report); err != nil {
				return err
			}
			if len(detail.Skips) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "\nSkipped rows (stored)")
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"#", "Stage", "Entity", "Code", "Message"}, skipRows(detail.Skips), []columnAlignment{alignRight}))
			}
			return nil
		},
	}
}

func skipRows(skips []models.ReconciliationSkip) [][]string {
	rows := make([][]string, 0, len(skips))
	for i, s := range skips {
		rows = append(rows, []string{strconv.Itoa(i + 1), s.Stage, s.EntityType + ":" + s.EntityId, s.ErrorCode, s.Message})
	}
	return rows
}

func newExportCommand(ctx *commandContext) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "export <run-id>",
		Short: "Write a run report to an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := engine.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			report, err := workflow.ReportOf(detail.Run)
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			if out == "" {
				out = fmt.Sprintf("run-%s.xlsx", detail.Run.ID)
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := unitsync.ExportReport(f, report); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "Output path (default run-<id>.xlsx)")
	return cmd
}

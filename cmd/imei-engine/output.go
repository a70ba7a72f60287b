package main

import (
	"encoding/json"
	"fmt"

	"github.com/mmdatafocus/imei_backend/unitsync"
	"github.com/mmdatafocus/imei_backend/workflow"
	"github.com/spf13/cobra"
)

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(cmd *cobra.Command, ctx *commandContext, report *workflow.RunReport) error {
	if report == nil {
		return nil
	}
	if ctx.jsonOutput() {
		return writeJSON(cmd, report)
	}
	fmt.Fprint(cmd.OutOrStdout(), renderSheets(unitsync.ReportSheets(report)))
	if report.ResumePoint != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "\nresume with: imei-engine resume %s (from %s)\n", report.RunId, report.ResumePoint)
	}
	return nil
}

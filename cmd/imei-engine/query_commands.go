package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <identifier>",
		Short: "Show the validation status of an identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			st, err := engine.GetValidationStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, st)
			}
			checked := ""
			if st.LastCheckedAt != nil {
				checked = st.LastCheckedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, [][]string{
				{"identifier", st.Identifier},
				{"status", string(st.Status)},
				{"reason", st.Reason},
				{"source", st.SourceTable + ":" + st.SourceId},
				{"duplicate count", strconv.Itoa(st.DuplicateCount)},
				{"ledgered", strconv.FormatBool(st.Known)},
				{"last checked", checked},
			}, nil))
			return nil
		},
	}
}

func newSnapshotCommand(ctx *commandContext) *cobra.Command {
	var drifts int

	cmd := &cobra.Command{
		Use:   "snapshot <parent-id>",
		Short: "Compare a parent's declared quantity with its active units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := engine.GetParentStockSnapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			history, err := engine.ListDrifts(cmd.Context(), args[0], drifts)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, map[string]any{"snapshot": snap, "drifts": history})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Parent", "SKU", "Serialized", "Declared", "Active units", "Drift"}, [][]string{{
				snap.ParentId, snap.Sku, strconv.FormatBool(snap.IsSerialized),
				strconv.Itoa(snap.DeclaredQuantity), strconv.Itoa(snap.ActiveChildCount), strconv.Itoa(snap.Drift),
			}}, []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight}))
			if len(history) > 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "\nCorrections")
				fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Run", "Previous", "Corrected", "Units", "At"}, driftRows(history),
					[]columnAlignment{alignLeft, alignRight, alignRight, alignRight}))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&drifts, "drifts", 10, "Number of past corrections to show")
	return cmd
}

func driftRows(drifts []models.ParentQuantityDrift) [][]string {
	rows := make([][]string, 0, len(drifts))
	for _, d := range drifts {
		rows = append(rows, []string{d.RunId, strconv.Itoa(d.PreviousQuantity), strconv.Itoa(d.CorrectedQuantity), strconv.Itoa(d.ChildCount), d.CorrectedAt.UTC().Format(time.RFC3339)})
	}
	return rows
}

func newClassifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "classify",
		Short: "Classify every record by format without writing",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := ctx.ensureEngine(cmd.Context())
			if err != nil {
				return err
			}
			classes, err := engine.ValidateAll(cmd.Context())
			if err != nil {
				return err
			}
			rows := classificationRows(classes)
			if ctx.jsonOutput() {
				return writeJSON(cmd, rows)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Status", "Reason", "Records"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))
			return nil
		},
	}
}

// classificationRows tallies classifications by status and reason.
func classificationRows(classes map[string]serial.Classification) [][]string {
	counts := make(map[serial.Classification]int)
	for _, c := range classes {
		counts[c]++
	}
	keys := make([]serial.Classification, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Status != keys[j].Status {
			return keys[i].Status < keys[j].Status
		}
		return keys[i].Reason < keys[j].Reason
	})
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{string(k.Status), k.Reason, strconv.Itoa(counts[k])})
	}
	return rows
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the engine schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := ctx.ensureDB()
			if err != nil {
				return err
			}
			if err := models.MigrateTable(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

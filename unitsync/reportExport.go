package unitsync

import (
	"io"
	"sort"

	"github.com/mmdatafocus/imei_backend/utils"
	"github.com/mmdatafocus/imei_backend/workflow"
)

// ExportReport writes a run report as a workbook: summary, reasons,
// corrected parents and skipped rows.
func ExportReport(w io.Writer, r *workflow.RunReport) error {
	return utils.WriteWorkbook(w, ReportSheets(r)...)
}

func ReportSheets(r *workflow.RunReport) []utils.Sheet {
	summary := utils.Sheet{
		Name:     "Summary",
		Headings: []string{"Metric", "Value"},
		Rows: [][]interface{}{
			{"run_id", r.RunId},
			{"trigger", r.Trigger},
			{"scope", r.Scope},
			{"status", r.Status},
			{"dry_run", r.DryRun},
			{"started_at", r.StartedAt.UTC().Format("2006-01-02 15:04:05")},
			{"records", r.Records},
			{"valid", r.Counts.Valid},
			{"invalid", r.Counts.Invalid},
			{"duplicate", r.Counts.Duplicate},
			{"empty", r.Counts.Empty},
			{"health_score", r.HealthScore.StringFixed(2)},
			{"ledger_rows", r.LedgerRows},
			{"parents_checked", r.ParentsChecked},
			{"parents_corrected", r.ParentsCorrected},
			{"sync_direction", string(r.Sync.Direction)},
			{"copied", r.Sync.Copied},
			{"skipped_already_present", r.Sync.SkippedAlreadyPresent},
			{"skipped_invalid", r.Sync.SkippedInvalid},
			{"linked", r.Sync.Linked},
			{"skipped_rows", len(r.Skipped)},
		},
	}
	if r.EndedAt != nil {
		summary.Rows = append(summary.Rows, []interface{}{"ended_at", r.EndedAt.UTC().Format("2006-01-02 15:04:05")})
	}

	reasons := utils.Sheet{Name: "Reasons", Headings: []string{"Reason", "Count"}}
	keys := make([]string, 0, len(r.Reasons))
	for k := range r.Reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		reasons.Rows = append(reasons.Rows, []interface{}{k, r.Reasons[k]})
	}

	drifts := utils.Sheet{Name: "Parents", Headings: []string{"Parent", "Previous", "Corrected", "Children", "Drift"}}
	for _, d := range r.Drifts {
		drifts.Rows = append(drifts.Rows, []interface{}{d.ParentId, d.PreviousQuantity, d.CorrectedQuantity, d.ChildCount, d.Drift})
	}

	skipped := utils.Sheet{Name: "Skipped", Headings: []string{"Stage", "Entity type", "Entity", "Code", "Message"}}
	for _, s := range r.Skipped {
		skipped.Rows = append(skipped.Rows, []interface{}{string(s.Stage), s.EntityType, s.EntityId, s.Code, s.Message})
	}

	return []utils.Sheet{summary, reasons, drifts, skipped}
}

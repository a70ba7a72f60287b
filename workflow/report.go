package workflow

import (
	"time"

	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/serial"
	"github.com/shopspring/decimal"
)

// StateCounts counts logical units; mirrored copies of one unit count once.
type StateCounts struct {
	Valid     int `json:"valid"`
	Invalid   int `json:"invalid"`
	Duplicate int `json:"duplicate"`
	Empty     int `json:"empty"`
}

func (c StateCounts) Total() int {
	return c.Valid + c.Invalid + c.Duplicate + c.Empty
}

func (c *StateCounts) add(s serial.Status, n int) {
	switch s {
	case serial.StatusValid:
		c.Valid += n
	case serial.StatusInvalid:
		c.Invalid += n
	case serial.StatusDuplicate:
		c.Duplicate += n
	case serial.StatusEmpty:
		c.Empty += n
	}
}

// ByState keys the counts by status, for metrics and tables.
func (c StateCounts) ByState() map[serial.Status]int {
	return map[serial.Status]int{
		serial.StatusValid:     c.Valid,
		serial.StatusInvalid:   c.Invalid,
		serial.StatusDuplicate: c.Duplicate,
		serial.StatusEmpty:     c.Empty,
	}
}

type ReconcileResult struct {
	ParentId          string `json:"parent_id"`
	PreviousQuantity  int    `json:"previous_quantity"`
	CorrectedQuantity int    `json:"corrected_quantity"`
	ChildCount        int    `json:"child_count"`
	Drift             int    `json:"drift"`
	// NotSerialized is set for parents the engine leaves alone.
	NotSerialized bool `json:"not_serialized,omitempty"`
}

type SyncResult struct {
	Direction             config.SyncDirection `json:"direction"`
	Copied                int                  `json:"copied"`
	SkippedAlreadyPresent int                  `json:"skipped_already_present"`
	SkippedInvalid        int                  `json:"skipped_invalid"`
	Linked                int                  `json:"linked"`
}

type SkippedRow struct {
	Stage      Stage  `json:"stage"`
	EntityType string `json:"entity_type"`
	EntityId   string `json:"entity_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// RunReport is the outcome of one run. It is checkpointed after every stage,
// so a resumed run continues from the counts of the failed attempt.
type RunReport struct {
	RunId     string     `json:"run_id"`
	Trigger   string     `json:"trigger"`
	Scope     string     `json:"scope,omitempty"`
	DryRun    bool       `json:"dry_run"`
	Rebuild   bool       `json:"rebuild"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	Records           int             `json:"records"`
	Counts            StateCounts     `json:"counts"`
	Reasons           map[string]int  `json:"reasons"`
	HealthScore       decimal.Decimal `json:"health_score"`
	LedgerRows        int             `json:"ledger_rows"`
	UnitStatesChanged int             `json:"unit_states_changed"`
	LedgerFingerprint string          `json:"ledger_fingerprint,omitempty"`

	ParentsChecked   int               `json:"parents_checked"`
	ParentsCorrected int               `json:"parents_corrected"`
	Drifts           []ReconcileResult `json:"drifts"`

	Sync SyncResult `json:"sync"`

	Skipped         []SkippedRow `json:"skipped"`
	CompletedStages []Stage      `json:"completed_stages"`
	ResumePoint     Stage        `json:"resume_point,omitempty"`
	Error           string       `json:"error,omitempty"`
}

// HealthScore is the share of logical units that are valid, in percent with
// two decimals. An empty population scores 100.
func HealthScore(c StateCounts) decimal.Decimal {
	total := c.Total()
	if total == 0 {
		return decimal.NewFromInt(100).Round(2)
	}
	return decimal.NewFromInt(int64(c.Valid)).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(int64(total)), 2)
}

func (r *RunReport) hasCompleted(s Stage) bool {
	for _, c := range r.CompletedStages {
		if c == s {
			return true
		}
	}
	return false
}

func (r *RunReport) markCompleted(s Stage) {
	if !r.hasCompleted(s) {
		r.CompletedStages = append(r.CompletedStages, s)
	}
}

// dropSkips removes skips of the given stage before the stage is recomputed.
func (r *RunReport) dropSkips(s Stage) {
	kept := r.Skipped[:0]
	for _, sk := range r.Skipped {
		if sk.Stage != s {
			kept = append(kept, sk)
		}
	}
	r.Skipped = kept
}

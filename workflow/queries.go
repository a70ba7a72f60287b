package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
)

type ValidationStatus struct {
	Identifier     string        `json:"identifier"`
	Status         serial.Status `json:"status"`
	Reason         string        `json:"reason"`
	SourceTable    string        `json:"source_table,omitempty"`
	SourceId       string        `json:"source_id,omitempty"`
	DuplicateCount int           `json:"duplicate_count"`
	LastCheckedAt  *time.Time    `json:"last_checked_at,omitempty"`
	// Known is false for identifiers never ledgered; Status is then the format verdict alone.
	Known bool `json:"known"`
}

func statusFromRecord(rec models.ValidationRecord) ValidationStatus {
	checked := rec.LastCheckedAt
	return ValidationStatus{
		Identifier:     rec.Identifier,
		Status:         rec.Status,
		Reason:         rec.Reason,
		SourceTable:    rec.SourceTable,
		SourceId:       rec.SourceId,
		DuplicateCount: rec.DuplicateCount,
		LastCheckedAt:  &checked,
		Known:          true,
	}
}

// GetValidationStatus answers whether an identifier can be sold right now.
func (e *Engine) GetValidationStatus(ctx context.Context, identifier string) (ValidationStatus, error) {
	ident := serial.Normalize(identifier)
	format := serial.Classify(identifier)
	if ident == "" {
		return ValidationStatus{Status: format.Status, Reason: format.Reason}, nil
	}

	if e.cache != nil {
		if st, ok := e.cache.Get(ctx, ident); ok {
			e.metrics.StatusCacheLookups.WithLabelValues("hit").Inc()
			return *st, nil
		}
		e.metrics.StatusCacheLookups.WithLabelValues("miss").Inc()
	}

	rec, err := e.ledger.Get(ctx, ident)
	if errors.Is(err, models.ErrLedgerNotFound) {
		return ValidationStatus{Identifier: ident, Status: format.Status, Reason: format.Reason}, nil
	}
	if err != nil {
		return ValidationStatus{}, err
	}
	st := statusFromRecord(*rec)
	if e.cache != nil {
		e.cache.Set(ctx, st)
	}
	return st, nil
}

// GetUnitValidationStatus reports the state of one physical record, which
// unlike the ledger row tells a duplicate apart from its survivor.
func (e *Engine) GetUnitValidationStatus(ctx context.Context, origin models.StoreOrigin, id string) (ValidationStatus, error) {
	unit, err := e.store(origin).Get(ctx, id)
	if err != nil {
		return ValidationStatus{}, err
	}
	st := ValidationStatus{
		Identifier:  unit.NormalizedIdentifier(),
		SourceTable: origin.Table(),
		SourceId:    unit.Id,
	}
	if unit.ValidationState == "" {
		format := serial.ClassifyPtr(unit.Identifier)
		st.Status, st.Reason = format.Status, format.Reason
		return st, nil
	}
	st.Status, st.Reason, st.Known = unit.ValidationState, unit.ValidationReason, true
	return st, nil
}

type ParentStockSnapshot struct {
	ParentId         string     `json:"parent_id"`
	Name             string     `json:"name"`
	Sku              string     `json:"sku"`
	IsSerialized     bool       `json:"is_serialized"`
	DeclaredQuantity int        `json:"declared_quantity"`
	ActiveChildCount int        `json:"active_child_count"`
	Drift            int        `json:"drift"`
	LastReconciledAt *time.Time `json:"last_reconciled_at"`
}

func (e *Engine) GetParentStockSnapshot(ctx context.Context, parentId string) (ParentStockSnapshot, error) {
	parent, err := e.parents.Get(ctx, parentId)
	if err != nil {
		return ParentStockSnapshot{}, err
	}
	children, err := e.parents.ActiveChildren(ctx, parentId)
	if err != nil {
		return ParentStockSnapshot{}, err
	}
	count := CountActiveChildren(children, storedState)
	snap := ParentStockSnapshot{
		ParentId:         parent.Id,
		Name:             parent.Name,
		Sku:              parent.Sku,
		IsSerialized:     parent.IsSerialized,
		DeclaredQuantity: parent.DeclaredQuantity,
		ActiveChildCount: count,
		LastReconciledAt: parent.LastReconciledAt,
	}
	if parent.IsSerialized {
		snap.Drift = count - parent.DeclaredQuantity
	}
	return snap, nil
}

// GetAvailableUnits lists the sellable units of a parent: active and valid,
// one record per identifier with the sync-source store preferred.
func (e *Engine) GetAvailableUnits(ctx context.Context, parentId string) ([]models.SerializedUnit, error) {
	if _, err := e.parents.Get(ctx, parentId); err != nil {
		return nil, err
	}
	children, err := e.parents.ActiveChildren(ctx, parentId)
	if err != nil {
		return nil, err
	}
	primary := e.primaryOrigin()
	byIdent := map[string]models.SerializedUnit{}
	for _, c := range children {
		if c.ValidationState != serial.StatusValid {
			continue
		}
		ident := c.NormalizedIdentifier()
		prev, ok := byIdent[ident]
		if !ok || (prev.Store != primary && c.Store == primary) {
			byIdent[ident] = c
		}
	}
	out := make([]models.SerializedUnit, 0, len(byIdent))
	for _, u := range byIdent {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NormalizedIdentifier() < out[j].NormalizedIdentifier()
	})
	return out, nil
}

// QueryLedger lists ledger rows by status and/or source table.
func (e *Engine) QueryLedger(ctx context.Context, f models.LedgerFilter) ([]models.ValidationRecord, error) {
	return e.ledger.Query(ctx, f)
}

// ValidateAll classifies every record of both stores by format, keyed by record ref.
// Nothing is written.
func (e *Engine) ValidateAll(ctx context.Context) (map[string]serial.Classification, error) {
	pop, err := e.loadPopulation(ctx, "")
	if err != nil {
		return nil, err
	}
	return pop.format, nil
}

// DetectDuplicates resolves every identifier across both stores without writing.
func (e *Engine) DetectDuplicates(ctx context.Context) (map[string]serial.Resolution, error) {
	pop, err := e.loadPopulation(ctx, "")
	if err != nil {
		return nil, err
	}
	pop.resolve(e.primaryOrigin())
	return pop.resolutions, nil
}

// RunDetail is a run row with its skipped rows.
type RunDetail struct {
	Run   models.ReconciliationRun    `json:"run"`
	Skips []models.ReconciliationSkip `json:"skips"`
}

func (e *Engine) ListRuns(ctx context.Context, limit int) ([]models.ReconciliationRun, error) {
	return e.runs.List(ctx, limit)
}

func (e *Engine) GetRun(ctx context.Context, runId string) (*RunDetail, error) {
	run, err := e.runs.Get(ctx, runId)
	if err != nil {
		return nil, err
	}
	skips, err := e.runs.ListSkips(ctx, runId)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: *run, Skips: skips}, nil
}

// ReportOf decodes the checkpointed report of a run.
func ReportOf(run models.ReconciliationRun) (*RunReport, error) {
	if len(run.ReportJSON) == 0 {
		return nil, errors.New("run has no report")
	}
	var r RunReport
	if err := json.Unmarshal(run.ReportJSON, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *Engine) ListDrifts(ctx context.Context, parentId string, limit int) ([]models.ParentQuantityDrift, error) {
	return e.parents.ListDrifts(ctx, parentId, limit)
}

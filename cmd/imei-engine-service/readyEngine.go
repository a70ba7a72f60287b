package main

import (
	"context"
	"sync/atomic"

	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/workflow"
)

// readyEngine lets the listener come up before the datastores do. Requests
// are gated on ready() until the engine is set.
type readyEngine struct {
	engine atomic.Pointer[workflow.Engine]
}

func (r *readyEngine) set(e *workflow.Engine) { r.engine.Store(e) }

func (r *readyEngine) ready() bool { return r.engine.Load() != nil }

func (r *readyEngine) get() *workflow.Engine { return r.engine.Load() }

func (r *readyEngine) GetValidationStatus(ctx context.Context, identifier string) (workflow.ValidationStatus, error) {
	return r.get().GetValidationStatus(ctx, identifier)
}

func (r *readyEngine) GetParentStockSnapshot(ctx context.Context, parentId string) (workflow.ParentStockSnapshot, error) {
	return r.get().GetParentStockSnapshot(ctx, parentId)
}

func (r *readyEngine) GetAvailableUnits(ctx context.Context, parentId string) ([]models.SerializedUnit, error) {
	return r.get().GetAvailableUnits(ctx, parentId)
}

func (r *readyEngine) ListRuns(ctx context.Context, limit int) ([]models.ReconciliationRun, error) {
	return r.get().ListRuns(ctx, limit)
}

func (r *readyEngine) GetRun(ctx context.Context, runId string) (*workflow.RunDetail, error) {
	return r.get().GetRun(ctx, runId)
}

func (r *readyEngine) Run(ctx context.Context, opts workflow.RunOptions) (*workflow.RunReport, error) {
	return r.get().Run(ctx, opts)
}

func (r *readyEngine) Resume(ctx context.Context, runId string) (*workflow.RunReport, error) {
	return r.get().Resume(ctx, runId)
}

func (r *readyEngine) ApplyLifecycleEvent(ctx context.Context, ev workflow.UnitLifecycleEvent) (workflow.LifecycleResult, error) {
	return r.get().ApplyLifecycleEvent(ctx, ev)
}

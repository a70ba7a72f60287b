package unitsync

import (
	"context"

	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/workflow"
)

// Engine is the part of the reconciliation engine the HTTP surface drives.
type Engine interface {
	GetValidationStatus(ctx context.Context, identifier string) (workflow.ValidationStatus, error)
	GetParentStockSnapshot(ctx context.Context, parentId string) (workflow.ParentStockSnapshot, error)
	GetAvailableUnits(ctx context.Context, parentId string) ([]models.SerializedUnit, error)
	ListRuns(ctx context.Context, limit int) ([]models.ReconciliationRun, error)
	GetRun(ctx context.Context, runId string) (*workflow.RunDetail, error)
	Run(ctx context.Context, opts workflow.RunOptions) (*workflow.RunReport, error)
	Resume(ctx context.Context, runId string) (*workflow.RunReport, error)
	ApplyLifecycleEvent(ctx context.Context, ev workflow.UnitLifecycleEvent) (workflow.LifecycleResult, error)
}

// PublishFunc publishes obj as JSON and returns the message id.
type PublishFunc func(ctx context.Context, topic string, obj interface{}, attrs map[string]string) (string, error)

var _ PublishFunc = config.PublishJSON

type TriggerRunRequest struct {
	Identifier string `json:"identifier" validate:"omitempty,max=64"`
	DryRun     bool   `json:"dryRun"`
	Rebuild    bool   `json:"rebuild"`
}

// RunRequest is the queued form of a full run, carried on the run topic.
type RunRequest struct {
	Trigger     string `json:"trigger" validate:"required,oneof=manual schedule"`
	DryRun      bool   `json:"dry_run"`
	Rebuild     bool   `json:"rebuild"`
	RequestedBy string `json:"requested_by"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data       []byte            `json:"data"`
		ID         string            `json:"messageId"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type RunResponse struct {
	Run    models.ReconciliationRun    `json:"run"`
	Report *workflow.RunReport         `json:"report,omitempty"`
	Skips  []models.ReconciliationSkip `json:"skips"`
}

type AvailableUnitsResponse struct {
	ParentId string                  `json:"parent_id"`
	Units    []models.SerializedUnit `json:"units"`
}

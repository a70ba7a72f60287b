package workflow

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
)

var (
	ErrRunInProgress      = errors.New("a reconciliation run already holds this scope")
	ErrRunNotResumable    = errors.New("run is not in a resumable state")
	ErrRunCancelled       = errors.New("reconciliation run cancelled")
	ErrEmptyScope         = errors.New("scoped run needs a non-empty identifier")
	ErrUnknownSourceTable = errors.New("unknown source table")
)

// Row error codes recorded in reconciliation_skips.
const (
	CodeOrphanReference = "orphan_reference"
	CodeVanishedRecord  = "vanished_record"
	CodeRowWriteFailed  = "row_write_failed"
)

// RowError is a failure confined to one row. The run logs and skips it.
type RowError struct {
	Code       string
	EntityType string
	EntityId   string
	Err        error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Code, e.EntityType, e.EntityId, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ConnectivityError aborts a run. The run is marked failed and resumes at Stage.
type ConnectivityError struct {
	Stage Stage
	Err   error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("datastore unavailable during %s: %v", e.Stage, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// classify turns a store error into a row error or a fatal connectivity error.
func classify(stage Stage, entityType, entityId string, err error) error {
	if err == nil {
		return nil
	}
	if models.IsConnectivityError(err) {
		return &ConnectivityError{Stage: stage, Err: err}
	}
	code := CodeRowWriteFailed
	switch {
	case errors.Is(err, models.ErrParentNotFound):
		code = CodeOrphanReference
	case errors.Is(err, models.ErrUnitNotFound):
		code = CodeVanishedRecord
	}
	return &RowError{Code: code, EntityType: entityType, EntityId: entityId, Err: err}
}

func isFatal(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

func (e *Engine) logRowError(stage Stage, rowErr *RowError) {
	config.LogError(e.logger, "workflow", string(stage), rowErr.Code, map[string]string{
		"entity_type": rowErr.EntityType,
		"entity_id":   rowErr.EntityId,
	}, rowErr.Err)
	e.metrics.SkippedRows.WithLabelValues(string(stage), rowErr.Code).Inc()
}

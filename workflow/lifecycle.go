package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/sirupsen/logrus"
)

type UnitEventType string

const (
	UnitEventCreated  UnitEventType = "created"
	UnitEventSold     UnitEventType = "sold"
	UnitEventReturned UnitEventType = "returned"
	UnitEventDamaged  UnitEventType = "damaged"
)

// Status is the unit status an event type moves a unit to.
func (t UnitEventType) Status() models.UnitStatus {
	switch t {
	case UnitEventSold:
		return models.UnitStatusSold
	case UnitEventReturned:
		return models.UnitStatusReturned
	case UnitEventDamaged:
		return models.UnitStatusDamaged
	}
	return models.UnitStatusActive
}

// UnitLifecycleEvent is published by POS, receiving and trade-in when a unit
// changes. NewStatus overrides the status implied by Type, e.g. a return
// straight back to active stock.
type UnitLifecycleEvent struct {
	EventId     string            `json:"event_id" validate:"required,max=255"`
	Type        UnitEventType     `json:"type" validate:"required,oneof=created sold returned damaged"`
	Identifier  string            `json:"identifier" validate:"max=64"`
	ParentId    string            `json:"parent_id" validate:"omitempty,max=36"`
	ProductId   string            `json:"product_id" validate:"omitempty,max=36"`
	NewStatus   models.UnitStatus `json:"new_status,omitempty" validate:"omitempty,oneof=active sold returned damaged"`
	SourceTable string            `json:"source_table" validate:"required"`
	SourceId    string            `json:"source_id" validate:"required,max=64"`
	Timestamp   time.Time         `json:"timestamp" validate:"required"`
}

func (ev UnitLifecycleEvent) status() models.UnitStatus {
	if ev.NewStatus != "" {
		return ev.NewStatus
	}
	return ev.Type.Status()
}

type LifecycleResult struct {
	// AlreadyProcessed is set when the event id was handled before.
	AlreadyProcessed bool                   `json:"already_processed"`
	Unit             *models.SerializedUnit `json:"unit,omitempty"`
	Created          bool                   `json:"created"`
	MirrorsUpdated   int64                  `json:"mirrors_updated"`
	Report           *RunReport             `json:"report,omitempty"`
	Reconciled       *ReconcileResult       `json:"reconciled,omitempty"`
}

const lifecycleHandlerName = "unit_lifecycle"

// ApplyLifecycleEvent writes the new status to the unit's store, carries it to
// the unit's synchronized copy, and re-validates the identifier on the fast path.
func (e *Engine) ApplyLifecycleEvent(ctx context.Context, ev UnitLifecycleEvent) (result LifecycleResult, err error) {
	origin, ok := models.StoreFromTable(ev.SourceTable)
	if !ok {
		return result, fmt.Errorf("%w: %s", ErrUnknownSourceTable, ev.SourceTable)
	}

	if e.deduper != nil && ev.EventId != "" {
		skip, beginErr := e.deduper.Begin(ctx, lifecycleHandlerName, ev.EventId)
		if beginErr != nil {
			return result, beginErr
		}
		if skip {
			e.metrics.LifecycleEvents.WithLabelValues(string(ev.Type), "duplicate").Inc()
			return LifecycleResult{AlreadyProcessed: true}, nil
		}
		defer func() {
			if err != nil {
				if markErr := e.deduper.MarkFailed(context.WithoutCancel(ctx), lifecycleHandlerName, ev.EventId, err); markErr != nil {
					config.LogError(e.logger, "workflow", "ApplyLifecycleEvent", "mark event failed", ev.EventId, markErr)
				}
				return
			}
			if markErr := e.deduper.MarkSucceeded(context.WithoutCancel(ctx), lifecycleHandlerName, ev.EventId); markErr != nil {
				config.LogError(e.logger, "workflow", "ApplyLifecycleEvent", "mark event succeeded", ev.EventId, markErr)
			}
		}()
	}

	at := ev.Timestamp.UTC()
	if ev.Timestamp.IsZero() {
		at = e.now()
	}
	status := ev.status()
	change := models.StatusChange{
		Id:              ev.SourceId,
		ProductId:       ev.ProductId,
		Status:          status,
		At:              at,
		CreateIfMissing: ev.Type == UnitEventCreated,
	}
	if ev.Identifier != "" {
		ident := ev.Identifier
		change.Identifier = &ident
	}
	if ev.ParentId != "" {
		pid := ev.ParentId
		change.ParentId = &pid
	}

	unit, created, err := e.store(origin).ApplyStatus(ctx, change)
	if err != nil {
		e.metrics.LifecycleEvents.WithLabelValues(string(ev.Type), "failed").Inc()
		return result, err
	}
	result.Unit = unit
	result.Created = created

	if lk := unit.LinkKeyValue(); lk != "" {
		n, err := e.store(origin.Other()).SetStatusByLinkKey(ctx, lk, status, at)
		if err != nil {
			return result, err
		}
		result.MirrorsUpdated = n
	}

	parentKnown := false
	if pid := unit.ParentId(); pid != "" {
		missing, err := e.parents.MarkSerialized(ctx, []string{pid}, e.now())
		if err != nil {
			return result, err
		}
		parentKnown = len(missing) == 0
		if !parentKnown {
			e.logRowError(StageValidateAll, &RowError{
				Code:       CodeOrphanReference,
				EntityType: "unit",
				EntityId:   unit.Ref(),
				Err:        fmt.Errorf("%w: %s", models.ErrParentNotFound, pid),
			})
		}
	}

	if ident := unit.NormalizedIdentifier(); ident != "" {
		report, err := e.RunScoped(ctx, ident, models.RunTriggerEvent)
		if err != nil && !errors.Is(err, ErrRunCancelled) {
			return result, err
		}
		result.Report = report
	} else if parentKnown {
		res, err := e.Reconcile(ctx, unit.ParentId())
		if err != nil {
			return result, err
		}
		result.Reconciled = &res
	}

	e.metrics.LifecycleEvents.WithLabelValues(string(ev.Type), "applied").Inc()
	e.log().WithFields(logrus.Fields{
		"event_id": ev.EventId,
		"type":     ev.Type,
		"unit":     unit.Ref(),
		"status":   status,
		"created":  created,
	}).Info("unit lifecycle event applied")
	return result, nil
}

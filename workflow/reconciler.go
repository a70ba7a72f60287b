package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// CountActiveChildren counts the units backing a parent's quantity: active,
// not duplicate, and one per identifier so a unit mirrored in both stores
// counts once. Children without an identifier count individually.
func CountActiveChildren(children []models.SerializedUnit, stateOf func(models.SerializedUnit) serial.Status) int {
	seen := make(map[string]struct{}, len(children))
	n := 0
	for _, c := range children {
		if c.Status != models.UnitStatusActive || stateOf(c) == serial.StatusDuplicate {
			continue
		}
		ident := c.NormalizedIdentifier()
		if ident == "" {
			n++
			continue
		}
		if _, ok := seen[ident]; ok {
			continue
		}
		seen[ident] = struct{}{}
		n++
	}
	return n
}

func storedState(u models.SerializedUnit) serial.Status {
	return u.ValidationState
}

type reconcileOpts struct {
	runId  string
	dryRun bool
	// stateOf overrides the stored validation state, e.g. with a dry run's computed states.
	stateOf func(models.SerializedUnit) serial.Status
	// assumeSerialized holds parents treated as serialized before the flag is written.
	assumeSerialized map[string]bool
}

func (o reconcileOpts) state(u models.SerializedUnit) serial.Status {
	if o.stateOf == nil {
		return storedState(u)
	}
	return o.stateOf(u)
}

// Reconcile corrects one parent's declared quantity against its children.
// Parents without serialized history are returned untouched with NotSerialized set.
func (e *Engine) Reconcile(ctx context.Context, parentId string) (ReconcileResult, error) {
	return e.reconcileParent(ctx, parentId, reconcileOpts{dryRun: e.settings.DryRun})
}

// ReconcileAll reconciles every serialized parent on the worker pool. Row
// errors are logged and returned as skips; a connectivity error stops the pass.
func (e *Engine) ReconcileAll(ctx context.Context) ([]ReconcileResult, []*RowError, error) {
	ids, err := e.parents.SerializedParentIds(ctx)
	if err != nil {
		return nil, nil, &ConnectivityError{Stage: StageReconcileParents, Err: err}
	}
	return e.reconcileParents(ctx, ids, reconcileOpts{dryRun: e.settings.DryRun})
}

func (e *Engine) reconcileParents(ctx context.Context, ids []string, opts reconcileOpts) ([]ReconcileResult, []*RowError, error) {
	var (
		mu      sync.Mutex
		results []ReconcileResult
		skips   []*RowError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.settings.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := e.reconcileParent(gctx, id, opts)
			if err != nil {
				err = classify(StageReconcileParents, "parent", id, err)
				var rowErr *RowError
				if !errors.As(err, &rowErr) {
					return err
				}
				e.logRowError(StageReconcileParents, rowErr)
				mu.Lock()
				skips = append(skips, rowErr)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ParentId < results[j].ParentId })
	sort.Slice(skips, func(i, j int) bool { return skips[i].EntityId < skips[j].EntityId })
	return results, skips, nil
}

// reconcileParent counts and corrects under the parent's row lock, so a
// concurrent sale cannot interleave between the count and the write.
func (e *Engine) reconcileParent(ctx context.Context, parentId string, opts reconcileOpts) (ReconcileResult, error) {
	res := ReconcileResult{ParentId: parentId}
	err := e.parents.WithParentLock(ctx, parentId, func(tx models.LockedParent) error {
		parent := tx.Parent()
		res.PreviousQuantity = parent.DeclaredQuantity
		if !parent.IsSerialized && !opts.assumeSerialized[parentId] {
			res.NotSerialized = true
			res.CorrectedQuantity = parent.DeclaredQuantity
			return nil
		}

		children, err := tx.ActiveChildren(ctx)
		if err != nil {
			return err
		}
		count := CountActiveChildren(children, opts.state)
		res.ChildCount = count
		res.CorrectedQuantity = count
		res.Drift = count - parent.DeclaredQuantity
		if opts.dryRun {
			return nil
		}

		now := e.now()
		if res.Drift == 0 {
			return tx.TouchReconciled(ctx, now)
		}
		if err := tx.UpdateDeclaredQuantity(ctx, count, now); err != nil {
			return err
		}
		return tx.RecordDrift(ctx, &models.ParentQuantityDrift{
			ParentId:          parentId,
			RunId:             opts.runId,
			PreviousQuantity:  res.PreviousQuantity,
			CorrectedQuantity: count,
			ChildCount:        count,
			CorrectedAt:       now,
		})
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	if res.Drift != 0 && !opts.dryRun {
		e.metrics.ParentCorrections.Inc()
		e.log().WithFields(logrus.Fields{
			"parent_id": parentId,
			"run_id":    opts.runId,
			"previous":  res.PreviousQuantity,
			"corrected": res.CorrectedQuantity,
		}).Info("parent quantity corrected")
	}
	return res, nil
}

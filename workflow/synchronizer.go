package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/graph-gophers/dataloader/v7"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
	"golang.org/x/sync/errgroup"
)

const presenceBatchSize = 500

// presenceReader batches identifier lookups against the sync target.
type presenceReader struct {
	store UnitStore
}

func (r *presenceReader) getPresence(ctx context.Context, identifiers []string) []*dataloader.Result[[]models.SerializedUnit] {
	found, err := r.store.FindByIdentifiers(ctx, identifiers)
	results := make([]*dataloader.Result[[]models.SerializedUnit], len(identifiers))
	for i, ident := range identifiers {
		if err != nil {
			results[i] = &dataloader.Result[[]models.SerializedUnit]{Error: err}
			continue
		}
		results[i] = &dataloader.Result[[]models.SerializedUnit]{Data: found[ident]}
	}
	return results
}

func newPresenceLoader(target UnitStore) *dataloader.Loader[string, []models.SerializedUnit] {
	reader := &presenceReader{store: target}
	return dataloader.NewBatchedLoader(reader.getPresence,
		dataloader.WithWait[string, []models.SerializedUnit](time.Millisecond),
		dataloader.WithBatchCapacity[string, []models.SerializedUnit](presenceBatchSize),
	)
}

type syncOpts struct {
	dryRun  bool
	stateOf func(models.SerializedUnit) serial.Status
}

func (o syncOpts) state(u models.SerializedUnit) serial.Status {
	if o.stateOf == nil {
		return storedState(u)
	}
	return o.stateOf(u)
}

// SyncValidUnits promotes every valid source-store unit into the target store
// using the stored validation states. Quarantined units stay where they are.
func (e *Engine) SyncValidUnits(ctx context.Context) (SyncResult, []*RowError, error) {
	source, _ := e.syncPair()
	units, err := source.ListUnits(ctx, models.UnitFilter{})
	if err != nil {
		return SyncResult{}, nil, &ConnectivityError{Stage: StageSyncStores, Err: err}
	}
	return e.syncUnits(ctx, units, syncOpts{dryRun: e.settings.DryRun})
}

func (e *Engine) syncUnits(ctx context.Context, units []models.SerializedUnit, opts syncOpts) (SyncResult, []*RowError, error) {
	source, target := e.syncPair()
	result := SyncResult{Direction: e.settings.SyncDirection}

	candidates := map[string]models.SerializedUnit{}
	for _, u := range units {
		if u.Store != source.Origin() {
			continue
		}
		if opts.state(u) != serial.StatusValid {
			result.SkippedInvalid++
			continue
		}
		ident := u.NormalizedIdentifier()
		if prev, ok := candidates[ident]; ok {
			// two valid source records of one linked unit; the lower id carries it
			result.SkippedAlreadyPresent++
			if u.Id > prev.Id {
				continue
			}
		}
		candidates[ident] = u
	}
	if len(candidates) == 0 {
		return result, nil, nil
	}

	idents := make([]string, 0, len(candidates))
	for ident := range candidates {
		idents = append(idents, ident)
	}
	sort.Strings(idents)

	present, errs := newPresenceLoader(target).LoadMany(ctx, idents)()
	for _, err := range errs {
		if err != nil {
			return result, nil, &ConnectivityError{Stage: StageSyncStores, Err: err}
		}
	}

	var (
		mu    sync.Mutex
		skips []*RowError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.settings.Workers)
	for i, ident := range idents {
		unit := candidates[ident]
		matches := present[i]
		g.Go(func() error {
			outcome, err := e.syncOne(gctx, source, target, unit, matches, opts.dryRun)
			if err != nil {
				err = classify(StageSyncStores, "unit", unit.Ref(), err)
				var rowErr *RowError
				if !errors.As(err, &rowErr) {
					return err
				}
				e.logRowError(StageSyncStores, rowErr)
				mu.Lock()
				skips = append(skips, rowErr)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			switch outcome {
			case syncCopied:
				result.Copied++
			case syncAdopted:
				result.SkippedAlreadyPresent++
				result.Linked++
			case syncPresent:
				result.SkippedAlreadyPresent++
			}
			mu.Unlock()
			e.metrics.UnitsSynced.WithLabelValues(string(outcome)).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, nil, err
	}
	sort.Slice(skips, func(i, j int) bool { return skips[i].EntityId < skips[j].EntityId })
	return result, skips, nil
}

type syncOutcome string

const (
	syncCopied  syncOutcome = "copied"
	syncPresent syncOutcome = "already_present"
	syncAdopted syncOutcome = "adopted"
)

// syncOne copies one unit unless the target already holds its identifier.
// An unlinked pair that clearly describes the same unit is linked instead.
func (e *Engine) syncOne(ctx context.Context, source, target UnitStore, unit models.SerializedUnit, matches []models.SerializedUnit, dryRun bool) (syncOutcome, error) {
	if len(matches) > 0 {
		if dryRun || unit.LinkKey != nil || len(matches) != 1 ||
			matches[0].ParentId() != unit.ParentId() || matches[0].ValidationState == serial.StatusDuplicate {
			return syncPresent, nil
		}
		key := matches[0].LinkKeyValue()
		if key == "" {
			key = e.newID()
			if err := target.SetLinkKey(ctx, matches[0].Id, key); err != nil {
				return "", err
			}
		}
		if err := source.SetLinkKey(ctx, unit.Id, key); err != nil {
			return "", err
		}
		return syncAdopted, nil
	}
	if dryRun {
		return syncCopied, nil
	}

	key := unit.LinkKeyValue()
	if key == "" {
		key = e.newID()
	}
	ident := unit.NormalizedIdentifier()
	cp := unit
	cp.Id = e.newID()
	cp.Store = target.Origin()
	cp.LinkKey = &key
	cp.SyncIdentity = &ident
	cp.ValidationState = serial.StatusValid
	cp.ValidationReason = serial.ReasonOK
	cp.CreatedAt = e.now()
	if err := target.InsertCopy(ctx, cp); err != nil {
		if errors.Is(err, models.ErrAlreadyPresent) {
			return syncPresent, nil
		}
		return "", err
	}
	if unit.LinkKey == nil {
		if err := source.SetLinkKey(ctx, unit.Id, key); err != nil {
			return "", err
		}
	}
	return syncCopied, nil
}

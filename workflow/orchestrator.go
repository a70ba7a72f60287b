package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mmdatafocus/imei_backend/appctx"
	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Stage string

const (
	StageStart            Stage = "start"
	StageValidateAll      Stage = "validate_all"
	StageDetectDuplicates Stage = "detect_duplicates"
	StagePersistLedger    Stage = "persist_ledger"
	StageReconcileParents Stage = "reconcile_parents"
	StageSyncStores       Stage = "sync_stores"
	StageReport           Stage = "report"
	StageDone             Stage = "done"
)

// Pipeline is the fixed stage order. Each stage is a barrier for the next.
var Pipeline = []Stage{
	StageValidateAll,
	StageDetectDuplicates,
	StagePersistLedger,
	StageReconcileParents,
	StageSyncStores,
	StageReport,
}

// durable stages write state and are skipped on resume once completed.
// The in-memory stages are always recomputed.
func (s Stage) durable() bool {
	switch s {
	case StagePersistLedger, StageReconcileParents, StageSyncStores, StageReport:
		return true
	}
	return false
}

func ParseStage(raw string) (Stage, bool) {
	for _, s := range Pipeline {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

type RunOptions struct {
	Trigger string
	// Identifier scopes the run to the records carrying it; empty runs everything.
	Identifier string
	DryRun     bool
	// Rebuild truncates the ledger before persisting. Ignored for scoped runs.
	Rebuild bool
}

type runState struct {
	run      *models.ReconciliationRun
	report   *RunReport
	scope    string
	dryRun   bool
	resuming bool
	pop      *population
	// parents counted as serialized before the flag is written (dry runs)
	assume map[string]bool
}

func runLockKey(scope string) string {
	if scope == "" {
		return "imei-engine:run"
	}
	return "imei-engine:run:" + scope
}

// Run executes the full pipeline. Only one full run, and one run per scoped
// identifier, may execute at a time; others get ErrRunInProgress.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	scope := serial.Normalize(opts.Identifier)
	if opts.Identifier != "" && scope == "" {
		return nil, ErrEmptyScope
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = models.RunTriggerManual
	}

	release, err := e.locker.Obtain(ctx, runLockKey(scope), e.settings.LockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	now := e.now()
	correlationId, _ := appctx.GetString(ctx, appctx.ContextKeyCorrelationId)
	run := &models.ReconciliationRun{
		ID:              e.newID(),
		Trigger:         trigger,
		ScopeIdentifier: scope,
		DryRun:          opts.DryRun || e.settings.DryRun,
		Rebuild:         opts.Rebuild && scope == "",
		Status:          models.RunStatusRunning,
		CorrelationId:   correlationId,
		StartedAt:       now,
	}
	st := &runState{
		run:    run,
		scope:  scope,
		dryRun: run.DryRun,
		report: &RunReport{
			RunId:     run.ID,
			Trigger:   trigger,
			Scope:     scope,
			DryRun:    run.DryRun,
			Rebuild:   run.Rebuild,
			Status:    models.RunStatusRunning,
			StartedAt: now,
			Reasons:   map[string]int{},
		},
	}
	if err := e.runs.Create(ctx, run); err != nil {
		return nil, &ConnectivityError{Stage: StageStart, Err: err}
	}
	e.log().WithFields(logrus.Fields{
		"run_id":  run.ID,
		"trigger": trigger,
		"scope":   scope,
		"dry_run": run.DryRun,
	}).Info("reconciliation run started")
	return e.execute(ctx, st)
}

// RunScoped is the intake fast path: the same pipeline over one identifier.
func (e *Engine) RunScoped(ctx context.Context, identifier string, trigger string) (*RunReport, error) {
	if serial.Normalize(identifier) == "" {
		return nil, ErrEmptyScope
	}
	if trigger == "" {
		trigger = models.RunTriggerIntake
	}
	return e.Run(ctx, RunOptions{Trigger: trigger, Identifier: identifier})
}

// Resume continues a failed or cancelled run from its resume point. A run
// left in running state by a crashed process is resumable once its lock is free.
func (e *Engine) Resume(ctx context.Context, runId string) (*RunReport, error) {
	run, err := e.runs.Get(ctx, runId)
	if err != nil {
		return nil, err
	}
	release, err := e.locker.Obtain(ctx, runLockKey(run.ScopeIdentifier), e.settings.LockTTL)
	if err != nil {
		return nil, err
	}
	defer release()

	// re-read under the lock
	run, err = e.runs.Get(ctx, runId)
	if err != nil {
		return nil, err
	}
	switch run.Status {
	case models.RunStatusFailed, models.RunStatusCancelled, models.RunStatusRunning:
	default:
		return nil, ErrRunNotResumable
	}

	report := &RunReport{}
	if len(run.ReportJSON) > 0 {
		if err := json.Unmarshal(run.ReportJSON, report); err != nil {
			config.LogError(e.logger, "workflow", "Resume", "decode checkpoint report", run.ID, err)
			report = &RunReport{}
		}
	}
	report.RunId = run.ID
	report.Trigger = run.Trigger
	report.Scope = run.ScopeIdentifier
	report.DryRun = run.DryRun
	report.Rebuild = run.Rebuild
	report.Status = models.RunStatusRunning
	report.ResumePoint = ""
	report.Error = ""
	report.EndedAt = nil
	if report.Reasons == nil {
		report.Reasons = map[string]int{}
	}
	if report.StartedAt.IsZero() {
		report.StartedAt = run.StartedAt
	}
	if len(report.CompletedStages) == 0 {
		// no usable checkpoint report; fall back to the run row
		if last, ok := ParseStage(run.LastCompletedStage); ok {
			for _, s := range Pipeline {
				report.markCompleted(s)
				if s == last {
					break
				}
			}
		}
	}

	run.Status = models.RunStatusRunning
	run.ResumePoint = ""
	run.ErrorMessage = nil
	run.FinishedAt = nil
	if err := e.runs.Save(ctx, run); err != nil {
		return nil, &ConnectivityError{Stage: StageStart, Err: err}
	}
	e.log().WithFields(logrus.Fields{
		"run_id":          run.ID,
		"completed":       report.CompletedStages,
		"last_checkpoint": run.LastCompletedStage,
	}).Info("reconciliation run resumed")

	st := &runState{
		run:      run,
		report:   report,
		scope:    run.ScopeIdentifier,
		dryRun:   run.DryRun,
		resuming: true,
	}
	return e.execute(ctx, st)
}

// execute drives the stages. Cancellation is observed between stages only;
// a stage in flight runs to completion on a context that is not cancelled.
func (e *Engine) execute(ctx context.Context, st *runState) (*RunReport, error) {
	workCtx := context.WithoutCancel(ctx)
	workCtx = appctx.Set(workCtx, appctx.ContextKeyRunId, st.run.ID)
	for _, stage := range Pipeline {
		if ctx.Err() != nil {
			return e.cancel(workCtx, st, stage)
		}
		if st.resuming && stage.durable() && st.report.hasCompleted(stage) {
			e.log().WithFields(logrus.Fields{"run_id": st.run.ID, "stage": stage}).Info("stage already completed, skipping")
			continue
		}
		if err := e.runStage(workCtx, st, stage); err != nil {
			return e.fail(workCtx, st, stage, err)
		}
		st.report.markCompleted(stage)
		st.run.LastCompletedStage = string(stage)
		if err := e.checkpoint(workCtx, st); err != nil {
			return e.fail(workCtx, st, nextStage(stage), err)
		}
	}
	return e.finish(workCtx, st)
}

func nextStage(s Stage) Stage {
	for i, p := range Pipeline {
		if p == s && i+1 < len(Pipeline) {
			return Pipeline[i+1]
		}
	}
	return StageDone
}

func (e *Engine) runStage(ctx context.Context, st *runState, stage Stage) error {
	ctx, span := tracer.Start(ctx, "workflow."+string(stage), trace.WithAttributes(
		attribute.String("run_id", st.run.ID),
		attribute.String("scope", st.scope),
		attribute.Bool("dry_run", st.dryRun),
	))
	defer span.End()
	started := time.Now()
	defer func() {
		e.metrics.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(started).Seconds())
	}()

	var err error
	switch stage {
	case StageValidateAll:
		err = e.validateStage(ctx, st)
	case StageDetectDuplicates:
		err = e.detectStage(ctx, st)
	case StagePersistLedger:
		err = e.persistStage(ctx, st)
	case StageReconcileParents:
		err = e.reconcileStage(ctx, st)
	case StageSyncStores:
		err = e.syncStage(ctx, st)
	case StageReport:
		err = e.reportStage(ctx, st)
	default:
		err = fmt.Errorf("unknown stage %q", stage)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) validateStage(ctx context.Context, st *runState) error {
	pop, err := e.loadPopulation(ctx, st.scope)
	if err != nil {
		return err
	}
	st.pop = pop
	st.report.Records = len(pop.units)
	if st.resuming {
		st.report.dropSkips(StageValidateAll)
	}

	st.assume = map[string]bool{}
	if st.dryRun {
		for _, pid := range pop.parentIds {
			parent, err := e.parents.Get(ctx, pid)
			if errors.Is(err, models.ErrParentNotFound) {
				pop.missingParents[pid] = true
				continue
			}
			if err != nil {
				return err
			}
			if !parent.IsSerialized {
				st.assume[pid] = true
			}
		}
	} else {
		for _, chunk := range chunkStrings(pop.parentIds, 1000) {
			missing, err := e.parents.MarkSerialized(ctx, chunk, e.now())
			if err != nil {
				return err
			}
			for _, pid := range missing {
				pop.missingParents[pid] = true
			}
		}
	}

	for _, u := range pop.units {
		if pid := u.ParentId(); pid != "" && pop.missingParents[pid] {
			rowErr := &RowError{
				Code:       CodeOrphanReference,
				EntityType: "unit",
				EntityId:   u.Ref(),
				Err:        fmt.Errorf("%w: %s", models.ErrParentNotFound, pid),
			}
			if err := e.skip(ctx, st, StageValidateAll, rowErr); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) detectStage(_ context.Context, st *runState) error {
	st.pop.resolve(e.primaryOrigin())
	counts, reasons := st.pop.counts()
	st.report.Counts = counts
	st.report.Reasons = reasons
	st.report.HealthScore = HealthScore(counts)
	return nil
}

func (e *Engine) persistStage(ctx context.Context, st *runState) error {
	records := st.pop.ledgerRecords(st.run.ID, e.now)
	updates := st.pop.stateUpdates()
	st.report.LedgerRows = len(records)
	st.report.UnitStatesChanged = 0
	for _, ups := range updates {
		st.report.UnitStatesChanged += len(ups)
	}
	if st.dryRun {
		return nil
	}

	if st.run.Rebuild {
		if err := e.ledger.Truncate(ctx); err != nil {
			return err
		}
	}
	if err := e.ledger.Upsert(ctx, records); err != nil {
		if models.IsConnectivityError(err) {
			return err
		}
		// isolate the offending rows
		for _, rec := range records {
			err := e.ledger.Upsert(ctx, []models.ValidationRecord{rec})
			if err := e.rowOrFatal(ctx, st, StagePersistLedger, "identifier", rec.Identifier, err); err != nil {
				return err
			}
		}
	}

	for _, origin := range []models.StoreOrigin{models.StoreLegacy, models.StoreVariant} {
		ups := updates[origin]
		if len(ups) == 0 {
			continue
		}
		store := e.store(origin)
		if err := store.UpdateValidation(ctx, ups); err != nil {
			if models.IsConnectivityError(err) {
				return err
			}
			for _, up := range ups {
				err := store.UpdateValidation(ctx, []models.ValidationUpdate{up})
				if err := e.rowOrFatal(ctx, st, StagePersistLedger, "unit", models.UnitRef(origin, up.Id), err); err != nil {
					return err
				}
			}
		}
	}

	if e.cache != nil {
		idents := make([]string, 0, len(records))
		for _, rec := range records {
			idents = append(idents, rec.Identifier)
		}
		e.cache.Invalidate(ctx, idents...)
	}
	return nil
}

func (e *Engine) reconcileStage(ctx context.Context, st *runState) error {
	var ids []string
	if st.scope == "" {
		serialized, err := e.parents.SerializedParentIds(ctx)
		if err != nil {
			return err
		}
		ids = serialized
		for pid := range st.assume {
			ids = append(ids, pid)
		}
	} else {
		for _, pid := range st.pop.parentIds {
			if !st.pop.missingParents[pid] {
				ids = append(ids, pid)
			}
		}
	}
	ids = uniqueSorted(ids)

	results, skips, err := e.reconcileParents(ctx, ids, reconcileOpts{
		runId:            st.run.ID,
		dryRun:           st.dryRun,
		stateOf:          st.pop.stateOrStored,
		assumeSerialized: st.assume,
	})
	if err != nil {
		return err
	}
	for _, rowErr := range skips {
		if err := e.recordSkip(ctx, st, StageReconcileParents, rowErr); err != nil {
			return err
		}
	}

	st.report.ParentsChecked = 0
	st.report.ParentsCorrected = 0
	st.report.Drifts = nil
	for _, res := range results {
		if res.NotSerialized {
			continue
		}
		st.report.ParentsChecked++
		if res.Drift != 0 {
			st.report.ParentsCorrected++
			st.report.Drifts = append(st.report.Drifts, res)
		}
	}
	return nil
}

func (e *Engine) syncStage(ctx context.Context, st *runState) error {
	// orphans were already reported during validation and must not spread
	units := make([]models.SerializedUnit, 0, len(st.pop.units))
	for _, u := range st.pop.units {
		if pid := u.ParentId(); pid != "" && st.pop.missingParents[pid] {
			continue
		}
		units = append(units, u)
	}
	result, skips, err := e.syncUnits(ctx, units, syncOpts{
		dryRun:  st.dryRun,
		stateOf: st.pop.stateOrStored,
	})
	if err != nil {
		return err
	}
	for _, rowErr := range skips {
		if err := e.recordSkip(ctx, st, StageSyncStores, rowErr); err != nil {
			return err
		}
	}
	st.report.Sync = result
	return nil
}

func (e *Engine) reportStage(ctx context.Context, st *runState) error {
	if st.dryRun || st.scope != "" {
		return nil
	}
	fp, err := e.ledger.Fingerprint(ctx)
	if err != nil {
		return err
	}
	st.report.LedgerFingerprint = fp
	for state, n := range st.report.Counts.ByState() {
		e.metrics.IdentifiersByState.WithLabelValues(string(state)).Set(float64(n))
	}
	return nil
}

// rowOrFatal records a row-scoped error as a skip and passes fatal ones through.
func (e *Engine) rowOrFatal(ctx context.Context, st *runState, stage Stage, entityType, entityId string, err error) error {
	if err == nil {
		return nil
	}
	err = classify(stage, entityType, entityId, err)
	var rowErr *RowError
	if !errors.As(err, &rowErr) {
		return err
	}
	return e.skip(ctx, st, stage, rowErr)
}

// skip logs a row error and records it on the run.
func (e *Engine) skip(ctx context.Context, st *runState, stage Stage, rowErr *RowError) error {
	e.logRowError(stage, rowErr)
	return e.recordSkip(ctx, st, stage, rowErr)
}

// recordSkip adds an already logged row error to the report and the skip table.
// Skips of recomputed in-memory stages are persisted once, on the first attempt.
func (e *Engine) recordSkip(ctx context.Context, st *runState, stage Stage, rowErr *RowError) error {
	st.report.Skipped = append(st.report.Skipped, SkippedRow{
		Stage:      stage,
		EntityType: rowErr.EntityType,
		EntityId:   rowErr.EntityId,
		Code:       rowErr.Code,
		Message:    rowErr.Err.Error(),
	})
	if st.resuming && !stage.durable() {
		return nil
	}
	return e.runs.RecordSkip(ctx, &models.ReconciliationSkip{
		RunId:      st.run.ID,
		Stage:      string(stage),
		EntityType: rowErr.EntityType,
		EntityId:   rowErr.EntityId,
		ErrorCode:  rowErr.Code,
		Message:    rowErr.Err.Error(),
	})
}

func (e *Engine) checkpoint(ctx context.Context, st *runState) error {
	raw, err := json.Marshal(st.report)
	if err != nil {
		return err
	}
	st.run.ReportJSON = raw
	return e.runs.Save(ctx, st.run)
}

func (e *Engine) finish(ctx context.Context, st *runState) (*RunReport, error) {
	now := e.now()
	st.run.Status = models.RunStatusSucceeded
	st.run.LastCompletedStage = string(StageDone)
	st.run.ResumePoint = ""
	st.run.FinishedAt = &now
	st.report.Status = models.RunStatusSucceeded
	st.report.EndedAt = &now
	if err := e.checkpoint(ctx, st); err != nil {
		config.LogError(e.logger, "workflow", "finish", "save final run state", st.run.ID, err)
		return st.report, &ConnectivityError{Stage: StageDone, Err: err}
	}
	e.metrics.RunsTotal.WithLabelValues(models.RunStatusSucceeded, st.run.Trigger).Inc()

	if !st.dryRun {
		for _, sink := range e.sinks {
			if err := sink.Publish(ctx, st.report); err != nil {
				config.LogError(e.logger, "workflow", "finish", "publish report to "+sink.Name(), st.run.ID, err)
			}
		}
	}
	e.log().WithFields(logrus.Fields{
		"run_id":            st.run.ID,
		"valid":             st.report.Counts.Valid,
		"invalid":           st.report.Counts.Invalid,
		"duplicate":         st.report.Counts.Duplicate,
		"empty":             st.report.Counts.Empty,
		"parents_corrected": st.report.ParentsCorrected,
		"copied":            st.report.Sync.Copied,
		"skipped":           len(st.report.Skipped),
		"health_score":      st.report.HealthScore.StringFixed(2),
	}).Info("reconciliation run finished")
	return st.report, nil
}

// fail halts the run at stage. The stage becomes the resume point.
func (e *Engine) fail(ctx context.Context, st *runState, stage Stage, cause error) (*RunReport, error) {
	if models.IsConnectivityError(cause) && !isFatal(cause) {
		cause = &ConnectivityError{Stage: stage, Err: cause}
	}
	now := e.now()
	msg := cause.Error()
	st.run.Status = models.RunStatusFailed
	st.run.ResumePoint = string(stage)
	st.run.ErrorMessage = &msg
	st.run.FinishedAt = &now
	st.report.Status = models.RunStatusFailed
	st.report.ResumePoint = stage
	st.report.Error = msg
	st.report.EndedAt = &now
	if err := e.checkpoint(ctx, st); err != nil {
		config.LogError(e.logger, "workflow", "fail", "save failed run state", st.run.ID, err)
	}
	e.metrics.RunsTotal.WithLabelValues(models.RunStatusFailed, st.run.Trigger).Inc()
	config.LogError(e.logger, "workflow", "execute", "run halted at "+string(stage), st.run.ID, cause)
	return st.report, cause
}

func (e *Engine) cancel(ctx context.Context, st *runState, stage Stage) (*RunReport, error) {
	now := e.now()
	st.run.Status = models.RunStatusCancelled
	st.run.ResumePoint = string(stage)
	st.run.FinishedAt = &now
	st.report.Status = models.RunStatusCancelled
	st.report.ResumePoint = stage
	st.report.EndedAt = &now
	if err := e.checkpoint(ctx, st); err != nil {
		config.LogError(e.logger, "workflow", "cancel", "save cancelled run state", st.run.ID, err)
	}
	e.metrics.RunsTotal.WithLabelValues(models.RunStatusCancelled, st.run.Trigger).Inc()
	e.log().WithFields(logrus.Fields{"run_id": st.run.ID, "resume_point": stage}).Warn("reconciliation run cancelled")
	return st.report, ErrRunCancelled
}

func (p *population) stateOrStored(u models.SerializedUnit) serial.Status {
	if st, ok := p.stateOf(u); ok {
		return st.State
	}
	return u.ValidationState
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(in); start += size {
		out = append(out, in[start:min(start+size, len(in))])
	}
	return out
}

func uniqueSorted(in []string) []string {
	sort.Strings(in)
	out := make([]string, 0, len(in))
	for _, s := range in {
		if len(out) > 0 && out[len(out)-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}

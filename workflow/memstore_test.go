package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
	"github.com/sirupsen/logrus"
)

// memWorld is an in-memory inventory: both unit stores, parents, ledger and runs.
type memWorld struct {
	mu       sync.Mutex
	units    map[models.StoreOrigin]map[string]models.SerializedUnit
	parents  map[string]*models.ParentSku
	drifts   []models.ParentQuantityDrift
	ledger   map[string]models.ValidationRecord
	runs     map[string]models.ReconciliationRun
	skips    []models.ReconciliationSkip
	failures map[string]error
	hooks    map[string]func()
	writes   int

	parentLocks sync.Map
}

func newMemWorld() *memWorld {
	return &memWorld{
		units: map[models.StoreOrigin]map[string]models.SerializedUnit{
			models.StoreVariant: {},
			models.StoreLegacy:  {},
		},
		parents:  map[string]*models.ParentSku{},
		ledger:   map[string]models.ValidationRecord{},
		runs:     map[string]models.ReconciliationRun{},
		failures: map[string]error{},
		hooks:    map[string]func(){},
	}
}

var errDatastoreDown = fmt.Errorf("dial tcp 127.0.0.1:3306: %w", models.ErrDatastoreUnavailable)

// check runs the hook and returns the injected failure for op, if any. Callers hold w.mu.
func (w *memWorld) check(op string) error {
	if h := w.hooks[op]; h != nil {
		h()
	}
	return w.failures[op]
}

func (w *memWorld) failOn(op string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failures[op] = err
}

func (w *memWorld) heal(op string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.failures, op)
}

func (w *memWorld) onCall(op string, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks[op] = fn
}

func (w *memWorld) writeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writes
}

func strPtr(s string) *string { return &s }

func (w *memWorld) addParent(id string, qty int, serialized bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.parents[id] = &models.ParentSku{Id: id, Name: "Parent " + id, Sku: "SKU-" + id, DeclaredQuantity: qty, IsSerialized: serialized}
}

type unitOpt func(*models.SerializedUnit)

func withParent(id string) unitOpt {
	return func(u *models.SerializedUnit) { u.OwnerParentId = strPtr(id) }
}

func withStatus(s models.UnitStatus) unitOpt {
	return func(u *models.SerializedUnit) { u.Status = s }
}

func withLink(key string) unitOpt {
	return func(u *models.SerializedUnit) { u.LinkKey = strPtr(key) }
}

func usedAt(t time.Time) unitOpt {
	return func(u *models.SerializedUnit) { u.LastActivityAt = &t }
}

func createdAt(t time.Time) unitOpt {
	return func(u *models.SerializedUnit) { u.CreatedAt = t }
}

func noIdentifier() unitOpt {
	return func(u *models.SerializedUnit) { u.Identifier = nil }
}

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func (w *memWorld) addUnit(store models.StoreOrigin, id, identifier string, opts ...unitOpt) {
	u := models.SerializedUnit{
		Id:         id,
		Store:      store,
		ProductId:  "prod-1",
		Identifier: strPtr(identifier),
		Status:     models.UnitStatusActive,
		CreatedAt:  baseTime,
	}
	for _, opt := range opts {
		opt(&u)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.units[store][id] = u
}

func (w *memWorld) unit(store models.StoreOrigin, id string) models.SerializedUnit {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.units[store][id]
}

func (w *memWorld) unitsIn(store models.StoreOrigin) []models.SerializedUnit {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.SerializedUnit, 0, len(w.units[store]))
	for _, u := range w.units[store] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out
}

func (w *memWorld) parent(id string) models.ParentSku {
	w.mu.Lock()
	defer w.mu.Unlock()
	return *w.parents[id]
}

func (w *memWorld) driftRows() []models.ParentQuantityDrift {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]models.ParentQuantityDrift(nil), w.drifts...)
}

func (w *memWorld) ledgerRow(ident string) (models.ValidationRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.ledger[ident]
	return r, ok
}

func (w *memWorld) ledgerSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ledger)
}

func (w *memWorld) activeChildren(parentId string) []models.SerializedUnit {
	var out []models.SerializedUnit
	for _, store := range []models.StoreOrigin{models.StoreVariant, models.StoreLegacy} {
		for _, u := range w.units[store] {
			if u.ParentId() == parentId && u.Status == models.UnitStatusActive {
				out = append(out, u)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}

// memUnitStore is one store of a memWorld.
type memUnitStore struct {
	w      *memWorld
	origin models.StoreOrigin
}

func (s *memUnitStore) op(name string) string { return string(s.origin) + "." + name }

func (s *memUnitStore) Origin() models.StoreOrigin { return s.origin }

func (s *memUnitStore) ListUnits(_ context.Context, f models.UnitFilter) ([]models.SerializedUnit, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check(s.op("ListUnits")); err != nil {
		return nil, err
	}
	var out []models.SerializedUnit
	for _, u := range s.w.units[s.origin] {
		if f.Identifier != "" && u.NormalizedIdentifier() != serial.Normalize(f.Identifier) {
			continue
		}
		if f.ParentId != "" && u.ParentId() != f.ParentId {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (s *memUnitStore) FindByIdentifiers(_ context.Context, identifiers []string) (map[string][]models.SerializedUnit, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check(s.op("FindByIdentifiers")); err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, id := range identifiers {
		want[serial.Normalize(id)] = true
	}
	out := map[string][]models.SerializedUnit{}
	for _, u := range s.w.units[s.origin] {
		if ident := u.NormalizedIdentifier(); want[ident] {
			out[ident] = append(out[ident], u)
		}
	}
	return out, nil
}

func (s *memUnitStore) Get(_ context.Context, id string) (*models.SerializedUnit, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check(s.op("Get")); err != nil {
		return nil, err
	}
	u, ok := s.w.units[s.origin][id]
	if !ok {
		return nil, models.ErrUnitNotFound
	}
	return &u, nil
}

func (s *memUnitStore) UpdateValidation(_ context.Context, updates []models.ValidationUpdate) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check(s.op("UpdateValidation")); err != nil {
		return err
	}
	for _, up := range updates {
		u, ok := s.w.units[s.origin][up.Id]
		if !ok {
			continue
		}
		u.ValidationState = up.State
		u.ValidationReason = up.Reason
		s.w.units[s.origin][up.Id] = u
		s.w.writes++
	}
	return nil
}

func (s *memUnitStore) InsertCopy(_ context.Context, u models.SerializedUnit) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check(s.op("InsertCopy")); err != nil {
		return err
	}
	if u.SyncIdentity != nil {
		for _, existing := range s.w.units[s.origin] {
			if existing.SyncIdentity != nil && *existing.SyncIdentity == *u.SyncIdentity {
				return models.ErrAlreadyPresent
			}
		}
	}
	u.Store = s.origin
	s.w.units[s.origin][u.Id] = u
	s.w.writes++
	return nil
}

func (s *memUnitStore) SetLinkKey(_ context.Context, id string, linkKey string) error {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check(s.op("SetLinkKey")); err != nil {
		return err
	}
	u, ok := s.w.units[s.origin][id]
	if !ok {
		return nil
	}
	u.LinkKey = strPtr(linkKey)
	s.w.units[s.origin][id] = u
	s.w.writes++
	return nil
}

func (s *memUnitStore) SetStatusByLinkKey(_ context.Context, linkKey string, status models.UnitStatus, at time.Time) (int64, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check(s.op("SetStatusByLinkKey")); err != nil {
		return 0, err
	}
	var n int64
	for id, u := range s.w.units[s.origin] {
		if u.LinkKeyValue() != linkKey {
			continue
		}
		u.Status = status
		if status == models.UnitStatusSold || status == models.UnitStatusReturned {
			t := at
			u.LastActivityAt = &t
		}
		s.w.units[s.origin][id] = u
		n++
	}
	s.w.writes += int(n)
	return n, nil
}

func (s *memUnitStore) ApplyStatus(_ context.Context, c models.StatusChange) (*models.SerializedUnit, bool, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check(s.op("ApplyStatus")); err != nil {
		return nil, false, err
	}
	u, ok := s.w.units[s.origin][c.Id]
	created := false
	if !ok {
		if !c.CreateIfMissing {
			return nil, false, models.ErrUnitNotFound
		}
		u = models.SerializedUnit{Id: c.Id, Store: s.origin, ProductId: c.ProductId, CreatedAt: c.At}
		created = true
	}
	u.Status = c.Status
	if c.ParentId != nil && u.OwnerParentId == nil {
		u.OwnerParentId = c.ParentId
	}
	if c.Identifier != nil && u.Identifier == nil {
		u.Identifier = c.Identifier
	}
	if c.Status == models.UnitStatusSold || c.Status == models.UnitStatusReturned {
		t := c.At
		u.LastActivityAt = &t
	}
	s.w.units[s.origin][c.Id] = u
	s.w.writes++
	return &u, created, nil
}

type memParentStore struct {
	w *memWorld
}

func (s *memParentStore) SerializedParentIds(_ context.Context) ([]string, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check("parents.SerializedParentIds"); err != nil {
		return nil, err
	}
	var ids []string
	for id, p := range s.w.parents {
		if p.IsSerialized {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memParentStore) Get(_ context.Context, parentId string) (*models.ParentSku, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	p, ok := s.w.parents[parentId]
	if !ok {
		return nil, models.ErrParentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memParentStore) ActiveChildren(_ context.Context, parentId string) ([]models.SerializedUnit, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return s.w.activeChildren(parentId), nil
}

func (s *memParentStore) MarkSerialized(_ context.Context, parentIds []string, at time.Time) ([]string, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	if err := s.w.check("parents.MarkSerialized"); err != nil {
		return nil, err
	}
	var missing []string
	for _, id := range parentIds {
		p, ok := s.w.parents[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if !p.IsSerialized {
			p.IsSerialized = true
			t := at
			p.SerializedSince = &t
			s.w.writes++
		}
	}
	return missing, nil
}

func (s *memParentStore) ListDrifts(_ context.Context, parentId string, limit int) ([]models.ParentQuantityDrift, error) {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	var out []models.ParentQuantityDrift
	for _, d := range s.w.drifts {
		if d.ParentId == parentId {
			out = append(out, d)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memParentStore) WithParentLock(_ context.Context, parentId string, fn func(tx models.LockedParent) error) error {
	lock, _ := s.w.parentLocks.LoadOrStore(parentId, &sync.Mutex{})
	lock.(*sync.Mutex).Lock()
	defer lock.(*sync.Mutex).Unlock()

	s.w.mu.Lock()
	err := s.w.check("parents.WithParentLock")
	p, ok := s.w.parents[parentId]
	var snapshot models.ParentSku
	if ok {
		snapshot = *p
	}
	s.w.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrParentNotFound
	}
	return fn(&memLockedParent{w: s.w, parent: snapshot})
}

type memLockedParent struct {
	w      *memWorld
	parent models.ParentSku
}

func (p *memLockedParent) Parent() models.ParentSku { return p.parent }

func (p *memLockedParent) ActiveChildren(_ context.Context) ([]models.SerializedUnit, error) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	return p.w.activeChildren(p.parent.Id), nil
}

func (p *memLockedParent) UpdateDeclaredQuantity(_ context.Context, quantity int, at time.Time) error {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if err := p.w.check("parents.UpdateDeclaredQuantity"); err != nil {
		return err
	}
	row := p.w.parents[p.parent.Id]
	row.DeclaredQuantity = quantity
	t := at
	row.LastReconciledAt = &t
	p.w.writes++
	return nil
}

func (p *memLockedParent) TouchReconciled(_ context.Context, at time.Time) error {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	t := at
	p.w.parents[p.parent.Id].LastReconciledAt = &t
	return nil
}

func (p *memLockedParent) RecordDrift(_ context.Context, drift *models.ParentQuantityDrift) error {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	drift.ID = uint(len(p.w.drifts) + 1)
	p.w.drifts = append(p.w.drifts, *drift)
	p.w.writes++
	return nil
}

type memLedger struct {
	w *memWorld
}

func (l *memLedger) Upsert(_ context.Context, records []models.ValidationRecord) error {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	if err := l.w.check("ledger.Upsert"); err != nil {
		return err
	}
	for _, r := range records {
		if bad := l.w.failures["ledger.Upsert:"+r.Identifier]; bad != nil {
			return bad
		}
	}
	for _, r := range records {
		l.w.ledger[r.Identifier] = r
		l.w.writes++
	}
	return nil
}

func (l *memLedger) Get(_ context.Context, identifier string) (*models.ValidationRecord, error) {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	r, ok := l.w.ledger[serial.Normalize(identifier)]
	if !ok {
		return nil, models.ErrLedgerNotFound
	}
	return &r, nil
}

func (l *memLedger) Query(_ context.Context, f models.LedgerFilter) ([]models.ValidationRecord, error) {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	var out []models.ValidationRecord
	for _, r := range l.w.ledger {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.SourceTable != "" && r.SourceTable != f.SourceTable {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out, nil
}

func (l *memLedger) Truncate(_ context.Context) error {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	l.w.ledger = map[string]models.ValidationRecord{}
	return nil
}

func (l *memLedger) CountByStatus(_ context.Context) (map[serial.Status]int, error) {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	out := map[serial.Status]int{}
	for _, r := range l.w.ledger {
		out[r.Status]++
	}
	return out, nil
}

func (l *memLedger) Fingerprint(_ context.Context) (string, error) {
	l.w.mu.Lock()
	defer l.w.mu.Unlock()
	if err := l.w.check("ledger.Fingerprint"); err != nil {
		return "", err
	}
	idents := make([]string, 0, len(l.w.ledger))
	for ident := range l.w.ledger {
		idents = append(idents, ident)
	}
	sort.Strings(idents)
	h := sha256.New()
	for _, ident := range idents {
		models.WriteLedgerFingerprint(h, l.w.ledger[ident])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

type memRuns struct {
	w *memWorld
}

func (r *memRuns) Create(_ context.Context, run *models.ReconciliationRun) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if err := r.w.check("runs.Create"); err != nil {
		return err
	}
	r.w.runs[run.ID] = *run
	return nil
}

func (r *memRuns) Save(_ context.Context, run *models.ReconciliationRun) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if err := r.w.check("runs.Save"); err != nil {
		return err
	}
	r.w.runs[run.ID] = *run
	return nil
}

func (r *memRuns) Get(_ context.Context, id string) (*models.ReconciliationRun, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	run, ok := r.w.runs[id]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	return &run, nil
}

func (r *memRuns) List(_ context.Context, limit int) ([]models.ReconciliationRun, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []models.ReconciliationRun
	for _, run := range r.w.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRuns) RecordSkip(_ context.Context, skip *models.ReconciliationSkip) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	skip.ID = uint(len(r.w.skips) + 1)
	r.w.skips = append(r.w.skips, *skip)
	return nil
}

func (r *memRuns) ListSkips(_ context.Context, runId string) ([]models.ReconciliationSkip, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []models.ReconciliationSkip
	for _, s := range r.w.skips {
		if s.RunId == runId {
			out = append(out, s)
		}
	}
	return out, nil
}

func (w *memWorld) run(id string) models.ReconciliationRun {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs[id]
}

type memDeduper struct {
	mu     sync.Mutex
	done   map[string]bool
	failed []string
}

func (d *memDeduper) Begin(_ context.Context, handler, messageId string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done[handler+"|"+messageId], nil
}

func (d *memDeduper) MarkSucceeded(_ context.Context, handler, messageId string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done[handler+"|"+messageId] = true
	return nil
}

func (d *memDeduper) MarkFailed(_ context.Context, handler, messageId string, _ error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed = append(d.failed, handler+"|"+messageId)
	return nil
}

type memCache struct {
	mu          sync.Mutex
	entries     map[string]ValidationStatus
	invalidated []string
}

func newMemCache() *memCache {
	return &memCache{entries: map[string]ValidationStatus{}}
}

func (c *memCache) Get(_ context.Context, identifier string) (*ValidationStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.entries[serial.Normalize(identifier)]
	if !ok {
		return nil, false
	}
	return &st, true
}

func (c *memCache) Set(_ context.Context, st ValidationStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[st.Identifier] = st
}

func (c *memCache) Invalidate(_ context.Context, identifiers ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ident := range identifiers {
		delete(c.entries, ident)
		c.invalidated = append(c.invalidated, ident)
	}
}

type memSink struct {
	mu      sync.Mutex
	reports []*RunReport
}

func (s *memSink) Name() string { return "mem" }

func (s *memSink) Publish(_ context.Context, r *RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return nil
}

func (w *memWorld) deps() Deps {
	return Deps{
		Variant: &memUnitStore{w: w, origin: models.StoreVariant},
		Legacy:  &memUnitStore{w: w, origin: models.StoreLegacy},
		Parents: &memParentStore{w: w},
		Ledger:  &memLedger{w: w},
		Runs:    &memRuns{w: w},
	}
}

func testSettings() config.EngineSettings {
	return config.EngineSettings{
		Workers:       4,
		SyncDirection: config.SyncVariantToLegacy,
		LockTTL:       time.Minute,
	}
}

func sequentialIDs() func() string {
	var n int64
	return func() string {
		return fmt.Sprintf("gen-%04d", atomic.AddInt64(&n, 1))
	}
}

func fixedClock() func() time.Time {
	return func() time.Time { return baseTime.Add(24 * time.Hour) }
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestEngine(t *testing.T, w *memWorld, mutate ...func(*Deps)) *Engine {
	t.Helper()
	deps := w.deps()
	for _, m := range mutate {
		m(&deps)
	}
	return NewEngine(deps,
		WithSettings(testSettings()),
		WithLogger(quietLogger()),
		WithClock(fixedClock()),
		WithIDGenerator(sequentialIDs()),
	)
}

func mustRun(t *testing.T, e *Engine, opts RunOptions) *RunReport {
	t.Helper()
	report, err := e.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != models.RunStatusSucceeded {
		t.Fatalf("run status %q, want succeeded", report.Status)
	}
	return report
}

func isConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

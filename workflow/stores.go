package workflow

import (
	"context"
	"time"

	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/serial"
)

// UnitStore is one of the two inventory stores holding serialized units.
// models.VariantUnitStore and models.LegacyUnitStore implement it.
type UnitStore interface {
	Origin() models.StoreOrigin
	ListUnits(ctx context.Context, f models.UnitFilter) ([]models.SerializedUnit, error)
	FindByIdentifiers(ctx context.Context, identifiers []string) (map[string][]models.SerializedUnit, error)
	Get(ctx context.Context, id string) (*models.SerializedUnit, error)
	UpdateValidation(ctx context.Context, updates []models.ValidationUpdate) error
	InsertCopy(ctx context.Context, u models.SerializedUnit) error
	SetLinkKey(ctx context.Context, id string, linkKey string) error
	SetStatusByLinkKey(ctx context.Context, linkKey string, status models.UnitStatus, at time.Time) (int64, error)
	ApplyStatus(ctx context.Context, c models.StatusChange) (*models.SerializedUnit, bool, error)
}

type ParentStore interface {
	SerializedParentIds(ctx context.Context) ([]string, error)
	Get(ctx context.Context, parentId string) (*models.ParentSku, error)
	ActiveChildren(ctx context.Context, parentId string) ([]models.SerializedUnit, error)
	MarkSerialized(ctx context.Context, parentIds []string, at time.Time) ([]string, error)
	ListDrifts(ctx context.Context, parentId string, limit int) ([]models.ParentQuantityDrift, error)
	WithParentLock(ctx context.Context, parentId string, fn func(tx models.LockedParent) error) error
}

type LedgerStore interface {
	Upsert(ctx context.Context, records []models.ValidationRecord) error
	Get(ctx context.Context, identifier string) (*models.ValidationRecord, error)
	Query(ctx context.Context, f models.LedgerFilter) ([]models.ValidationRecord, error)
	Truncate(ctx context.Context) error
	CountByStatus(ctx context.Context) (map[serial.Status]int, error)
	Fingerprint(ctx context.Context) (string, error)
}

type RunStore interface {
	Create(ctx context.Context, run *models.ReconciliationRun) error
	Save(ctx context.Context, run *models.ReconciliationRun) error
	Get(ctx context.Context, id string) (*models.ReconciliationRun, error)
	List(ctx context.Context, limit int) ([]models.ReconciliationRun, error)
	RecordSkip(ctx context.Context, skip *models.ReconciliationSkip) error
	ListSkips(ctx context.Context, runId string) ([]models.ReconciliationSkip, error)
}

// RunLocker gives a run exclusive ownership of its scope. Obtain returns
// ErrRunInProgress when another run holds the key.
type RunLocker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// StatusCache fronts the ledger for point lookups.
type StatusCache interface {
	Get(ctx context.Context, identifier string) (*ValidationStatus, bool)
	Set(ctx context.Context, status ValidationStatus)
	Invalidate(ctx context.Context, identifiers ...string)
}

// ReportSink receives the final report of every run that is not a dry run.
type ReportSink interface {
	Name() string
	Publish(ctx context.Context, report *RunReport) error
}

// EventDeduper guards at-least-once event delivery.
type EventDeduper interface {
	Begin(ctx context.Context, handlerName, messageId string) (skip bool, err error)
	MarkSucceeded(ctx context.Context, handlerName, messageId string) error
	MarkFailed(ctx context.Context, handlerName, messageId string, cause error) error
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Variant UnitStore
	Legacy  UnitStore
	Parents ParentStore
	Ledger  LedgerStore
	Runs    RunStore
	Locker  RunLocker
	Cache   StatusCache
	Deduper EventDeduper
	Sinks   []ReportSink
}

// DepsFromStores wires the MySQL stores into engine dependencies.
func DepsFromStores(s *models.Stores) Deps {
	return Deps{
		Variant: s.Variant,
		Legacy:  s.Legacy,
		Parents: s.Parents,
		Ledger:  s.Ledger,
		Runs:    s.Runs,
	}
}

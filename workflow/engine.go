package workflow

import (
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("imei-engine")

// Engine is the serialized-unit consistency engine. One Engine serves bulk
// runs, scoped intake runs, lifecycle events and read queries.
type Engine struct {
	variant  UnitStore
	legacy   UnitStore
	parents  ParentStore
	ledger   LedgerStore
	runs     RunStore
	locker   RunLocker
	cache    StatusCache
	deduper  EventDeduper
	sinks    []ReportSink
	settings config.EngineSettings
	logger   *logrus.Logger
	metrics  *config.EngineMetrics
	now      func() time.Time
	newID    func() string
}

type Option func(*Engine)

func WithSettings(s config.EngineSettings) Option {
	return func(e *Engine) { e.settings = s }
}

func WithLogger(l *logrus.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func NewEngine(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		variant:  deps.Variant,
		legacy:   deps.Legacy,
		parents:  deps.Parents,
		ledger:   deps.Ledger,
		runs:     deps.Runs,
		locker:   deps.Locker,
		cache:    deps.Cache,
		deduper:  deps.Deduper,
		sinks:    deps.Sinks,
		settings: config.LoadEngineSettings(),
		logger:   config.GetLogger(),
		metrics:  config.GetMetrics(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.locker == nil {
		e.locker = NewLocalRunLocker()
	}
	if e.settings.Workers < 1 {
		e.settings.Workers = 1
	}
	return e
}

func (e *Engine) Settings() config.EngineSettings {
	return e.settings
}

func (e *Engine) store(o models.StoreOrigin) UnitStore {
	if o == models.StoreLegacy {
		return e.legacy
	}
	return e.variant
}

// syncPair returns the source and target store of the configured direction.
func (e *Engine) syncPair() (source, target UnitStore) {
	if e.settings.SyncDirection == config.SyncLegacyToVariant {
		return e.legacy, e.variant
	}
	return e.variant, e.legacy
}

func (e *Engine) primaryOrigin() models.StoreOrigin {
	source, _ := e.syncPair()
	return source.Origin()
}

func (e *Engine) log() *logrus.Entry {
	return e.logger.WithField("module", "workflow")
}

package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EngineMetrics groups the Prometheus collectors of the reconciliation engine.
type EngineMetrics struct {
	RunsTotal          *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	IdentifiersByState *prometheus.GaugeVec
	ParentCorrections  prometheus.Counter
	UnitsSynced        *prometheus.CounterVec
	SkippedRows        *prometheus.CounterVec
	LifecycleEvents    *prometheus.CounterVec
	StatusCacheLookups *prometheus.CounterVec
}

var metrics = newEngineMetrics(prometheus.DefaultRegisterer)

func GetMetrics() *EngineMetrics {
	return metrics
}

func newEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	f := promauto.With(reg)
	return &EngineMetrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imei_engine_runs_total",
			Help: "Reconciliation runs by final status.",
		}, []string{"status", "trigger"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imei_engine_stage_duration_seconds",
			Help:    "Duration of each orchestrator stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		IdentifiersByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "imei_engine_identifiers",
			Help: "Logical units by validation state as of the last full run.",
		}, []string{"state"}),
		ParentCorrections: f.NewCounter(prometheus.CounterOpts{
			Name: "imei_engine_parent_corrections_total",
			Help: "Parent quantity corrections written by the reconciler.",
		}),
		UnitsSynced: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imei_engine_units_synced_total",
			Help: "Cross-store synchronizer outcomes.",
		}, []string{"outcome"}),
		SkippedRows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imei_engine_skipped_rows_total",
			Help: "Rows skipped by stage and error code.",
		}, []string{"stage", "code"}),
		LifecycleEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imei_engine_lifecycle_events_total",
			Help: "Unit lifecycle events by type and outcome.",
		}, []string{"type", "outcome"}),
		StatusCacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "imei_engine_status_cache_lookups_total",
			Help: "Validation status cache lookups.",
		}, []string{"result"}),
	}
}

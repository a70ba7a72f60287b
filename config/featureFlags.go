package config

import (
	"os"
	"runtime"
	"strings"
	"time"
)

type SyncDirection string

const (
	SyncVariantToLegacy SyncDirection = "variant_to_legacy"
	SyncLegacyToVariant SyncDirection = "legacy_to_variant"
)

// EngineSettings is the env-driven configuration of the reconciliation engine.
//
// Set via env:
// - ENGINE_WORKERS (default: number of CPUs, min 2)
// - ENGINE_DRY_RUN=true to report without writing
// - SYNC_DIRECTION=variant_to_legacy|legacy_to_variant
// - ENGINE_LOCK_TTL (default 2m, refreshed while a run holds it)
// - STATUS_CACHE_TTL (default 10m, 0 disables the validation status cache)
// - IMEI_LIFECYCLE_TOPIC, IMEI_REPORT_TOPIC
// - IMEI_RUN_TOPIC (queue full runs through Pub/Sub instead of running them in the request)
// - REPORT_BUCKET (archive run reports to GCS when set)
type EngineSettings struct {
	Workers        int
	DryRun         bool
	SyncDirection  SyncDirection
	LockTTL        time.Duration
	StatusCacheTTL time.Duration
	LifecycleTopic string
	ReportTopic    string
	RunTopic       string
	ReportBucket   string
}

func LoadEngineSettings() EngineSettings {
	workers := intFromEnv("ENGINE_WORKERS", runtime.NumCPU())
	if workers < 2 {
		workers = 2
	}
	return EngineSettings{
		Workers:        workers,
		DryRun:         boolFromEnv("ENGINE_DRY_RUN", false),
		SyncDirection:  ParseSyncDirection(os.Getenv("SYNC_DIRECTION")),
		LockTTL:        durationFromEnv("ENGINE_LOCK_TTL", 2*time.Minute),
		StatusCacheTTL: durationFromEnv("STATUS_CACHE_TTL", 10*time.Minute),
		LifecycleTopic: envDefault("IMEI_LIFECYCLE_TOPIC", "imei-unit-lifecycle"),
		ReportTopic:    strings.TrimSpace(os.Getenv("IMEI_REPORT_TOPIC")),
		RunTopic:       strings.TrimSpace(os.Getenv("IMEI_RUN_TOPIC")),
		ReportBucket:   strings.TrimSpace(os.Getenv("REPORT_BUCKET")),
	}
}

// ParseSyncDirection falls back to variant_to_legacy for unknown values.
func ParseSyncDirection(raw string) SyncDirection {
	switch SyncDirection(strings.ToLower(strings.TrimSpace(raw))) {
	case SyncLegacyToVariant:
		return SyncLegacyToVariant
	default:
		return SyncVariantToLegacy
	}
}

// PubSubPushEnabled gates the lifecycle event push endpoint.
//
// Set via env:
// - ENABLE_UNIT_EVENTS_PUSH_ENDPOINT=false
func PubSubPushEnabled() bool {
	return boolFromEnv("ENABLE_UNIT_EVENTS_PUSH_ENDPOINT", true)
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

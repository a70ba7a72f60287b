package unitsync

import (
	"context"
	"fmt"

	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/utils"
	"github.com/mmdatafocus/imei_backend/workflow"
	"gorm.io/gorm"
)

// BuildEngine wires the MySQL stores, run locker, status cache, event deduper
// and report sinks into an engine. Without Redis the run lock falls back to
// MySQL named locks and the status cache is off.
func BuildEngine(ctx context.Context, db *gorm.DB, settings config.EngineSettings, useRedis bool, opts ...workflow.Option) (*workflow.Engine, error) {
	deps := workflow.DepsFromStores(models.NewStores(db, config.GetDatastoreBreaker(models.IsConnectivityError)))
	deps.Deduper = workflow.NewGormDeduper(db)
	if useRedis {
		deps.Locker = workflow.NewRedisRunLocker(config.GetRedisLock())
		if settings.StatusCacheTTL > 0 {
			deps.Cache = workflow.NewRedisStatusCache(settings.StatusCacheTTL)
		}
	} else {
		deps.Locker = workflow.NewMySQLRunLocker(db)
	}

	sinks, err := ReportSinksFor(ctx, settings, config.PublishJSON)
	if err != nil {
		return nil, err
	}
	deps.Sinks = sinks

	return workflow.NewEngine(deps, append([]workflow.Option{workflow.WithSettings(settings)}, opts...)...), nil
}

// ReportSinksFor returns the sinks enabled by IMEI_REPORT_TOPIC and REPORT_BUCKET.
func ReportSinksFor(ctx context.Context, settings config.EngineSettings, publish PublishFunc) ([]workflow.ReportSink, error) {
	var sinks []workflow.ReportSink
	if settings.ReportTopic != "" {
		sinks = append(sinks, NewPubSubReportSink(settings.ReportTopic, publish))
	}
	if settings.ReportBucket != "" {
		client, err := utils.GetGCSClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("report bucket %s: %w", settings.ReportBucket, err)
		}
		sinks = append(sinks, NewGCSReportSink(client, settings.ReportBucket))
	}
	return sinks, nil
}

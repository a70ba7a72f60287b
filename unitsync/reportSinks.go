package unitsync

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/mmdatafocus/imei_backend/utils"
	"github.com/mmdatafocus/imei_backend/workflow"
)

// PubSubReportSink announces finished runs on a topic.
type PubSubReportSink struct {
	topic   string
	publish PublishFunc
}

func NewPubSubReportSink(topic string, publish PublishFunc) *PubSubReportSink {
	return &PubSubReportSink{topic: topic, publish: publish}
}

func (s *PubSubReportSink) Name() string { return "pubsub:" + s.topic }

func (s *PubSubReportSink) Publish(ctx context.Context, r *workflow.RunReport) error {
	_, err := s.publish(ctx, s.topic, r, map[string]string{
		"run_id":  r.RunId,
		"status":  r.Status,
		"trigger": r.Trigger,
	})
	return err
}

// GCSReportSink archives each finished report as JSON under
// reports/<yyyy>/<mm>/<dd>/<run id>.json.
type GCSReportSink struct {
	client *storage.Client
	bucket string
}

func NewGCSReportSink(client *storage.Client, bucket string) *GCSReportSink {
	return &GCSReportSink{client: client, bucket: bucket}
}

func (s *GCSReportSink) Name() string { return "gcs:" + s.bucket }

func (s *GCSReportSink) Publish(ctx context.Context, r *workflow.RunReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return utils.UploadBytesToGCS(ctx, s.client, s.bucket, ReportObjectName(r), "application/json", data)
}

func ReportObjectName(r *workflow.RunReport) string {
	return fmt.Sprintf("reports/%s/%s.json", r.StartedAt.UTC().Format("2006/01/02"), r.RunId)
}

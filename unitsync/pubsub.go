package unitsync

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/utils"
	"github.com/mmdatafocus/imei_backend/workflow"
	"github.com/sirupsen/logrus"
)

const pubsubActor = "pubsub"

// UnitEventPushHandler applies lifecycle events pushed by Pub/Sub. Malformed
// and permanently failing messages are acked with 204; transient failures
// answer 503 so Pub/Sub redelivers.
func (h *Handlers) UnitEventPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.PubSubPushEnabled() {
			c.Status(http.StatusNoContent)
			return
		}

		envelope, ok := h.readEnvelope(c, "UnitEventPushHandler")
		if !ok {
			return
		}

		var ev workflow.UnitLifecycleEvent
		if err := json.Unmarshal(envelope.Message.Data, &ev); err != nil {
			config.LogError(h.logger, "unitsync", "UnitEventPushHandler", "decode event", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}
		if ev.EventId == "" {
			ev.EventId = envelope.Message.ID
		}
		if err := utils.ValidateStruct(ev); err != nil {
			config.LogError(h.logger, "unitsync", "UnitEventPushHandler", "invalid event", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetActorInContext(c.Request.Context(), pubsubActor)
		res, err := h.engine.ApplyLifecycleEvent(ctx, ev)
		if err != nil {
			config.LogError(h.logger, "unitsync", "UnitEventPushHandler", "apply event", ev.EventId, err)
			if isTransient(err) || errors.Is(err, workflow.ErrRunInProgress) {
				c.Status(http.StatusServiceUnavailable)
				return
			}
			c.Status(http.StatusNoContent)
			return
		}
		if res.AlreadyProcessed {
			h.logger.WithFields(logrus.Fields{"event_id": ev.EventId}).Info("duplicate lifecycle event delivery")
		}
		c.Status(http.StatusNoContent)
	}
}

// RunPushHandler executes full runs queued on the run topic.
func (h *Handlers) RunPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.PubSubPushEnabled() {
			c.Status(http.StatusNoContent)
			return
		}

		envelope, ok := h.readEnvelope(c, "RunPushHandler")
		if !ok {
			return
		}
		var req RunRequest
		if err := json.Unmarshal(envelope.Message.Data, &req); err != nil {
			config.LogError(h.logger, "unitsync", "RunPushHandler", "decode run request", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			config.LogError(h.logger, "unitsync", "RunPushHandler", "invalid run request", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetActorInContext(c.Request.Context(), req.RequestedBy)
		report, err := h.engine.Run(ctx, workflow.RunOptions{Trigger: req.Trigger, DryRun: req.DryRun, Rebuild: req.Rebuild})
		switch {
		case err == nil:
			h.logger.WithFields(logrus.Fields{"run_id": report.RunId, "message_id": envelope.Message.ID}).Info("queued run finished")
			c.Status(http.StatusNoContent)
		case errors.Is(err, workflow.ErrRunInProgress):
			// another full run is already doing this work
			c.Status(http.StatusNoContent)
		case report == nil && isTransient(err):
			config.LogError(h.logger, "unitsync", "RunPushHandler", "start run", envelope.Message.ID, err)
			c.Status(http.StatusServiceUnavailable)
		default:
			// A failed run keeps its resume point; it is resumed explicitly rather than redelivered.
			config.LogError(h.logger, "unitsync", "RunPushHandler", "run failed", envelope.Message.ID, err)
			c.Status(http.StatusNoContent)
		}
	}
}

func (h *Handlers) readEnvelope(c *gin.Context, funcName string) (PubSubPushEnvelope, bool) {
	var envelope PubSubPushEnvelope
	body, err := io.ReadAll(c.Request.Body)
	if err == nil {
		err = json.Unmarshal(body, &envelope)
	}
	if err != nil {
		config.LogError(h.logger, "unitsync", funcName, "decode push envelope", nil, err)
		c.Status(http.StatusNoContent)
		return envelope, false
	}
	return envelope, true
}

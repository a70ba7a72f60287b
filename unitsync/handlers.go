package unitsync

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/imei_backend/config"
	"github.com/mmdatafocus/imei_backend/models"
	"github.com/mmdatafocus/imei_backend/utils"
	"github.com/mmdatafocus/imei_backend/workflow"
	"github.com/sirupsen/logrus"
)

type Handlers struct {
	engine   Engine
	logger   *logrus.Logger
	publish  PublishFunc
	runTopic string
}

// NewHandlers builds the HTTP surface. With a run topic set, full runs are
// queued on Pub/Sub and executed by the run push endpoint.
func NewHandlers(engine Engine, logger *logrus.Logger, publish PublishFunc, runTopic string) *Handlers {
	if logger == nil {
		logger = config.GetLogger()
	}
	if publish == nil {
		publish = config.PublishJSON
	}
	return &Handlers{engine: engine, logger: logger, publish: publish, runTopic: strings.TrimSpace(runTopic)}
}

// Register mounts the routes; opsAuth guards the endpoints that start work.
func (h *Handlers) Register(r gin.IRouter, opsAuth gin.HandlerFunc) {
	v1 := r.Group("/v1")
	v1.GET("/identifiers/:identifier/status", h.StatusHandler())
	v1.GET("/parents/:id/snapshot", h.SnapshotHandler())
	v1.GET("/parents/:id/available-units", h.AvailableUnitsHandler())
	v1.GET("/runs", h.RunHistoryHandler())
	v1.GET("/runs/:id", h.RunDetailHandler())
	v1.GET("/runs/:id/export", h.RunExportHandler())
	v1.POST("/runs", opsAuth, h.TriggerRunHandler())
	v1.POST("/runs/:id/resume", opsAuth, h.ResumeRunHandler())

	r.POST("/pubsub/unit-events", h.UnitEventPushHandler())
	r.POST("/pubsub/runs", h.RunPushHandler())
}

func (h *Handlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := h.engine.GetValidationStatus(c.Request.Context(), c.Param("identifier"))
		if err != nil {
			h.writeError(c, "StatusHandler", err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func (h *Handlers) SnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := h.engine.GetParentStockSnapshot(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.writeError(c, "SnapshotHandler", err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func (h *Handlers) AvailableUnitsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		parentId := c.Param("id")
		units, err := h.engine.GetAvailableUnits(c.Request.Context(), parentId)
		if err != nil {
			h.writeError(c, "AvailableUnitsHandler", err)
			return
		}
		if units == nil {
			units = []models.SerializedUnit{}
		}
		c.JSON(http.StatusOK, AvailableUnitsResponse{ParentId: parentId, Units: units})
	}
}

func (h *Handlers) RunHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		runs, err := h.engine.ListRuns(c.Request.Context(), limit)
		if err != nil {
			h.writeError(c, "RunHistoryHandler", err)
			return
		}
		if runs == nil {
			runs = []models.ReconciliationRun{}
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

func (h *Handlers) RunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := h.engine.GetRun(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.writeError(c, "RunDetailHandler", err)
			return
		}
		resp := RunResponse{Run: detail.Run, Skips: detail.Skips}
		if resp.Skips == nil {
			resp.Skips = []models.ReconciliationSkip{}
		}
		if report, err := workflow.ReportOf(detail.Run); err == nil {
			resp.Report = report
		}
		c.JSON(http.StatusOK, resp)
	}
}

func (h *Handlers) RunExportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := h.engine.GetRun(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.writeError(c, "RunExportHandler", err)
			return
		}
		report, err := workflow.ReportOf(detail.Run)
		if err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": "run has no report yet"})
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=run-%s.xlsx", detail.Run.ID))
		if err := ExportReport(c.Writer, report); err != nil {
			config.LogError(h.logger, "unitsync", "RunExportHandler", "write workbook", detail.Run.ID, err)
		}
	}
}

func (h *Handlers) TriggerRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerRunRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx := c.Request.Context()
		actor, _ := utils.GetActorFromContext(ctx)

		if req.Identifier == "" && h.runTopic != "" {
			msgId, err := h.publish(ctx, h.runTopic, RunRequest{
				Trigger:     models.RunTriggerManual,
				DryRun:      req.DryRun,
				Rebuild:     req.Rebuild,
				RequestedBy: actor,
			}, map[string]string{"requested_by": actor})
			if err != nil {
				config.LogError(h.logger, "unitsync", "TriggerRunHandler", "queue run", h.runTopic, err)
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "could not queue run"})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true, "message_id": msgId})
			return
		}

		report, err := h.engine.Run(ctx, workflow.RunOptions{
			Trigger:    models.RunTriggerManual,
			Identifier: req.Identifier,
			DryRun:     req.DryRun,
			Rebuild:    req.Rebuild,
		})
		if err != nil {
			h.writeRunError(c, "TriggerRunHandler", report, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

func (h *Handlers) ResumeRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.engine.Resume(c.Request.Context(), c.Param("id"))
		if err != nil {
			h.writeRunError(c, "ResumeRunHandler", report, err)
			return
		}
		c.JSON(http.StatusOK, report)
	}
}

// writeRunError answers a failed run with its report when one exists, so the
// caller sees the resume point.
func (h *Handlers) writeRunError(c *gin.Context, funcName string, report *workflow.RunReport, err error) {
	if report == nil {
		h.writeError(c, funcName, err)
		return
	}
	config.LogError(h.logger, "unitsync", funcName, "run did not succeed", report.RunId, err)
	c.JSON(httpStatusOf(err), gin.H{"error": err.Error(), "report": report})
}

func (h *Handlers) writeError(c *gin.Context, funcName string, err error) {
	status := httpStatusOf(err)
	if status >= http.StatusInternalServerError {
		config.LogError(h.logger, "unitsync", funcName, c.Request.URL.Path, nil, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func httpStatusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrParentNotFound),
		errors.Is(err, models.ErrUnitNotFound),
		errors.Is(err, models.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrRunInProgress),
		errors.Is(err, workflow.ErrRunNotResumable):
		return http.StatusConflict
	case errors.Is(err, workflow.ErrEmptyScope),
		errors.Is(err, workflow.ErrUnknownSourceTable):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrRunCancelled):
		return http.StatusRequestTimeout
	case isTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func isTransient(err error) bool {
	var ce *workflow.ConnectivityError
	return errors.As(err, &ce) || models.IsConnectivityError(err)
}

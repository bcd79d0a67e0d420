package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/recordstore/internal/jobs"
	"github.com/rossigee/recordstore/internal/metrics"
	"github.com/rossigee/recordstore/internal/migrator"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
)

// Version is reported by the health check.
var Version = "dev"

// RecordService is the record client the handlers call into
type RecordService interface {
	Add(ctx context.Context, table string, rec types.Record) (types.Key, error)
	GetByID(ctx context.Context, table string, key types.Key) (types.Record, error)
	GetAll(ctx context.Context, table string) ([]types.Record, error)
	GetByQuery(ctx context.Context, table string, partial types.Record) ([]types.Record, error)
	GetByIndex(ctx context.Context, table, index string, value any) ([]types.Record, error)
	UpdateByID(ctx context.Context, table string, key types.Key, rec types.Record) error
	DeleteByID(ctx context.Context, table string, key types.Key) error
	Conn() (*storage.Conn, error)
}

// StateSource reports the migrator lifecycle state
type StateSource interface {
	State() migrator.State
}

// JobManager interface for snapshot job operations
type JobManager interface {
	StartSnapshot() (string, error)
	StartRestore(object string) (string, error)
	GetJobStatus(jobID string) (*types.StatusResponse, error)
	CancelJob(jobID string) error
	GetActiveJobs() int
}

// Handler handles HTTP API requests
type Handler struct {
	records    RecordService
	state      StateSource
	jobManager JobManager
	started    time.Time
}

// NewHandler creates a new API handler. jobManager may be nil when
// snapshots are not configured.
func NewHandler(records RecordService, state StateSource, jobManager JobManager) *Handler {
	return &Handler{
		records:    records,
		state:      state,
		jobManager: jobManager,
		started:    time.Now(),
	}
}

// SetupRoutes configures the API routes. m may be nil.
func SetupRoutes(router *gin.Engine, handler *Handler, m *metrics.Metrics) {
	if m != nil {
		router.Use(Instrument(m))
		router.GET("/metrics", gin.WrapH(m.Handler()))
	}

	api := router.Group("/api/v1")
	{
		api.GET("/schema", handler.GetSchema)

		tables := api.Group("/tables/:table")
		tables.GET("/records", handler.GetAll)
		tables.POST("/records", handler.AddRecord)
		tables.GET("/records/:key", handler.GetRecord)
		tables.PUT("/records/:key", handler.UpdateRecord)
		tables.DELETE("/records/:key", handler.DeleteRecord)
		tables.POST("/query", handler.QueryRecords)
		tables.GET("/indexes/:index", handler.GetByIndex)

		api.POST("/snapshots", handler.StartSnapshot)
		api.POST("/snapshots/restore", handler.StartRestore)
		api.GET("/snapshots/:job_id", handler.GetJobStatus)
		api.DELETE("/snapshots/:job_id", handler.CancelJob)
	}

	router.GET("/health", handler.HealthCheck)
}

// GetSchema describes the live connection
func (h *Handler) GetSchema(c *gin.Context) {
	conn, err := h.records.Conn()
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.SchemaResponse{
		DatabaseName: conn.Name(),
		Version:      conn.Version(),
		Tables:       conn.Tables(),
	})
}

// StartSnapshot starts a snapshot export job
func (h *Handler) StartSnapshot(c *gin.Context) {
	if !h.snapshotsEnabled(c) {
		return
	}

	jobID, err := h.jobManager.StartSnapshot()
	if err != nil {
		writeJobStartError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, types.SnapshotResponse{
		JobID:  jobID,
		Status: "accepted",
	})
}

// StartRestore starts a job restoring a snapshot object into the live
// database
func (h *Handler) StartRestore(c *gin.Context) {
	if !h.snapshotsEnabled(c) {
		return
	}

	var req types.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    http.StatusBadRequest,
		})
		return
	}

	jobID, err := h.jobManager.StartRestore(req.Object)
	if err != nil {
		writeJobStartError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, types.SnapshotResponse{
		JobID:  jobID,
		Status: "accepted",
	})
}

// GetJobStatus returns the status of a snapshot job
func (h *Handler) GetJobStatus(c *gin.Context) {
	if !h.snapshotsEnabled(c) {
		return
	}

	status, err := h.jobManager.GetJobStatus(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, types.ErrorResponse{
			Error:   "job not found",
			Message: err.Error(),
			Code:    http.StatusNotFound,
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// CancelJob cancels a running snapshot job
func (h *Handler) CancelJob(c *gin.Context) {
	if !h.snapshotsEnabled(c) {
		return
	}

	jobID := c.Param("job_id")
	if err := h.jobManager.CancelJob(jobID); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, jobs.ErrJobNotFound) {
			code = http.StatusNotFound
		}
		c.JSON(code, types.ErrorResponse{
			Error:   "failed to cancel job",
			Message: err.Error(),
			Code:    code,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "cancelled",
		"job_id": jobID,
	})
}

func (h *Handler) snapshotsEnabled(c *gin.Context) bool {
	if h.jobManager != nil {
		return true
	}
	c.JSON(http.StatusNotImplemented, types.ErrorResponse{
		Error:   "snapshots not configured",
		Message: "set a snapshot endpoint and bucket to enable snapshots",
		Code:    http.StatusNotImplemented,
	})
	return false
}

func writeJobStartError(c *gin.Context, err error) {
	if errors.Is(err, migrator.ErrNotInitialized) {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusInternalServerError, types.ErrorResponse{
		Error:   "failed to start snapshot job",
		Message: err.Error(),
		Code:    http.StatusInternalServerError,
	})
}

// HealthCheck provides service health information. Anything but a ready
// connection answers 503.
func (h *Handler) HealthCheck(c *gin.Context) {
	state := h.state.State()

	response := types.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		State:     state.String(),
		Uptime:    time.Since(h.started).Round(time.Second).String(),
	}
	if conn, err := h.records.Conn(); err == nil {
		response.Database = conn.Name()
	}

	switch state {
	case migrator.StateReady:
	case migrator.StateInvalidated:
		response.Status = "stale"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	case migrator.StateOpening, migrator.StateBlocked, migrator.StateRetrying, migrator.StateUpgrading:
		response.Status = "initializing"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	default:
		response.Status = "unavailable"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	// Return degraded status if snapshot jobs are queueing
	if h.jobManager != nil && h.jobManager.GetActiveJobs() > 2 {
		response.Status = "degraded"
	}

	c.JSON(http.StatusOK, response)
}

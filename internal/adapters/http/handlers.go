package http

import (
	"encoding/json"
	"net/http"
	"time"

	"chime/internal/domain"
	"chime/internal/ports"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

var offered = []string{binding.MIMEJSON, binding.MIMEXML}

type JobHandler struct {
	jobService ports.JobService
}

type CreateJobRequest struct {
	JobID       string          `json:"job_id"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Recurrence  string          `json:"recurrence"`
	ExpiresAt   *time.Time      `json:"expires_at"`
}

func NewJobHandler(jobService ports.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

func (h *JobHandler) RegisterRoutes(rg *gin.RouterGroup) {
	jobs := rg.Group("/services/:service/jobs")
	{
		jobs.POST("", h.CreateJob)
		jobs.GET("", h.ListJobs)
		jobs.GET("/:id", h.GetJob)
		jobs.DELETE("/:id", h.CancelJob)
	}
}

func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	recurrence, err := domain.ParseRecurrence(req.Recurrence)
	if err != nil {
		respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	create := domain.CreateJobRequest{
		OwnerService: c.Param("service"),
		JobID:        req.JobID,
		Payload:      req.Payload,
		ScheduledAt:  req.ScheduledAt,
		Recurrence:   recurrence,
	}
	if req.ExpiresAt != nil {
		create.ExpiresAt = *req.ExpiresAt
	}

	id, err := h.jobService.Create(c.Request.Context(), create)
	if err != nil {
		respond(c, createStatus(err), gin.H{"error": err.Error()})
		return
	}

	respond(c, http.StatusCreated, gin.H{"job_id": id})
}

func createStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobExpired):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *JobHandler) GetJob(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respond(c, http.StatusBadRequest, gin.H{"error": "job id is required"})
		return
	}

	statuses := h.jobService.GetStatus(c.Request.Context(), c.Param("service"), id)
	if len(statuses) == 0 {
		respond(c, http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	respond(c, http.StatusOK, statuses[0])
}

func (h *JobHandler) ListJobs(c *gin.Context) {
	statuses := h.jobService.GetStatus(c.Request.Context(), c.Param("service"), "")
	respond(c, http.StatusOK, domain.JobStatusList{Jobs: statuses})
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		respond(c, http.StatusBadRequest, gin.H{"error": "job id is required"})
		return
	}

	if !h.jobService.Cancel(c.Request.Context(), c.Param("service"), id) {
		respond(c, http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	respond(c, http.StatusOK, gin.H{"cancelled": true})
}

// respond renders JSON unless the client asked for XML.
func respond(c *gin.Context, code int, data any) {
	c.Negotiate(code, gin.Negotiate{Offered: offered, Data: data})
}

package extraction

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/emergent-company/emergent.extract/pkg/apperror"
	"github.com/emergent-company/emergent.extract/pkg/logger"
)

// JobRunner runs one extraction job. Implemented by *Service.
type JobRunner interface {
	Process(ctx context.Context, req *JobRequest) *JobResult
}

// Handler exposes the job intake endpoint to the worker host.
type Handler struct {
	runner JobRunner
	log    *slog.Logger
}

// NewHandler creates the extraction HTTP handler.
func NewHandler(runner JobRunner, log *slog.Logger) *Handler {
	return &Handler{
		runner: runner,
		log:    log.With(logger.Scope("extraction.handler")),
	}
}

// RunJob accepts a host job record, runs it synchronously, and returns the
// job result. Failures of the job itself are reported inside the result
// body; only a malformed request is an HTTP error.
func (h *Handler) RunJob(c echo.Context) error {
	var req JobRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid job request body").WithInternal(err)
	}

	h.log.Info("job accepted",
		slog.String("job_id", req.JobID),
		slog.String("target_entity", req.TargetEntity),
		slog.String("target_collection", req.TargetCollection),
	)

	result := h.runner.Process(c.Request().Context(), &req)
	return c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers the extraction routes
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/v1/jobs", h.RunJob)
}

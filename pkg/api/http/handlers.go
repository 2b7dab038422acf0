package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/checkrun-ci/checkrun/internal/application/orchestrator"
	"github.com/checkrun-ci/checkrun/pkg/domain"
	"github.com/checkrun-ci/checkrun/pkg/ports"
)

// EventSubmitRequest represents an incoming repository event
type EventSubmitRequest struct {
	Kind   string `json:"kind" binding:"required"`
	Branch string `json:"branch" binding:"required"`
	Commit string `json:"commit"`
}

// EventSubmitResponse represents the response to an accepted event
type EventSubmitResponse struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
}

// RunSummary is the list view of a run
type RunSummary struct {
	RunID       string     `json:"run_id"`
	Workflow    string     `json:"workflow"`
	Status      string     `json:"status"`
	Kind        string     `json:"kind"`
	Branch      string     `json:"branch"`
	Instances   int        `json:"instances"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth reports process and worker pool health
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		return
	}

	status := s.health.GetStatus()
	code := http.StatusOK
	overall := "healthy"
	if !status.Healthy {
		code = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(code, gin.H{
		"status":    overall,
		"timestamp": status.Timestamp,
		"workers": gin.H{
			"total":   status.TotalWorkers,
			"idle":    status.IdleWorkers,
			"busy":    status.BusyWorkers,
			"stopped": status.StoppedWorkers,
		},
	})
}

// handleSubmitEvent evaluates a repository event and launches a run when
// the workflow's triggers apply
func (s *Server) handleSubmitEvent(c *gin.Context) {
	var req EventSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("invalid request", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: ErrorDetail{
				Code:    "INVALID_REQUEST",
				Message: err.Error(),
			},
		})
		return
	}

	event := &domain.Event{
		Kind:   domain.EventKind(req.Kind),
		Branch: req.Branch,
		Commit: req.Commit,
	}

	runID, err := s.manager.SubmitEvent(c.Request.Context(), event)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEventRejected) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{
					Code:    "EVENT_REJECTED",
					Message: err.Error(),
				},
			})
			return
		}
		s.logger.Error("failed to submit event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "SUBMISSION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	// Accepted but filtered: no trigger applied, no run exists.
	if runID == "" {
		c.JSON(http.StatusOK, gin.H{
			"status": "filtered",
		})
		return
	}

	c.JSON(http.StatusCreated, EventSubmitResponse{
		RunID:       runID,
		Status:      string(domain.RunStatusSubmitted),
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// handleListRuns lists all stored runs, newest first
func (s *Server) handleListRuns(c *gin.Context) {
	states, err := s.manager.ListRuns(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Code:    "STORAGE_ERROR",
				Message: "failed to list runs",
			},
		})
		return
	}

	runs := make([]RunSummary, 0, len(states))
	for _, state := range states {
		runs = append(runs, RunSummary{
			RunID:       state.RunID,
			Workflow:    state.Workflow,
			Status:      string(state.Status),
			Kind:        string(state.Event.Kind),
			Branch:      state.Event.Branch,
			Instances:   len(state.Instances),
			SubmittedAt: state.SubmittedAt,
			CompletedAt: state.CompletedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": len(runs),
	})
}

// handleGetRun returns the full state of a run
func (s *Server) handleGetRun(c *gin.Context) {
	runID := c.Param("id")

	state, err := s.manager.GetRun(c.Request.Context(), runID)
	if err != nil {
		s.respondRunError(c, runID, err)
		return
	}

	c.JSON(http.StatusOK, state)
}

// handleGetRunStatus returns the lifecycle view of a run
func (s *Server) handleGetRunStatus(c *gin.Context) {
	runID := c.Param("id")

	state, err := s.manager.GetRun(c.Request.Context(), runID)
	if err != nil {
		s.respondRunError(c, runID, err)
		return
	}

	counts := map[string]int{}
	for _, inst := range state.Instances {
		counts[string(inst.Status)]++
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":       state.RunID,
		"status":       state.Status,
		"instances":    counts,
		"submitted_at": state.SubmittedAt,
		"started_at":   state.StartedAt,
		"completed_at": state.CompletedAt,
	})
}

// handleGetRunResult returns the aggregated outcome of a finished run
func (s *Server) handleGetRunResult(c *gin.Context) {
	runID := c.Param("id")

	state, err := s.manager.GetRun(c.Request.Context(), runID)
	if err != nil {
		s.respondRunError(c, runID, err)
		return
	}

	if !state.Status.Terminal() {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{
				Code:    "NOT_COMPLETED",
				Message: "run has not reached a terminal state",
			},
		})
		return
	}

	c.JSON(http.StatusOK, domain.BuildOutcome(state))
}

// handleCancelRun requests cancellation of a run
func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")

	if err := s.manager.CancelRun(c.Request.Context(), runID); err != nil {
		if errors.Is(err, ports.ErrRunNotFound) {
			s.respondRunError(c, runID, err)
			return
		}
		c.JSON(http.StatusConflict, ErrorResponse{
			Error: ErrorDetail{
				Code:    "CANCELLATION_FAILED",
				Message: err.Error(),
			},
		})
		return
	}

	// Cancellation is asynchronous: workers stop their instances and the
	// run finalizes through the aggregation barrier.
	c.JSON(http.StatusAccepted, gin.H{
		"run_id": runID,
		"status": "cancel_requested",
	})
}

func (s *Server) respondRunError(c *gin.Context, runID string, err error) {
	if errors.Is(err, ports.ErrRunNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: ErrorDetail{
				Code:    "RUN_NOT_FOUND",
				Message: "run not found",
			},
		})
		return
	}

	s.logger.Error("failed to load run",
		zap.String("run_id", runID),
		zap.Error(err))
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error: ErrorDetail{
			Code:    "STORAGE_ERROR",
			Message: "failed to load run",
		},
	})
}

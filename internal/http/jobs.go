package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/jobcore/internal/admission"
	"github.com/fyrsmithlabs/jobcore/internal/job"
	"github.com/fyrsmithlabs/jobcore/internal/logging"
	"github.com/fyrsmithlabs/jobcore/internal/resolution"
)

// maxListLimit caps GET /api/v1/jobs.
const maxListLimit = 500

// SubmitJobRequest is the body of POST /api/v1/jobs.
type SubmitJobRequest struct {
	UserID     string            `json:"user_id" validate:"required,max=128"`
	OrgID      string            `json:"org_id,omitempty" validate:"max=128"`
	Repository string            `json:"repository" validate:"required,max=512"`
	Priority   string            `json:"priority,omitempty" validate:"omitempty,oneof=high normal low"`
	Branch     string            `json:"branch" validate:"required,max=255"`
	Target     string            `json:"target_branch,omitempty" validate:"max=255"`
	Task       string            `json:"task,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Tier       string            `json:"tier,omitempty" validate:"max=64"`
	Cost       int64             `json:"cost,omitempty" validate:"gte=0"`
	MaxRetries *int              `json:"max_retries,omitempty" validate:"omitempty,gte=0,lte=20"`
}

func (r SubmitJobRequest) toJob() (job.SubmitRequest, error) {
	p, err := job.ParsePriority(r.Priority)
	if err != nil {
		return job.SubmitRequest{}, err
	}
	return job.SubmitRequest{
		UserID:     r.UserID,
		OrgID:      r.OrgID,
		Repository: r.Repository,
		Priority:   p,
		Config: job.Config{
			Branch:       r.Branch,
			TargetBranch: r.Target,
			Task:         r.Task,
			Env:          r.Env,
		},
		Tier:       r.Tier,
		Cost:       r.Cost,
		MaxRetries: r.MaxRetries,
	}, nil
}

// ListResponse is the body of GET /api/v1/jobs.
type ListResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Count int        `json:"count"`
}

// AttemptsResponse is the body of GET /api/v1/jobs/:id/attempts.
type AttemptsResponse struct {
	JobID    string               `json:"job_id"`
	Attempts []resolution.Attempt `json:"attempts"`
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req SubmitJobRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	sub, err := req.toJob()
	if err != nil {
		return err
	}

	ctx := logging.WithOwner(c.Request().Context(), logging.Owner{UserID: req.UserID, OrgID: req.OrgID})
	j, err := s.jobs.Submit(ctx, sub)
	var budget *admission.BudgetExceeded
	if errors.As(err, &budget) && j != nil {
		// The denied job is recorded as failed; return it with the error.
		status, apiErr := mapError(err)
		return c.JSON(status, Envelope{Data: j, Error: &apiErr})
	}
	if err != nil {
		return err
	}
	return JSON(c, http.StatusAccepted, j)
}

func (s *Server) handleGet(c echo.Context) error {
	j, err := s.jobs.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, j)
}

func (s *Server) handleCancel(c echo.Context) error {
	ctx := logging.WithJobID(c.Request().Context(), c.Param("id"))
	j, err := s.jobs.Cancel(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, j)
}

func (s *Server) handleResubmit(c echo.Context) error {
	ctx := logging.WithJobID(c.Request().Context(), c.Param("id"))
	j, err := s.jobs.Resubmit(ctx, c.Param("id"))
	var budget *admission.BudgetExceeded
	if errors.As(err, &budget) && j != nil {
		status, apiErr := mapError(err)
		return c.JSON(status, Envelope{Data: j, Error: &apiErr})
	}
	if err != nil {
		return err
	}
	return JSON(c, http.StatusAccepted, j)
}

func (s *Server) handleList(c echo.Context) error {
	f := job.Filter{
		UserID:   c.QueryParam("user_id"),
		OrgID:    c.QueryParam("org_id"),
		Status:   job.Status(c.QueryParam("status")),
		ParentID: c.QueryParam("parent_id"),
		Limit:    100,
	}
	if f.Status != "" && !f.Status.Valid() {
		return &ValidationError{Fields: []FieldError{{Field: "status", Message: "unknown status"}}}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			return &ValidationError{Fields: []FieldError{{Field: "limit", Message: "must be between 1 and 500"}}}
		}
		f.Limit = n
	}
	jobs, err := s.jobs.List(c.Request().Context(), f)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	return JSON(c, http.StatusOK, ListResponse{Jobs: jobs, Count: len(jobs)})
}

func (s *Server) handleAttempts(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.jobs.Get(c.Request().Context(), id); err != nil {
		return err
	}
	if s.audit == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "attempt history is not configured")
	}
	attempts, err := s.audit.List(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if attempts == nil {
		attempts = []resolution.Attempt{}
	}
	return JSON(c, http.StatusOK, AttemptsResponse{JobID: id, Attempts: attempts})
}

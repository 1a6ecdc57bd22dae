package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/launchpad/internal/api/response"
	"github.com/kiranshivaraju/launchpad/internal/runner"
	"github.com/kiranshivaraju/launchpad/internal/store"
	"github.com/kiranshivaraju/launchpad/internal/submit"
	"github.com/kiranshivaraju/launchpad/pkg/models"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Submitter defines the submission operations the handlers depend on.
type Submitter interface {
	Submit(ctx context.Context, req submit.Request) (*submit.Result, error)
	UpdateStatus(ctx context.Context, id string, u submit.StatusUpdate) (*models.Job, error)
}

// Projects is the read and delete side of the job registry.
type Projects interface {
	GetByID(ctx context.Context, id string) (*models.Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.Job, int, error)
	Delete(ctx context.Context, id string) (*models.Job, error)
}

// StatusCache serves cached job status. A miss falls back to the registry.
type StatusCache interface {
	GetJobStatus(ctx context.Context, jobID string) (string, bool, error)
	DeleteJobStatus(ctx context.Context, jobID string) error
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/projects.
func NewSubmitHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RepoURL     string `json:"repoUrl"`
			GitURL      string `json:"gitURL"`
			Slug        string `json:"slug"`
			OwnerID     string `json:"ownerId"`
			UserID      string `json:"userId"`
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		res, err := svc.Submit(r.Context(), submit.Request{
			RepoURL:     firstNonEmpty(req.RepoURL, req.GitURL),
			Slug:        req.Slug,
			OwnerID:     firstNonEmpty(req.OwnerID, req.UserID),
			Name:        req.Name,
			Description: req.Description,
		})
		if err != nil {
			writeSubmitError(w, err)
			return
		}
		response.Accepted(w, res)
	}
}

func writeSubmitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, submit.ErrInvalidRepoURL):
		response.Error(w, http.StatusBadRequest, "INVALID_REPO_URL", err.Error(), nil)
	case errors.Is(err, submit.ErrInvalidSlug):
		response.Error(w, http.StatusBadRequest, "INVALID_SLUG", err.Error(), nil)
	case errors.Is(err, submit.ErrOwnerRequired):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ownerId is required", nil)
	case errors.Is(err, submit.ErrSlugTaken):
		response.Error(w, http.StatusConflict, "SLUG_TAKEN", err.Error(), nil)
	case errors.Is(err, runner.ErrLaunchFailed):
		response.Error(w, http.StatusBadGateway, "LAUNCH_FAILED", "Failed to start deployment", err.Error())
	default:
		slog.Error("submit failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// NewListHandler returns an http.HandlerFunc for GET /api/v1/projects.
// ownerId is required; listing every owner's projects is not supported.
func NewListHandler(projects Projects) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		owner := strings.TrimSpace(firstNonEmpty(q.Get("ownerId"), q.Get("userId")))
		if owner == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "ownerId is required", nil)
			return
		}

		page, err := positiveParam(q.Get("page"), 1)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
			return
		}
		limit, err := positiveParam(q.Get("limit"), defaultPageLimit)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}

		jobs, total, err := projects.ListByOwner(r.Context(), owner, limit, (page-1)*limit)
		if err != nil {
			slog.Error("list projects failed", "owner_id", owner, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to fetch projects", nil)
			return
		}

		response.Collection(w, jobs, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: (page-1)*limit+len(jobs) < total,
		})
	}
}

// NewGetHandler returns an http.HandlerFunc for GET /api/v1/projects/{id}.
func NewGetHandler(projects Projects) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := projects.GetByID(r.Context(), id)
		if err != nil {
			writeLookupError(w, id, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewStatusHandler returns an http.HandlerFunc for GET /api/v1/projects/{id}/status.
// The status cache is consulted first; a miss or cache error reads the registry.
func NewStatusHandler(projects Projects, cache StatusCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if cache != nil {
			status, ok, err := cache.GetJobStatus(r.Context(), id)
			if err != nil {
				slog.Warn("status cache read failed", "job_id", id, "error", err)
			}
			if err == nil && ok {
				response.JSON(w, statusResponse{ID: id, Status: status, Source: "cache"})
				return
			}
		}

		job, err := projects.GetByID(r.Context(), id)
		if err != nil {
			writeLookupError(w, id, err)
			return
		}
		response.JSON(w, statusResponse{
			ID:         job.ID,
			Status:     job.Status,
			Source:     "registry",
			DeployURL:  job.DeployURL,
			DeployedAt: job.DeployedAt,
		})
	}
}

// NewUpdateHandler returns an http.HandlerFunc for PUT /api/v1/projects/{id}.
func NewUpdateHandler(svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req struct {
			Status     string `json:"status"`
			DeployURL  string `json:"deployUrl"`
			LogMessage string `json:"logMessage"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.UpdateStatus(r.Context(), id, submit.StatusUpdate{
			Status:     req.Status,
			DeployURL:  req.DeployURL,
			LogMessage: req.LogMessage,
		})
		if err != nil {
			if errors.Is(err, submit.ErrInvalidStatus) {
				response.Error(w, http.StatusBadRequest, "INVALID_STATUS", err.Error(), nil)
				return
			}
			writeLookupError(w, id, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewDeleteHandler returns an http.HandlerFunc for DELETE /api/v1/projects/{id}.
// A job whose build is still running cannot be deleted.
func NewDeleteHandler(projects Projects, cache StatusCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := projects.GetByID(r.Context(), id)
		if err != nil {
			writeLookupError(w, id, err)
			return
		}
		if !models.IsTerminal(job.Status) {
			response.Error(w, http.StatusConflict, "JOB_IN_PROGRESS",
				"Project cannot be deleted while its build is running", map[string]string{"status": job.Status})
			return
		}

		deleted, err := projects.Delete(r.Context(), id)
		if err != nil {
			writeLookupError(w, id, err)
			return
		}
		if cache != nil {
			if err := cache.DeleteJobStatus(r.Context(), id); err != nil {
				slog.Warn("status cache delete failed", "job_id", id, "error", err)
			}
		}
		slog.Info("project deleted", "job_id", id)
		response.JSON(w, deleted)
	}
}

func writeLookupError(w http.ResponseWriter, id string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Project not found", nil)
		return
	}
	slog.Error("project lookup failed", "job_id", id, "error", err)
	response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
		"An unexpected error occurred", nil)
}

type statusResponse struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Source     string     `json:"source"`
	DeployURL  *string    `json:"deployUrl,omitempty"`
	DeployedAt *time.Time `json:"deployedAt,omitempty"`
}

func positiveParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("not a positive integer")
	}
	return n, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

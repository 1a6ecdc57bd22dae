// Package submit accepts deployment requests: it records the job, launches
// the build container and reports where the site will be served.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/launchpad/internal/config"
	"github.com/kiranshivaraju/launchpad/internal/metrics"
	"github.com/kiranshivaraju/launchpad/internal/runner"
	"github.com/kiranshivaraju/launchpad/internal/store"
	"github.com/kiranshivaraju/launchpad/pkg/models"
	giturls "github.com/whilp/git-urls"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrInvalidRepoURL = errors.New("invalid repository URL")
	ErrInvalidSlug    = errors.New("invalid slug")
	ErrSlugTaken      = errors.New("slug already taken")
	ErrOwnerRequired  = errors.New("owner id is required")
	ErrInvalidStatus  = errors.New("invalid status")
)

const (
	msgQueued  = "Project created and queued for deployment"
	msgStarted = "Build task started"

	generatedSlugAttempts = 3
)

// Registry is the part of the job registry submission needs.
type Registry interface {
	Insert(ctx context.Context, job *models.Job) error
	Update(ctx context.Context, id string, update models.JobUpdate) (*models.Job, error)
}

// StatusCache mirrors job status for fast status reads.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID, status string, ttl time.Duration) error
}

// Request is a deployment request.
type Request struct {
	RepoURL     string
	Slug        string
	OwnerID     string
	Name        string
	Description string
}

// Result tells the caller which job was created and where it will be served.
type Result struct {
	JobID string `json:"jobId"`
	URL   string `json:"url"`
}

// StatusUpdate is an out-of-band change pushed by an operator or the build
// infrastructure. Empty fields are left untouched.
type StatusUpdate struct {
	Status     string
	DeployURL  string
	LogMessage string
}

// Service implements job submission.
type Service struct {
	registry  Registry
	launcher  runner.Launcher
	cache     StatusCache
	statusTTL time.Duration
	deploy    config.DeployConfig
	now       func() time.Time
	tracer    trace.Tracer
}

// NewService creates a submission Service. cache may be nil.
func NewService(registry Registry, launcher runner.Launcher, cache StatusCache, deploy config.DeployConfig, statusTTL time.Duration) *Service {
	return &Service{
		registry:  registry,
		launcher:  launcher,
		cache:     cache,
		statusTTL: statusTTL,
		deploy:    deploy,
		now:       func() time.Time { return time.Now().UTC() },
		tracer:    otel.Tracer("github.com/kiranshivaraju/launchpad/internal/submit"),
	}
}

// DeployURL is the public URL a job's site is served from.
func (s *Service) DeployURL(slug string) string {
	return fmt.Sprintf("%s://%s.%s", s.deploy.Scheme, slug, s.deploy.Domain)
}

// Submit records a queued job, launches its build and marks it building.
// The registry row always exists before the launcher is called; a failed
// launch leaves the job failed with the reason in its log.
func (s *Service) Submit(ctx context.Context, req Request) (res *Result, err error) {
	ctx, span := s.tracer.Start(ctx, "submit.Submit")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		metrics.ObserveSubmission(err)
	}()

	repoURL, err := ValidateRepoURL(req.RepoURL)
	if err != nil {
		return nil, err
	}
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		return nil, ErrOwnerRequired
	}

	job, err := s.insert(ctx, req, repoURL, owner)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("job.id", job.ID))
	s.cacheStatus(ctx, job.ID, models.JobStatusQueued)

	if _, err := s.launcher.Launch(ctx, runner.LaunchRequest{JobID: job.ID, RepoURL: repoURL}); err != nil {
		s.markLaunchFailed(ctx, job.ID, err)
		if !errors.Is(err, runner.ErrLaunchFailed) {
			err = fmt.Errorf("%w: %v", runner.ErrLaunchFailed, err)
		}
		return nil, fmt.Errorf("launch build for %s: %w", job.ID, err)
	}

	updated, err := s.registry.Update(ctx, job.ID, models.JobUpdate{
		Status:     models.StatusPtr(models.JobStatusBuilding),
		AppendLogs: []models.LogEntry{{Timestamp: s.now(), Message: msgStarted}},
	})
	if err != nil {
		// The build is already running; its own log lines will move the job along.
		slog.Warn("mark job building", "job_id", job.ID, "error", err)
	} else {
		s.cacheStatus(ctx, job.ID, updated.Status)
	}

	slog.Info("deployment submitted", "job_id", job.ID, "repo_url", repoURL, "owner_id", owner)
	return &Result{JobID: job.ID, URL: s.DeployURL(job.ID)}, nil
}

func (s *Service) insert(ctx context.Context, req Request, repoURL, owner string) (*models.Job, error) {
	slug := NormalizeSlug(req.Slug)
	generated := slug == ""
	if !generated && !ValidSlug(slug) {
		return nil, fmt.Errorf("%w: %q must be a lowercase DNS label", ErrInvalidSlug, req.Slug)
	}

	attempts := 1
	if generated {
		attempts = generatedSlugAttempts
	}
	for i := 0; i < attempts; i++ {
		if generated {
			slug = GenerateSlug()
		}
		job := s.newJob(req, slug, repoURL, owner)
		err := s.registry.Insert(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("creating job: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrSlugTaken, slug)
}

func (s *Service) newJob(req Request, slug, repoURL, owner string) *models.Job {
	now := s.now()
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Project " + now.Format(time.RFC3339)
	}
	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = "Project for " + repoURL
	}
	deployURL := s.DeployURL(slug)
	return &models.Job{
		ID:          slug,
		Name:        name,
		Description: &desc,
		OwnerID:     owner,
		RepoURL:     repoURL,
		Status:      models.JobStatusQueued,
		DeployURL:   &deployURL,
		CreatedAt:   now,
		UpdatedAt:   now,
		Logs:        []models.LogEntry{{Timestamp: now, Message: msgQueued}},
	}
}

func (s *Service) markLaunchFailed(ctx context.Context, jobID string, cause error) {
	_, err := s.registry.Update(ctx, jobID, models.JobUpdate{
		Status:     models.StatusPtr(models.JobStatusFailed),
		AppendLogs: []models.LogEntry{{Timestamp: s.now(), Message: "Deployment failed: " + cause.Error()}},
	})
	if err != nil {
		slog.Error("mark job failed", "job_id", jobID, "error", err)
		return
	}
	s.cacheStatus(ctx, jobID, models.JobStatusFailed)
}

// UpdateStatus applies an out-of-band status change. A terminal job keeps
// its status; the log message is still recorded.
func (s *Service) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*models.Job, error) {
	update := models.JobUpdate{}
	if u.Status != "" {
		if !models.IsValidStatus(u.Status) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, u.Status)
		}
		update.Status = models.StatusPtr(u.Status)
	}
	if u.DeployURL != "" {
		url := u.DeployURL
		update.DeployURL = &url
	}
	if u.LogMessage != "" {
		update.AppendLogs = []models.LogEntry{{Timestamp: s.now(), Message: u.LogMessage}}
	}

	job, err := s.registry.Update(ctx, id, update)
	if err != nil {
		return nil, err
	}
	if update.Status != nil {
		s.cacheStatus(ctx, id, job.Status)
	}
	return job, nil
}

func (s *Service) cacheStatus(ctx context.Context, jobID, status string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetJobStatus(ctx, jobID, status, s.statusTTL); err != nil {
		slog.Warn("status cache update failed", "job_id", jobID, "error", err)
	}
}

// ValidateRepoURL trims raw and checks it is a cloneable remote repository URL.
func ValidateRepoURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: repoUrl is required", ErrInvalidRepoURL)
	}
	u, err := giturls.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRepoURL, err)
	}
	switch u.Scheme {
	case "https", "http", "ssh", "git":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRepoURL, u.Scheme)
	}
	if u.Host == "" || strings.Trim(u.Path, "/") == "" {
		return "", fmt.Errorf("%w: %q has no host or repository path", ErrInvalidRepoURL, trimmed)
	}
	return trimmed, nil
}

// Package models contains shared data models used across the Launchpad codebase.
package models

import (
	"time"
)

const (
	JobStatusQueued   = "queued"
	JobStatusBuilding = "building"
	JobStatusDeployed = "deployed"
	JobStatusFailed   = "failed"
)

// Job is one deployment attempt. Its ID is the public subdomain and the
// suffix of its log topic (logs:<id>).
type Job struct {
	ID          string     `db:"id"          json:"id"`
	Name        string     `db:"name"        json:"name"`
	Description *string    `db:"description" json:"description,omitempty"`
	OwnerID     string     `db:"owner_id"    json:"ownerId"`
	RepoURL     string     `db:"repo_url"    json:"repoUrl"`
	Status      string     `db:"status"      json:"status"`
	DeployURL   *string    `db:"deploy_url"  json:"deployUrl,omitempty"`
	CreatedAt   time.Time  `db:"created_at"  json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at"  json:"updatedAt"`
	DeployedAt  *time.Time `db:"deployed_at" json:"deployedAt,omitempty"`
	Logs        []LogEntry `db:"logs"        json:"logs"`
}

// LogEntry is a single persisted build log line. Entries are append-only.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// JobUpdate carries the mutable fields of a Job. Nil fields are left untouched.
type JobUpdate struct {
	Status     *string
	DeployURL  *string
	AppendLogs []LogEntry
}

var validTransitions = map[string][]string{
	JobStatusQueued:   {JobStatusBuilding, JobStatusDeployed, JobStatusFailed},
	JobStatusBuilding: {JobStatusDeployed, JobStatusFailed},
}

// IsTerminal reports whether no further status transition is allowed.
func IsTerminal(status string) bool {
	return status == JobStatusDeployed || status == JobStatusFailed
}

// IsValidStatus reports whether status is one of the known job statuses.
func IsValidStatus(status string) bool {
	switch status {
	case JobStatusQueued, JobStatusBuilding, JobStatusDeployed, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Apply merges u into j and reports whether the status changed.
// Status changes that break the state machine are dropped silently, so a
// terminal job keeps its status no matter what the update carries.
// DeployedAt is stamped only on the transition into deployed.
func (j *Job) Apply(u JobUpdate, now time.Time) bool {
	changed := false
	if u.Status != nil && *u.Status != j.Status && CanTransition(j.Status, *u.Status) {
		j.Status = *u.Status
		if j.Status == JobStatusDeployed {
			t := now
			j.DeployedAt = &t
		}
		changed = true
	}
	if u.DeployURL != nil {
		url := *u.DeployURL
		j.DeployURL = &url
	}
	if len(u.AppendLogs) > 0 {
		j.Logs = append(j.Logs, u.AppendLogs...)
	}
	j.UpdatedAt = now
	return changed
}

// StatusPtr returns a pointer to s, for building JobUpdate values.
func StatusPtr(s string) *string {
	return &s
}

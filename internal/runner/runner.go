// Package runner launches one isolated build container per job.
package runner

import (
	"context"
	"errors"
)

var ErrLaunchFailed = errors.New("launch failed")

// LaunchRequest describes the build to run.
type LaunchRequest struct {
	JobID   string
	RepoURL string
}

// Handle identifies a launched build.
type Handle struct {
	ContainerID string
}

// Launcher submits a build job and returns once it has started.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) (Handle, error)
}

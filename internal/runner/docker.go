package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/kiranshivaraju/launchpad/internal/config"
	"github.com/kiranshivaraju/launchpad/internal/eventbus"
	"github.com/kiranshivaraju/launchpad/pkg/models"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	DefaultBuildTimeout = 30 * time.Minute
	jobLabel            = "launchpad.job"
)

// ContainerAPI is the subset of the Docker client the launcher drives.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerLauncher runs each build in its own container. It watches the
// container in the background and publishes a failure on the job topic when
// the build exits non-zero, since a crashed build cannot report for itself.
type DockerLauncher struct {
	api          ContainerAPI
	bus          eventbus.Publisher
	image        string
	network      string
	redisURL     string
	buildTimeout time.Duration

	wg sync.WaitGroup
}

// NewDockerLauncher connects to the Docker daemon from the environment.
func NewDockerLauncher(cfg config.RunnerConfig, bus eventbus.Publisher) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewDockerLauncherWithAPI(cli, cfg, bus), nil
}

func NewDockerLauncherWithAPI(api ContainerAPI, cfg config.RunnerConfig, bus eventbus.Publisher) *DockerLauncher {
	return &DockerLauncher{
		api:          api,
		bus:          bus,
		image:        cfg.Image,
		network:      cfg.Network,
		redisURL:     cfg.RedisURL,
		buildTimeout: DefaultBuildTimeout,
	}
}

// ContainerName is the deterministic container name for a job.
func ContainerName(jobID string) string {
	return "launchpad-build-" + jobID
}

func (l *DockerLauncher) Launch(ctx context.Context, req LaunchRequest) (Handle, error) {
	cfg := &container.Config{
		Image: l.image,
		Env: []string{
			"GIT_REPOSITORY__URL=" + req.RepoURL,
			"PROJECT_ID=" + req.JobID,
			"REDIS_URL=" + l.redisURL,
		},
		Labels: map[string]string{jobLabel: req.JobID},
	}
	hostCfg := &container.HostConfig{}
	if l.network != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.network)
	}

	created, err := l.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, ContainerName(req.JobID))
	if err != nil {
		return Handle{}, fmt.Errorf("%w: create container: %v", ErrLaunchFailed, err)
	}

	if err := l.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		l.remove(created.ID)
		return Handle{}, fmt.Errorf("%w: start container: %v", ErrLaunchFailed, err)
	}

	slog.Info("build container started", "job_id", req.JobID, "container_id", created.ID)

	l.wg.Add(1)
	go l.watch(req.JobID, created.ID)

	return Handle{ContainerID: created.ID}, nil
}

// Wait blocks until every watched container has exited and been removed, or
// ctx is done. Containers still running when ctx ends keep running.
func (l *DockerLauncher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *DockerLauncher) watch(jobID, containerID string) {
	defer l.wg.Done()
	defer l.remove(containerID)

	ctx, cancel := context.WithTimeout(context.Background(), l.buildTimeout)
	defer cancel()

	respCh, errCh := l.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var reason string
	select {
	case resp := <-respCh:
		switch {
		case resp.Error != nil && resp.Error.Message != "":
			reason = "build container error: " + resp.Error.Message
		case resp.StatusCode != 0:
			reason = fmt.Sprintf("build container exited with status %d", resp.StatusCode)
		}
	case err := <-errCh:
		reason = fmt.Sprintf("waiting for build container: %v", err)
	}

	if reason == "" {
		slog.Info("build container finished", "job_id", jobID, "container_id", containerID)
		return
	}

	slog.Warn("build container failed", "job_id", jobID, "container_id", containerID, "reason", reason)
	pubCtx, pubCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pubCancel()
	text := eventbus.FailedPrefix + ": " + reason
	if err := l.bus.PublishStatus(pubCtx, jobID, text, models.JobStatusFailed); err != nil {
		slog.Error("publish build failure", "job_id", jobID, "error", err)
	}
}

func (l *DockerLauncher) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := l.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("remove build container", "container_id", containerID, "error", err)
	}
}

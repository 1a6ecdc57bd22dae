// Package main is the build job entrypoint that runs inside each job container.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiranshivaraju/launchpad/internal/builder"
	"github.com/kiranshivaraju/launchpad/internal/eventbus"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := newCommand().Run(ctx, os.Args); err != nil {
		slog.Error("build job failed", "error", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "launchpad-builder",
		Usage: "clone, build and upload one deployment, streaming logs to the event bus",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "repo-url",
				Usage:    "git repository to build",
				Sources:  cli.EnvVars("GIT_REPOSITORY__URL"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "project-id",
				Usage:    "job id; also the log topic suffix",
				Sources:  cli.EnvVars("PROJECT_ID"),
				Required: true,
			},
			&cli.StringFlag{
				Name:     "redis-url",
				Usage:    "event bus URL",
				Sources:  cli.EnvVars("REDIS_URL"),
				Required: true,
			},
			&cli.StringFlag{
				Name:    "workspace",
				Usage:   "directory the repository is cloned into",
				Sources: cli.EnvVars("WORKSPACE"),
				Value:   "/home/app",
			},
			&cli.StringFlag{
				Name:    "artifact-dir",
				Usage:   "root directory build output is uploaded to",
				Sources: cli.EnvVars("ARTIFACT_DIR"),
				Value:   "/artifacts",
			},
		},
		Action: buildAction,
	}
}

func buildAction(ctx context.Context, cmd *cli.Command) error {
	bus, err := eventbus.NewRedisBus(cmd.String("redis-url"))
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	defer bus.Close()

	if err := bus.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	b := &builder.Builder{
		JobID:     cmd.String("project-id"),
		RepoURL:   cmd.String("repo-url"),
		Workspace: cmd.String("workspace"),
		Bus:       bus,
		Cloner:    builder.GitCloner{Progress: os.Stdout},
		Uploader:  builder.DirUploader{Root: cmd.String("artifact-dir")},
	}
	slog.Info("build job starting", "job_id", b.JobID, "repo_url", b.RepoURL)
	return b.Run(ctx)
}

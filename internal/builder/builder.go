// Package builder is the build job that runs inside a job container: it
// clones the repository, builds it, uploads the output and reports every
// step on the job's log topic.
package builder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/kiranshivaraju/launchpad/internal/eventbus"
	"github.com/kiranshivaraju/launchpad/pkg/models"
)

const (
	msgStarted  = "Build Started..."
	msgComplete = "Build Complete"
	sourceDir   = "output"
)

// Cloner fetches a repository into an empty directory.
type Cloner interface {
	Clone(ctx context.Context, repoURL, dir string) error
}

// GitCloner clones with go-git, so the job image needs no git binary.
type GitCloner struct {
	Progress io.Writer
}

func (c GitCloner) Clone(ctx context.Context, repoURL, dir string) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:      repoURL,
		Depth:    1,
		Progress: c.Progress,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", repoURL, err)
	}
	return nil
}

// Builder runs one build. All fields except Shell are required.
type Builder struct {
	JobID     string
	RepoURL   string
	Workspace string
	Bus       eventbus.Publisher
	Cloner    Cloner
	Uploader  Uploader
	// Shell runs install and build commands; defaults to "sh".
	Shell string
}

// Run executes the build. Any failure is published as a failed status with
// a "Build failed: <reason>" line and returned. Run also returns an error
// when the terminal status cannot be published, so the job exits non-zero
// and the launcher reports the outcome instead.
func (b *Builder) Run(ctx context.Context) error {
	b.log(ctx, msgStarted)
	if err := b.run(ctx); err != nil {
		b.fail(ctx, err)
		return err
	}
	if err := b.publish(ctx, eventbus.DoneSentinel, models.JobStatusDeployed); err != nil {
		return fmt.Errorf("publish build outcome: %w", err)
	}
	slog.Info("build finished", "job_id", b.JobID)
	return nil
}

func (b *Builder) run(ctx context.Context) error {
	dir := filepath.Join(b.Workspace, sourceDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clean workspace: %w", err)
	}
	if err := b.Cloner.Clone(ctx, b.RepoURL, dir); err != nil {
		return err
	}

	manifest, err := LoadManifest(dir)
	if err != nil {
		return err
	}

	for _, step := range []string{manifest.Install, manifest.Build} {
		if err := b.exec(ctx, dir, step); err != nil {
			return err
		}
	}
	b.log(ctx, msgComplete)

	outDir, err := locateOutput(dir, manifest)
	if err != nil {
		return err
	}
	b.log(ctx, "Using build output directory: "+filepath.Base(outDir))

	return b.upload(ctx, outDir)
}

// exec runs command in dir, streaming stdout lines as-is and stderr lines
// prefixed with "error: ".
func (b *Builder) exec(ctx context.Context, dir, command string) error {
	shell := b.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %q: %w", command, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go b.stream(ctx, &wg, stdout, "")
	go b.stream(ctx, &wg, stderr, "error: ")
	wg.Wait()

	err = cmd.Wait()
	code := cmd.ProcessState.ExitCode()
	b.log(ctx, fmt.Sprintf("Build process exited with code %d", code))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("exit code %d from %q", code, command)
		}
		return fmt.Errorf("run %q: %w", command, err)
	}
	return nil
}

func (b *Builder) stream(ctx context.Context, wg *sync.WaitGroup, r io.Reader, prefix string) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			b.log(ctx, prefix+line)
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("reading build output", "job_id", b.JobID, "error", err)
		_, _ = io.Copy(io.Discard, r)
	}
}

func (b *Builder) upload(ctx context.Context, outDir string) error {
	b.log(ctx, "Starting to upload")
	return filepath.WalkDir(outDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(outDir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		b.log(ctx, "uploading "+rel)
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", rel, err)
		}
		err = b.Uploader.Upload(ctx, ArtifactKey(b.JobID, rel), f, contentType(p))
		f.Close()
		if err != nil {
			return fmt.Errorf("error during upload of %s: %w", rel, err)
		}
		b.log(ctx, "uploaded "+rel)
		return nil
	})
}

func contentType(p string) string {
	if t := mime.TypeByExtension(filepath.Ext(p)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func (b *Builder) fail(ctx context.Context, cause error) {
	slog.Error("build failed", "job_id", b.JobID, "error", cause)
	_ = b.publish(context.WithoutCancel(ctx), eventbus.FailedPrefix+": "+cause.Error(), models.JobStatusFailed)
}

// log publishes a progress line. A lost progress line does not fail the build.
func (b *Builder) log(ctx context.Context, text string) {
	_ = b.publish(ctx, text, "")
}

func (b *Builder) publish(ctx context.Context, text, status string) error {
	var err error
	if status == "" {
		err = b.Bus.Publish(ctx, b.JobID, text)
	} else {
		err = b.Bus.PublishStatus(ctx, b.JobID, text, status)
	}
	if err != nil {
		slog.Warn("publish build log", "job_id", b.JobID, "status", status, "error", err)
	}
	return err
}

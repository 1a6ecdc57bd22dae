package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// OutputPrefix is the key prefix every uploaded artifact lives under.
const OutputPrefix = "__outputs"

// Uploader stores one build artifact under key.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
}

// ArtifactKey is the storage key for a file of jobID's build output.
func ArtifactKey(jobID, rel string) string {
	return path.Join(OutputPrefix, jobID, filepath.ToSlash(rel))
}

// DirUploader writes artifacts below a local root directory, mirroring the
// key layout an object store would use.
type DirUploader struct {
	Root string
}

func (u DirUploader) Upload(ctx context.Context, key string, body io.Reader, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	root, err := filepath.Abs(u.Root)
	if err != nil {
		return fmt.Errorf("resolve artifact root: %w", err)
	}
	dest := filepath.Join(root, filepath.FromSlash(key))
	if !strings.HasPrefix(dest, root+string(filepath.Separator)) {
		return fmt.Errorf("artifact key %q escapes %s", key, root)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return fmt.Errorf("write artifact %s: %w", key, err)
	}
	return f.Close()
}

package builder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the optional per-repository build description.
const ManifestFile = "launchpad.yaml"

const (
	defaultInstall = "npm install"
	defaultBuild   = "npm run build"
)

// outputCandidates are searched in order when the manifest names no output.
var outputCandidates = []string{"dist", "build", "out", "public"}

// Manifest describes how to build a repository.
type Manifest struct {
	Install string `yaml:"install"`
	Build   string `yaml:"build"`
	Output  string `yaml:"output"`
}

// LoadManifest reads launchpad.yaml from dir. A missing file yields the
// npm defaults.
func LoadManifest(dir string) (Manifest, error) {
	m := Manifest{}
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return m, fmt.Errorf("read %s: %w", ManifestFile, err)
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return m, fmt.Errorf("parse %s: %w", ManifestFile, err)
		}
	}

	if strings.TrimSpace(m.Install) == "" {
		m.Install = defaultInstall
	}
	if strings.TrimSpace(m.Build) == "" {
		m.Build = defaultBuild
	}
	if m.Output != "" {
		clean := filepath.Clean(m.Output)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return m, fmt.Errorf("%s: output %q must stay inside the repository", ManifestFile, m.Output)
		}
		m.Output = clean
	}
	return m, nil
}

// locateOutput returns the build output directory under dir.
func locateOutput(dir string, m Manifest) (string, error) {
	candidates := outputCandidates
	if m.Output != "" {
		candidates = []string{m.Output}
	}
	for _, c := range candidates {
		p := filepath.Join(dir, c)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p, nil
		}
	}
	if m.Output != "" {
		return "", fmt.Errorf("build output directory %q not found", m.Output)
	}
	return "", errors.New("no build output directory found (dist, build, out, or public)")
}

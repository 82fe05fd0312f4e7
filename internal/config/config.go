// Package config resolves comfykit's configuration surface.
//
// Run configuration (the sanity command) is resolved in three layers:
// built-in defaults, COMFYKIT_* environment variables (parsed with
// github.com/caarlos0/env), and command-line flags bound by the CLI layer,
// which override everything. Build configuration (the build command) lives
// in a YAML file, because an image build is a pinned, reviewed artifact
// rather than a per-run knob.
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmr-tortoise/comfykit/internal/model"
)

// Run holds the configuration for one sanity-check run.
type Run struct {
	// WorkRoot is the scratch root the run provisions into. Each run owns
	// its work root exclusively; concurrent runs must use distinct roots.
	WorkRoot string `env:"COMFYKIT_WORK_ROOT" envDefault:"/tmp/comfykit"`

	// AppRepoURL is the host application's repository.
	AppRepoURL string `env:"COMFYKIT_APP_REPO" envDefault:"https://github.com/comfyanonymous/ComfyUI.git"`

	// AppRef is the application version to provision: a tag, branch, or
	// commit. Empty means the repository's default branch head.
	AppRef string `env:"COMFYKIT_APP_REF"`

	// ManifestPath is a local manifest file. Exactly one of ManifestPath
	// and ManifestURL must be set.
	ManifestPath string `env:"COMFYKIT_MANIFEST"`

	// ManifestURL is a remote manifest source.
	ManifestURL string `env:"COMFYKIT_MANIFEST_URL"`

	// ConstraintsFile optionally pins dependency versions across every
	// install in the run. Passed through verbatim to pip's -c flag.
	ConstraintsFile string `env:"COMFYKIT_CONSTRAINTS"`

	// PythonBin is the interpreter used for installs and import probes.
	PythonBin string `env:"COMFYKIT_PYTHON" envDefault:"python3"`

	// Jobs bounds concurrent fetches and installs. 1 reproduces the
	// strictly sequential reference behavior.
	Jobs int `env:"COMFYKIT_JOBS" envDefault:"1"`

	// FetchTimeout bounds each repository clone. Zero disables it.
	FetchTimeout time.Duration `env:"COMFYKIT_FETCH_TIMEOUT" envDefault:"10m"`

	// InstallTimeout bounds each pip install. Zero disables it.
	InstallTimeout time.Duration `env:"COMFYKIT_INSTALL_TIMEOUT" envDefault:"20m"`
}

// ParseEnv builds a Run from defaults and COMFYKIT_* environment
// variables. Flag overrides are applied afterwards by the CLI layer.
func ParseEnv() (*Run, error) {
	cfg := &Run{}
	if err := env.Parse(cfg); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "parse environment", err)
	}
	return cfg, nil
}

// Validate checks the configuration before any phase runs. Every problem
// found here is a configuration error (exit 1): the run aborts without
// touching the work root.
func (c *Run) Validate() error {
	if c.ManifestPath == "" && c.ManifestURL == "" {
		return model.NewCLIError(model.ExitConfigError,
			"a manifest source is required (--manifest or --manifest-url)")
	}
	if c.ManifestPath != "" && c.ManifestURL != "" {
		return model.NewCLIError(model.ExitConfigError,
			"--manifest and --manifest-url are mutually exclusive")
	}
	if c.ConstraintsFile != "" {
		if _, err := os.Stat(c.ConstraintsFile); err != nil {
			return model.WrapCLIError(model.ExitConfigError,
				fmt.Sprintf("constraints file %s does not exist", c.ConstraintsFile), err)
		}
	}
	if c.Jobs < 1 {
		return model.NewCLIError(model.ExitConfigError,
			fmt.Sprintf("jobs must be at least 1, got %d", c.Jobs))
	}
	if _, err := exec.LookPath(c.PythonBin); err != nil {
		// Catch a missing interpreter up front: every install and every
		// probe would otherwise fail for the same unrelated reason.
		return model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("python interpreter %q not found", c.PythonBin), err)
	}
	return nil
}

// AppName derives the application directory name from the repository URL
// (the URL base with any .git suffix removed), e.g. "ComfyUI".
func (c *Run) AppName() string {
	base := filepath.Base(strings.TrimSuffix(c.AppRepoURL, "/"))
	return strings.TrimSuffix(base, ".git")
}

// AppDir is where the host application itself is provisioned:
// <workRoot>/run/<application>.
func (c *Run) AppDir() string {
	return filepath.Join(c.WorkRoot, "run", c.AppName())
}

// NodesRoot is the custom-nodes directory manifest entries are cloned
// beneath: <appDir>/custom_nodes.
func (c *Run) NodesRoot() string {
	return filepath.Join(c.AppDir(), "custom_nodes")
}

// LogDir holds all per-entry logs and the aggregate import report:
// <workRoot>/logs.
func (c *Run) LogDir() string {
	return filepath.Join(c.WorkRoot, "logs")
}

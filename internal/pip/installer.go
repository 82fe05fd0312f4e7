// Package pip installs the Python dependencies declared by fetched
// custom-node repositories.
//
// The dependency installer is an opaque external tool from this package's
// point of view: it takes a requirements file and an optional constraints
// file and reports success or failure. The production implementation shells
// out to `<python> -m pip`; the Installer interface exists so the phase
// logic can be tested without a Python toolchain.
package pip

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Installer installs the packages declared in a requirements file,
// optionally constrained by a shared pin list. The raw tool output is
// returned on success and failure alike so it can be persisted.
type Installer interface {
	Install(ctx context.Context, reqFile, constraintsFile string) ([]byte, error)
}

// PipInstaller is the production Installer, invoking pip through the
// configured Python interpreter. `python -m pip` rather than a bare `pip`
// binary guarantees the install lands in the same environment the import
// probe later runs in.
type PipInstaller struct {
	// PythonBin is the Python interpreter to run pip under.
	PythonBin string
}

// NewPipInstaller creates a PipInstaller for the given interpreter.
func NewPipInstaller(pythonBin string) *PipInstaller {
	return &PipInstaller{PythonBin: pythonBin}
}

// Install runs `<python> -m pip install -r reqFile [-c constraintsFile]`.
// The constraints file is passed through verbatim; its format is owned
// by pip.
func (p *PipInstaller) Install(ctx context.Context, reqFile, constraintsFile string) ([]byte, error) {
	args := []string{"-m", "pip", "install", "-r", reqFile}
	if constraintsFile != "" {
		args = append(args, "-c", constraintsFile)
	}

	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, p.PythonBin, args...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s failed: %w", p.PythonBin, strings.Join(args, " "), err)
	}
	return out, nil
}

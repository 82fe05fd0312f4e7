// Package probe best-effort import-checks fetched custom-node directories.
//
// The probe answers one question per plugin directory: is there anything
// here that a Python interpreter on this host can load? It says nothing
// about runtime correctness — a plugin that imports cleanly may still be
// broken, and a plugin that fails to import here may work fine on a GPU
// host. That is why probe outcomes are Ok or Warned, never Failed.
package probe

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// maxCandidates caps the importable units tried per plugin directory.
// Some node packs ship hundreds of loose scripts; past this many failed
// imports the remaining candidates tell us nothing new.
const maxCandidates = 50

// initFile marks a directory as a proper Python package. When present it
// is the only candidate: the package initializer is the plugin's declared
// entry point and loose scripts beside it are implementation details.
const initFile = "__init__.py"

// Candidate is one importable unit of a plugin directory.
type Candidate struct {
	// Module is the name passed to importlib. For a package candidate this
	// is the directory name itself; for a script candidate, the file stem.
	Module string

	// SearchPath is prepended to sys.path for the import attempt: the
	// custom-nodes root for package candidates, the plugin directory for
	// script candidates.
	SearchPath string
}

// String renders the candidate for the import report.
func (c Candidate) String() string {
	return c.Module
}

// BuildCandidates returns the import candidates for one plugin directory,
// in attempt order: the package itself when __init__.py is present, else
// the directory's top-level *.py files sorted by name, capped at
// maxCandidates.
func BuildCandidates(nodesRoot, dir string) ([]Candidate, error) {
	pluginDir := filepath.Join(nodesRoot, dir)

	if _, err := os.Stat(filepath.Join(pluginDir, initFile)); err == nil {
		return []Candidate{{Module: dir, SearchPath: nodesRoot}}, nil
	}

	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".py") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".py"))
	}
	sort.Strings(names)

	if len(names) > maxCandidates {
		names = names[:maxCandidates]
	}

	candidates := make([]Candidate, 0, len(names))
	for _, name := range names {
		candidates = append(candidates, Candidate{Module: name, SearchPath: pluginDir})
	}
	return candidates, nil
}

// Prober attempts to import a single module. Implementations report
// failure via the returned error and hand back the interpreter output
// either way.
type Prober interface {
	TryImport(ctx context.Context, searchPath, module string) ([]byte, error)
}

// PythonProber is the production Prober, running the configured
// interpreter as a child process per attempt. One process per import is
// deliberate: a plugin that crashes the interpreter (segfaulting native
// extension, sys.exit in module scope) must not take the probe down
// with it.
type PythonProber struct {
	// PythonBin is the Python interpreter to probe with.
	PythonBin string
}

// NewPythonProber creates a PythonProber for the given interpreter.
func NewPythonProber(pythonBin string) *PythonProber {
	return &PythonProber{PythonBin: pythonBin}
}

// TryImport imports module with searchPath prepended to sys.path.
// importlib.import_module is used instead of an import statement because
// custom-node directory names routinely contain characters that are not
// valid Python identifiers (ComfyUI-Manager, was-node-suite-comfyui).
func (p *PythonProber) TryImport(ctx context.Context, searchPath, module string) ([]byte, error) {
	program := fmt.Sprintf(
		"import importlib, sys; sys.path.insert(0, %q); importlib.import_module(%q)",
		searchPath, module,
	)

	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, p.PythonBin, "-c", program)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("import %s failed: %w", module, err)
	}
	return out, nil
}

// phase.go implements the import-probe pass. Unlike fetch and install,
// this pass enumerates the filesystem rather than the manifest: leftover
// or manually-added plugin directories under the custom-nodes root are
// probed too.
package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mmr-tortoise/comfykit/internal/model"
)

// reportName is the aggregate import report written into the log
// directory after the pass.
const reportName = "import_sanity.log"

// Phase runs the import-probe pass over the custom-nodes root.
// The pass is sequential: import attempts are cheap compared to fetches
// and installs, and a stable probe order keeps the report deterministic.
type Phase struct {
	// Prober performs the actual import attempts.
	Prober Prober

	// NodesRoot is the custom-nodes directory to enumerate.
	NodesRoot string

	// LogDir receives the aggregate import_sanity.log report.
	LogDir string

	// Timeout bounds each individual import attempt. Zero means none.
	Timeout time.Duration

	// Progress, when set, is invoked once per probed directory.
	Progress func(model.PhaseOutcome)
}

// Run probes every plugin directory under the custom-nodes root, sorted by
// name, and returns one outcome per directory. Outcomes are Ok or Warned,
// never Failed: on a CPU-only sanity host, GPU-dependent plugins are
// expected to fail to import, and that must never fail the run.
func (p *Phase) Run(ctx context.Context) []model.PhaseOutcome {
	dirs, err := p.pluginDirs()
	if err != nil {
		// An unreadable custom-nodes root means there is nothing to probe.
		// The fetch phase has already recorded whatever went wrong.
		return nil
	}

	outcomes := make([]model.PhaseOutcome, 0, len(dirs))
	for _, dir := range dirs {
		outcome := p.probeDir(ctx, dir)
		outcomes = append(outcomes, outcome)
		if p.Progress != nil {
			p.Progress(outcome)
		}
	}

	p.writeReport(outcomes)
	return outcomes
}

// probeDir tries the directory's import candidates in order until one
// succeeds or the list is exhausted.
func (p *Phase) probeDir(ctx context.Context, dir string) model.PhaseOutcome {
	outcome := model.PhaseOutcome{
		Entry: model.ManifestEntry{TargetDir: dir},
		Phase: model.PhaseImport,
	}

	candidates, err := BuildCandidates(p.NodesRoot, dir)
	if err != nil {
		outcome.Status = model.StatusWarned
		outcome.Detail = fmt.Sprintf("cannot enumerate candidates: %v", err)
		return outcome
	}
	if len(candidates) == 0 {
		outcome.Status = model.StatusWarned
		outcome.Detail = "no importable units found"
		return outcome
	}

	var lastErr error
	for _, c := range candidates {
		attemptCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			lastErr = p.tryOne(attemptCtx, c)
			cancel()
		} else {
			lastErr = p.tryOne(attemptCtx, c)
		}

		if lastErr == nil {
			outcome.Status = model.StatusOk
			outcome.Detail = "imported " + c.String()
			return outcome
		}
	}

	outcome.Status = model.StatusWarned
	outcome.Detail = fmt.Sprintf("all %d candidate(s) failed, last: %v", len(candidates), lastErr)
	return outcome
}

func (p *Phase) tryOne(ctx context.Context, c Candidate) error {
	_, err := p.Prober.TryImport(ctx, c.SearchPath, c.Module)
	return err
}

// pluginDirs lists the plugin directories under the custom-nodes root,
// sorted by name. Hidden directories and Python bytecode caches are not
// plugins.
func (p *Phase) pluginDirs() ([]string, error) {
	entries, err := os.ReadDir(p.NodesRoot)
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || name == "__pycache__" {
			continue
		}
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// writeReport persists the aggregate import report. One line per probed
// directory keeps the file grep-friendly for operators. Report-writing
// failures are swallowed: losing the report must not change the outcome.
func (p *Phase) writeReport(outcomes []model.PhaseOutcome) {
	if p.LogDir == "" || len(outcomes) == 0 {
		return
	}
	if err := os.MkdirAll(p.LogDir, 0o755); err != nil {
		return
	}

	var b strings.Builder
	for _, o := range outcomes {
		fmt.Fprintf(&b, "%-6s %s: %s\n", o.Status, o.Entry.TargetDir, o.Detail)
	}

	_ = os.WriteFile(filepath.Join(p.LogDir, reportName), []byte(b.String()), 0o644)
}

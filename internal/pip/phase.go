// phase.go implements the batch install phase: a second, independent full
// pass over the same in-memory manifest, run only after ALL repositories
// have been fetched.
package pip

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmr-tortoise/comfykit/internal/model"
)

// RequirementsName is the dependency-declaration file looked for in each
// fetched repository.
const RequirementsName = "requirements.txt"

// Phase runs the install pass over a manifest.
type Phase struct {
	// Installer performs the actual pip invocation.
	Installer Installer

	// NodesRoot is the custom-nodes directory the fetch phase populated.
	NodesRoot string

	// LogDir receives one install_<targetDir>.log per installed entry.
	LogDir string

	// ConstraintsFile, when non-empty, is applied uniformly to every
	// install in the pass.
	ConstraintsFile string

	// Timeout bounds each individual install. Zero means no per-entry
	// timeout. Hanging resolvers are a real-world failure mode, so
	// production runs should set this.
	Timeout time.Duration

	// Jobs is the maximum number of concurrent installs. Values below 1
	// are treated as 1.
	Jobs int

	// Progress, when set, is invoked once per completed entry.
	// Calls are serialized.
	Progress func(model.PhaseOutcome)
}

// Run executes the install pass and returns one outcome per manifest
// entry, in manifest order. Entries whose repository declares no
// dependencies are Ok, not Warned: absence of a requirements file is
// normal. A failed install never aborts the pass.
func (p *Phase) Run(ctx context.Context, m model.Manifest) []model.PhaseOutcome {
	outcomes := make([]model.PhaseOutcome, len(m))

	jobs := p.Jobs
	if jobs < 1 {
		jobs = 1
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	for i, entry := range m {
		g.Go(func() error {
			outcome := p.installEntry(ctx, entry)
			outcomes[i] = outcome
			if p.Progress != nil {
				mu.Lock()
				p.Progress(outcome)
				mu.Unlock()
			}
			// Failures live in the outcome; returning them would cancel
			// the sibling workers and abort the batch.
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

// installEntry installs one entry's declared dependencies, if any.
func (p *Phase) installEntry(ctx context.Context, entry model.ManifestEntry) model.PhaseOutcome {
	outcome := model.PhaseOutcome{
		Entry:  entry,
		Phase:  model.PhaseInstall,
		Status: model.StatusOk,
	}

	reqFile := filepath.Join(p.NodesRoot, entry.TargetDir, RequirementsName)
	if _, err := os.Stat(reqFile); err != nil {
		// No requirements file: nothing to install, and nothing anomalous.
		outcome.Detail = "no " + RequirementsName
		return outcome
	}

	out, err := p.install(ctx, reqFile)
	outcome.LogPath = writeEntryLog(p.LogDir, model.PhaseInstall, entry.TargetDir, out)
	if err != nil {
		outcome.Status = model.StatusFailed
		outcome.Detail = err.Error()
	}

	return outcome
}

// InstallFile installs a requirements file that is not tied to a manifest
// entry — the host application's own dependencies, installed once as a
// prerequisite before the manifest pass. The outcome uses name for the
// log file and summary reporting.
func (p *Phase) InstallFile(ctx context.Context, name, reqFile string) model.PhaseOutcome {
	outcome := model.PhaseOutcome{
		Entry:  model.ManifestEntry{TargetDir: name},
		Phase:  model.PhaseInstall,
		Status: model.StatusOk,
	}

	if _, err := os.Stat(reqFile); err != nil {
		outcome.Detail = "no " + filepath.Base(reqFile)
		return outcome
	}

	out, err := p.install(ctx, reqFile)
	outcome.LogPath = writeEntryLog(p.LogDir, model.PhaseInstall, name, out)
	if err != nil {
		outcome.Status = model.StatusFailed
		outcome.Detail = err.Error()
	}

	return outcome
}

// install applies the per-entry timeout and the shared constraints file.
func (p *Phase) install(ctx context.Context, reqFile string) ([]byte, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	return p.Installer.Install(ctx, reqFile, p.ConstraintsFile)
}

// writeEntryLog persists raw tool output under a deterministic per-entry
// name and returns the log path. Logging failures are swallowed: the log
// is diagnostic convenience, losing it must not change the outcome.
func writeEntryLog(logDir string, phase model.Phase, targetDir string, out []byte) string {
	if logDir == "" || len(out) == 0 {
		return ""
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return ""
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("%s_%s.log", phase, targetDir))
	if err := os.WriteFile(logPath, out, 0o644); err != nil {
		return ""
	}
	return logPath
}

// phase.go implements the batch fetch phase: one full pass over the
// in-memory manifest, in source order, isolating failures per entry.
package fetch

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

// Phase runs the fetch pass over a manifest.
//
// Entries targeting distinct directories are independent and may run in
// parallel (Jobs > 1). Entries sharing a target directory are chained in
// manifest order within one worker, which preserves the last-entry-wins
// contract for duplicate directories regardless of parallelism.
type Phase struct {
	// Fetcher performs the actual clone.
	Fetcher Fetcher

	// NodesRoot is the custom-nodes directory entries are cloned beneath.
	NodesRoot string

	// LogDir receives one fetch_<targetDir>.log per entry.
	LogDir string

	// Timeout bounds each individual fetch. Zero means no per-entry
	// timeout. Unreachable repository hosts are the dominant real-world
	// failure mode, so production runs should always set this.
	Timeout time.Duration

	// Jobs is the maximum number of concurrent fetches. Values below 1
	// are treated as 1 (sequential, reference-equivalent ordering).
	Jobs int

	// Progress, when set, is invoked once per completed entry. Calls are
	// serialized; outcomes may complete out of manifest order when Jobs > 1.
	Progress func(model.PhaseOutcome)
}

// Run executes the fetch pass and returns one outcome per manifest entry,
// in manifest order. A failed entry never aborts the pass.
func (p *Phase) Run(ctx context.Context, m model.Manifest) []model.PhaseOutcome {
	outcomes := make([]model.PhaseOutcome, len(m))

	// Group entry indices by target directory. Each group is processed
	// sequentially in manifest order; groups are independent of each other.
	order, groups := groupByTargetDir(m)

	jobs := p.Jobs
	if jobs < 1 {
		jobs = 1
	}

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)

	for _, dir := range order {
		indices := groups[dir]
		g.Go(func() error {
			for _, i := range indices {
				outcome := p.fetchEntry(ctx, m[i])
				outcomes[i] = outcome
				if p.Progress != nil {
					mu.Lock()
					p.Progress(outcome)
					mu.Unlock()
				}
			}
			// Failures are recorded in outcomes, never returned: returning
			// an error would cancel the sibling groups and abort the batch.
			return nil
		})
	}

	// Workers only ever return nil; Wait is for completion, not errors.
	_ = g.Wait()

	return outcomes
}

// fetchEntry materializes a single entry: destructively remove any prior
// contents at the target path, then clone. Re-running the phase on a
// previously-populated root therefore converges to the manifest's declared
// state instead of accumulating stale checkouts.
func (p *Phase) fetchEntry(ctx context.Context, entry model.ManifestEntry) model.PhaseOutcome {
	outcome := model.PhaseOutcome{
		Entry:  entry,
		Phase:  model.PhaseFetch,
		Status: model.StatusOk,
	}

	// The loader already validates target directories, but the phase does
	// a destructive RemoveAll, so re-check before touching the filesystem.
	if err := model.ValidateTargetDir(entry.TargetDir); err != nil {
		outcome.Status = model.StatusFailed
		outcome.Detail = err.Error()
		return outcome
	}

	dest := filepath.Join(p.NodesRoot, entry.TargetDir)
	if err := os.RemoveAll(dest); err != nil {
		outcome.Status = model.StatusFailed
		outcome.Detail = fmt.Sprintf("remove existing %s: %v", dest, err)
		return outcome
	}

	fetchCtx := ctx
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	out, err := p.Fetcher.Fetch(fetchCtx, entry.RepositoryURL, dest, Options{Recursive: entry.Recursive})
	outcome.LogPath = writeEntryLog(p.LogDir, model.PhaseFetch, entry.TargetDir, out)
	if err != nil {
		outcome.Status = model.StatusFailed
		outcome.Detail = err.Error()
	}

	return outcome
}

// groupByTargetDir buckets entry indices by target directory, preserving
// first-occurrence order of the directories and manifest order within
// each bucket.
func groupByTargetDir(m model.Manifest) ([]string, map[string][]int) {
	order := make([]string, 0, len(m))
	groups := make(map[string][]int, len(m))
	for i, e := range m {
		if _, seen := groups[e.TargetDir]; !seen {
			order = append(order, e.TargetDir)
		}
		groups[e.TargetDir] = append(groups[e.TargetDir], i)
	}
	return order, groups
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

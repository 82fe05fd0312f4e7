// Package runner orchestrates a full sanity-check run: provision the host
// application, then drive the manifest through the fetch, install, and
// import-probe phases, and fold everything into a RunSummary.
//
// The runner owns the phase sequencing invariants: the manifest is loaded
// once and traversed twice (fetch pass, then install pass — never
// interleaved, installs depend on fully fetched trees), and the import
// probe runs last against whatever actually sits on disk.
package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/mmr-tortoise/comfykit/internal/config"
	"github.com/mmr-tortoise/comfykit/internal/fetch"
	"github.com/mmr-tortoise/comfykit/internal/manifest"
	"github.com/mmr-tortoise/comfykit/internal/model"
	"github.com/mmr-tortoise/comfykit/internal/pip"
	"github.com/mmr-tortoise/comfykit/internal/probe"
)

// Runner executes one sanity-check run. The external tool integrations are
// interfaces so the whole orchestration is testable without git, pip, or
// Python on the test host.
type Runner struct {
	Config    *config.Run
	Fetcher   fetch.Fetcher
	Installer pip.Installer
	Prober    probe.Prober

	// Log receives the settings banner, per-entry progress, and
	// diagnostics on stderr.
	Log *log.Logger

	// Out receives the final human-readable summary block. Defaults to
	// os.Stdout in New.
	Out io.Writer
}

// New wires a Runner with the production integrations: git, pip under the
// configured interpreter, and per-attempt Python import probes.
func New(cfg *config.Run, logger *log.Logger) *Runner {
	return &Runner{
		Config:    cfg,
		Fetcher:   fetch.NewGitFetcher(),
		Installer: pip.NewPipInstaller(cfg.PythonBin),
		Prober:    probe.NewPythonProber(cfg.PythonBin),
		Log:       logger,
		Out:       os.Stdout,
	}
}

// Run executes the full pipeline and returns the run summary.
//
// A returned error means the run could not meaningfully proceed
// (configuration problems, or the host application itself could not be
// provisioned). Per-entry failures are never errors: they are recorded in
// the summary, and the caller derives the exit code from Summary.ExitCode.
func (r *Runner) Run(ctx context.Context) (*model.RunSummary, error) {
	cfg := r.Config

	r.Log.Info("sanity run starting",
		"workRoot", cfg.WorkRoot,
		"app", cfg.AppRepoURL,
		"ref", refOrDefault(cfg.AppRef),
		"manifest", manifestSource(cfg),
		"constraints", cfg.ConstraintsFile,
		"python", cfg.PythonBin,
		"jobs", cfg.Jobs,
	)

	// Load the manifest exactly once. Both passes below iterate this
	// in-memory value; the source is never re-read mid-run.
	m, err := loadManifest(cfg)
	if err != nil {
		return nil, err
	}
	r.Log.Info("manifest loaded", "entries", len(m))

	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigError, "cannot create log directory", err)
	}

	summary := &model.RunSummary{Entries: len(m), LogDir: cfg.LogDir()}

	// Prerequisite: the host application itself. Without it there is no
	// custom-nodes root to provision into, so a failure here aborts the
	// run — with the provisioning exit code, since this is a fetch failure
	// in every sense that matters.
	if err := r.provisionApp(ctx, summary); err != nil {
		return summary, err
	}

	// Pass 1: fetch every manifest entry.
	fetchPhase := &fetch.Phase{
		Fetcher:   r.Fetcher,
		NodesRoot: cfg.NodesRoot(),
		LogDir:    cfg.LogDir(),
		Timeout:   cfg.FetchTimeout,
		Jobs:      cfg.Jobs,
		Progress:  r.progress,
	}
	for _, o := range fetchPhase.Run(ctx, m) {
		summary.Record(o)
	}

	// Pass 2: install dependencies. Starts only after every fetch has
	// completed — installs depend on fully materialized source trees.
	installPhase := &pip.Phase{
		Installer:       r.Installer,
		NodesRoot:       cfg.NodesRoot(),
		LogDir:          cfg.LogDir(),
		ConstraintsFile: cfg.ConstraintsFile,
		Timeout:         cfg.InstallTimeout,
		Jobs:            cfg.Jobs,
		Progress:        r.progress,
	}
	for _, o := range installPhase.Run(ctx, m) {
		summary.Record(o)
	}

	// Pass 3: probe whatever is on disk, manifested or not.
	probePhase := &probe.Phase{
		Prober:    r.Prober,
		NodesRoot: cfg.NodesRoot(),
		LogDir:    cfg.LogDir(),
		Progress:  r.progress,
	}
	for _, o := range probePhase.Run(ctx) {
		summary.Record(o)
	}

	r.printSummary(summary)
	return summary, nil
}

// provisionApp materializes the host application checkout and installs its
// own requirements once, before the manifest passes.
//
// An existing checkout is reused: wiping it would also wipe custom_nodes,
// discarding manually-added plugin directories that the import probe is
// specified to pick up. Re-running against a reused root still converges,
// because the fetch phase removes each manifested target before cloning.
func (r *Runner) provisionApp(ctx context.Context, summary *model.RunSummary) error {
	cfg := r.Config
	appDir := cfg.AppDir()

	if _, err := os.Stat(appDir); err == nil {
		r.Log.Info("reusing existing application checkout", "dir", appDir)
	} else {
		r.Log.Info("fetching application", "url", cfg.AppRepoURL, "ref", refOrDefault(cfg.AppRef))

		fetchCtx := ctx
		if cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(ctx, cfg.FetchTimeout)
			defer cancel()
		}

		out, err := r.Fetcher.Fetch(fetchCtx, cfg.AppRepoURL, appDir, fetch.Options{Ref: cfg.AppRef})
		logPath := writeLog(cfg.LogDir(), "fetch_"+cfg.AppName()+".log", out)
		if err != nil {
			summary.Record(model.PhaseOutcome{
				Entry:   model.ManifestEntry{RepositoryURL: cfg.AppRepoURL, TargetDir: cfg.AppName()},
				Phase:   model.PhaseFetch,
				Status:  model.StatusFailed,
				LogPath: logPath,
				Detail:  err.Error(),
			})
			return model.WrapCLIError(model.ExitProvisionFailed, "cannot provision the application", err)
		}
	}

	if err := os.MkdirAll(cfg.NodesRoot(), 0o755); err != nil {
		return model.WrapCLIError(model.ExitConfigError, "cannot create custom-nodes root", err)
	}

	// The application's own dependency install is a shared prerequisite,
	// not a manifest entry. Its failure counts like any install failure
	// but does not abort the batch: individual nodes may still provision.
	installPhase := &pip.Phase{
		Installer:       r.Installer,
		LogDir:          cfg.LogDir(),
		ConstraintsFile: cfg.ConstraintsFile,
		Timeout:         cfg.InstallTimeout,
	}
	outcome := installPhase.InstallFile(ctx, cfg.AppName(), filepath.Join(appDir, pip.RequirementsName))
	r.progress(outcome)
	summary.Record(outcome)

	return nil
}

// progress emits one line per completed entry, leveled by outcome.
func (r *Runner) progress(o model.PhaseOutcome) {
	switch o.Status {
	case model.StatusFailed:
		r.Log.Error(string(o.Phase)+" failed", "dir", o.Entry.TargetDir, "detail", o.Detail, "log", o.LogPath)
	case model.StatusWarned:
		r.Log.Warn(string(o.Phase)+" warning", "dir", o.Entry.TargetDir, "detail", o.Detail)
	default:
		r.Log.Info(string(o.Phase)+" ok", "dir", o.Entry.TargetDir)
	}
}

// printSummary writes the final human-readable block. This goes to stdout
// (not the logger): it is the run's primary output, stable enough for
// operators to grep.
func (r *Runner) printSummary(s *model.RunSummary) {
	fmt.Fprintln(r.Out, "Sanity check complete")
	fmt.Fprintf(r.Out, "  Entries:          %d\n", s.Entries)
	fmt.Fprintf(r.Out, "  Fetch failures:   %d\n", s.FetchFailures)
	fmt.Fprintf(r.Out, "  Install failures: %d\n", s.InstallFailures)
	fmt.Fprintf(r.Out, "  Probed dirs:      %d\n", s.ProbedDirs)
	fmt.Fprintf(r.Out, "  Import warnings:  %d\n", s.ImportWarnings)
	for _, name := range s.WarnedNames {
		fmt.Fprintf(r.Out, "    - %s\n", name)
	}
	fmt.Fprintf(r.Out, "  Logs: %s\n", s.LogDir)
}

// loadManifest dispatches to the file or URL loader. Validate has already
// guaranteed exactly one source is configured.
func loadManifest(cfg *config.Run) (model.Manifest, error) {
	if cfg.ManifestURL != "" {
		return manifest.LoadURL(cfg.ManifestURL)
	}
	return manifest.LoadFile(cfg.ManifestPath)
}

// writeLog persists raw tool output, returning the log path or "" when
// nothing was written.
func writeLog(logDir, name string, out []byte) string {
	if len(out) == 0 {
		return ""
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return ""
	}
	logPath := filepath.Join(logDir, name)
	if err := os.WriteFile(logPath, out, 0o644); err != nil {
		return ""
	}
	return logPath
}

func refOrDefault(ref string) string {
	if ref == "" {
		return "default branch"
	}
	return ref
}

func manifestSource(cfg *config.Run) string {
	if cfg.ManifestURL != "" {
		return cfg.ManifestURL
	}
	return cfg.ManifestPath
}

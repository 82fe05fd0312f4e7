// Package model defines the domain types for the comfykit CLI.
//
// The central aggregate is a provisioning run: a Manifest of custom-node
// repositories is driven through three phases (fetch, install, import probe),
// each phase producing one PhaseOutcome per entry, and the outcomes are
// folded into a RunSummary that decides the process exit code.
package model

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Phase identifies one stage of the provisioning pipeline.
// Phases always execute in declaration order: all fetches complete before
// any install starts, and the import probe runs only after both.
type Phase string

const (
	// PhaseFetch materializes a repository's source tree under the
	// custom-nodes root.
	PhaseFetch Phase = "fetch"

	// PhaseInstall installs a fetched repository's declared Python
	// dependencies via pip.
	PhaseInstall Phase = "install"

	// PhaseImport best-effort import-checks a plugin directory on the
	// CPU-only sanity host.
	PhaseImport Phase = "import"
)

// String returns the string representation of the Phase,
// satisfying fmt.Stringer for log and error formatting.
func (p Phase) String() string {
	return string(p)
}

// IsValid checks whether the Phase value is one of the defined phases.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseFetch, PhaseInstall, PhaseImport:
		return true
	default:
		return false
	}
}

// OutcomeStatus is the per-entry result of a single phase.
//
// The three values encode the severity policy of the whole tool:
// Failed outcomes in fetch/install make the run exit non-zero, while
// Warned outcomes (produced only by the import probe) never do —
// GPU-only plugins are expected to fail to import on a CPU-only host.
type OutcomeStatus string

const (
	// StatusOk indicates the phase completed for the entry. A skipped
	// install (no requirements file present) is also Ok: absence of the
	// file is normal, not an anomaly.
	StatusOk OutcomeStatus = "ok"

	// StatusFailed indicates the external tool (git, pip) reported failure
	// for the entry. Failed outcomes are isolated per entry but make the
	// overall run exit with ExitProvisionFailed.
	StatusFailed OutcomeStatus = "failed"

	// StatusWarned indicates every import candidate for a plugin directory
	// failed. Warnings are informational only and never affect the exit code.
	StatusWarned OutcomeStatus = "warned"
)

// String returns the string representation of the OutcomeStatus.
func (s OutcomeStatus) String() string {
	return string(s)
}

// IsValid checks whether the OutcomeStatus is one of the defined values.
func (s OutcomeStatus) IsValid() bool {
	switch s {
	case StatusOk, StatusFailed, StatusWarned:
		return true
	default:
		return false
	}
}

// ParseOutcomeStatus converts a string to an OutcomeStatus.
// Returns an error if the string does not match any valid status.
func ParseOutcomeStatus(s string) (OutcomeStatus, error) {
	status := OutcomeStatus(strings.ToLower(s))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid outcome status: %q (valid: ok, failed, warned)", s)
	}
	return status, nil
}

// ManifestEntry is a single provisioning directive: clone RepositoryURL
// into TargetDir beneath the custom-nodes root, optionally with submodules.
type ManifestEntry struct {
	// RepositoryURL is the clone URL of the custom-node repository.
	RepositoryURL string `json:"repo"`

	// TargetDir is the directory name under the custom-nodes root that
	// the repository is cloned into. It must be a plain relative name —
	// see ValidateTargetDir. Within a manifest it uniquely identifies the
	// entry: on duplicates the last entry wins, because each fetch
	// destructively removes the target path before cloning.
	TargetDir string `json:"dir"`

	// Recursive requests a submodule-recursive clone (the manifest's
	// --recursive flag literal).
	Recursive bool `json:"recursive,omitempty"`
}

// String returns a compact human-readable form used in progress lines.
func (e ManifestEntry) String() string {
	if e.Recursive {
		return fmt.Sprintf("%s -> %s (recursive)", e.RepositoryURL, e.TargetDir)
	}
	return fmt.Sprintf("%s -> %s", e.RepositoryURL, e.TargetDir)
}

// ValidateTargetDir checks that a manifest target directory cannot escape
// the custom-nodes root. Only a single plain path element is accepted:
// absolute paths, parent traversal, nested paths, and backslashes
// (Windows separators smuggled through a manifest) are all rejected.
func ValidateTargetDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("target directory must not be empty")
	}
	if filepath.IsAbs(dir) {
		return fmt.Errorf("target directory %q must be relative", dir)
	}
	if strings.ContainsAny(dir, `/\`) {
		return fmt.Errorf("target directory %q must be a single path element", dir)
	}
	if dir == "." || dir == ".." {
		return fmt.Errorf("target directory %q must not be a traversal element", dir)
	}
	return nil
}

// Manifest is an ordered sequence of provisioning directives.
//
// Order matters: the fetch and install phases are two independent full
// passes over the same in-memory Manifest, both iterating in source order.
// The manifest file is read exactly once per run — re-reading it between
// passes (as the original shell scripts did) would race against
// concurrent edits of the source.
type Manifest []ManifestEntry

// TargetDirs returns the distinct target directories in first-occurrence
// order. Duplicate entries collapse to one directory on disk, so this is
// the set of directories the fetch phase materializes.
func (m Manifest) TargetDirs() []string {
	seen := make(map[string]bool, len(m))
	dirs := make([]string, 0, len(m))
	for _, e := range m {
		if seen[e.TargetDir] {
			continue
		}
		seen[e.TargetDir] = true
		dirs = append(dirs, e.TargetDir)
	}
	return dirs
}

// PhaseOutcome records the result of one phase for one entry.
// Outcomes are immutable after creation and appended to the run-scoped
// outcome list; the per-entry log file referenced by LogPath holds the
// raw external-tool output for post-hoc inspection.
type PhaseOutcome struct {
	// Entry is the manifest entry the outcome belongs to. For import-probe
	// outcomes of unmanifested directories (leftovers found on disk), only
	// TargetDir is populated.
	Entry ManifestEntry `json:"entry"`

	// Phase is the pipeline stage that produced this outcome.
	Phase Phase `json:"phase"`

	// Status is the per-entry result.
	Status OutcomeStatus `json:"status"`

	// LogPath is the per-entry log file holding the raw tool output.
	// Empty when the phase produced no output (e.g. a skipped install).
	LogPath string `json:"logPath,omitempty"`

	// Detail is an optional one-line reason, shown in progress output
	// for failed and warned entries.
	Detail string `json:"detail,omitempty"`
}

// RunSummary aggregates all phase outcomes of one provisioning run.
// It is derived once at end of run and drives the process exit code.
type RunSummary struct {
	// Entries is the number of manifest entries processed.
	Entries int `json:"entries"`

	// FetchFailures counts entries whose repository could not be cloned.
	FetchFailures int `json:"fetchFailures"`

	// InstallFailures counts entries (plus the host application's own
	// prerequisite install, if it failed) whose pip install failed.
	InstallFailures int `json:"installFailures"`

	// ProbedDirs is the number of plugin directories the import probe
	// examined. This can exceed Entries: the probe enumerates the
	// filesystem, so manually-added or leftover directories are probed too.
	ProbedDirs int `json:"probedDirs"`

	// ImportWarnings counts plugin directories where every import
	// candidate failed.
	ImportWarnings int `json:"importWarnings"`

	// WarnedNames lists the warned directory names in probe order.
	WarnedNames []string `json:"warnedNames,omitempty"`

	// LogDir is the directory holding all per-entry logs for the run.
	LogDir string `json:"logDir,omitempty"`
}

// Record folds a single phase outcome into the summary counters.
func (s *RunSummary) Record(o PhaseOutcome) {
	switch o.Phase {
	case PhaseFetch:
		if o.Status == StatusFailed {
			s.FetchFailures++
		}
	case PhaseInstall:
		if o.Status == StatusFailed {
			s.InstallFailures++
		}
	case PhaseImport:
		s.ProbedDirs++
		if o.Status == StatusWarned {
			s.ImportWarnings++
			s.WarnedNames = append(s.WarnedNames, o.Entry.TargetDir)
		}
	}
}

// Failed reports whether the run had any structural provisioning failure.
// Import warnings are deliberately excluded: not being able to get the code
// or its dependencies is fatal, not being able to import GPU code on a
// CPU-only host is not.
func (s *RunSummary) Failed() bool {
	return s.FetchFailures > 0 || s.InstallFailures > 0
}

// ExitCode translates the summary into the process exit code.
// This is the single place encoding the three-tier severity policy.
func (s *RunSummary) ExitCode() ExitCode {
	if s.Failed() {
		return ExitProvisionFailed
	}
	return ExitSuccess
}

// ExitCode defines the CLI exit codes. These codes allow CI systems and
// wrapper scripts to programmatically classify the outcome of a run.
type ExitCode int

const (
	// ExitSuccess indicates the command completed successfully.
	// Import warnings alone still exit 0.
	ExitSuccess ExitCode = 0

	// ExitConfigError indicates a configuration problem detected before
	// any phase ran: missing manifest source, a referenced file that does
	// not exist, an unusable work root.
	ExitConfigError ExitCode = 1

	// ExitProvisionFailed indicates one or more fetch or install failures.
	// The batch still ran to completion — individual failures never abort
	// the remaining entries.
	ExitProvisionFailed ExitCode = 2

	// ExitDockerNotRunning indicates the Docker daemon is not accessible.
	// Used by the build command's preflight check.
	ExitDockerNotRunning ExitCode = 3

	// ExitGitError indicates a Git operation outside the batch (runtime
	// repo checkout for the start command) failed.
	ExitGitError ExitCode = 4
)

// CLIError is a custom error type that carries an exit code.
// This allows the CLI layer to translate domain errors into
// appropriate process exit codes.
type CLIError struct {
	// Code is the exit code to return to the OS.
	Code ExitCode

	// Message is the human-readable error description.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error satisfies the error interface. It returns the human-readable
// error message, optionally including the underlying error.
func (e *CLIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *CLIError) Unwrap() error {
	return e.Err
}

// NewCLIError creates a new CLIError with the given exit code and message.
func NewCLIError(code ExitCode, message string) *CLIError {
	return &CLIError{Code: code, Message: message}
}

// WrapCLIError creates a new CLIError that wraps an existing error.
func WrapCLIError(code ExitCode, message string, err error) *CLIError {
	return &CLIError{Code: code, Message: message, Err: err}
}

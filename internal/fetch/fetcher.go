// Package fetch materializes custom-node repositories into the
// custom-nodes root.
//
// This package wraps the Git CLI (via os/exec) behind a small Fetcher
// interface and implements the batch fetch phase: for each manifest entry,
// destructively remove the target path, clone the repository, and record a
// per-entry outcome with the raw git output persisted to a log file.
//
// Design decisions:
//   - We shell out to `git` rather than using a Go Git library because
//     custom-node repositories exercise the full surface of real-world Git
//     hosting (submodules, LFS pointers, odd default branches) and only the
//     Git CLI handles all of it.
//   - The Fetcher interface exists so the phase logic can be tested without
//     network access or a git binary.
package fetch

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Options modifies a single fetch.
type Options struct {
	// Recursive clones submodules recursively (git clone --recursive).
	Recursive bool

	// Ref, when non-empty, is checked out after the clone. Used for the
	// host application itself, which is pinned to a release tag or commit;
	// manifest entries always track their default branch.
	Ref string
}

// Fetcher clones a repository URL to a local path. Implementations report
// failure via the returned error and hand back the raw tool output either
// way, so callers can persist it for post-hoc inspection.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, opts Options) ([]byte, error)
}

// GitFetcher is the production Fetcher, shelling out to the git CLI.
type GitFetcher struct {
	// GitBin is the git executable to invoke. Defaults to "git" resolved
	// via PATH when constructed through NewGitFetcher.
	GitBin string
}

// NewGitFetcher creates a GitFetcher using the git binary from PATH.
func NewGitFetcher() *GitFetcher {
	return &GitFetcher{GitBin: "git"}
}

// Fetch clones url into dest. The destination must not exist — callers own
// the destructive-remove step so that the remove-then-clone sequence is
// visible at the phase level, not hidden inside the fetcher.
//
// Stdout and stderr are captured together: git interleaves progress and
// errors across both streams, and the combined transcript is what an
// operator wants in the per-entry log.
func (f *GitFetcher) Fetch(ctx context.Context, url, dest string, opts Options) ([]byte, error) {
	args := []string{"clone"}
	if opts.Recursive {
		args = append(args, "--recursive")
	}
	args = append(args, url, dest)

	out, err := f.runGit(ctx, args...)
	if err != nil {
		return out, err
	}

	if opts.Ref != "" {
		// Pin the checkout. -C keeps git operating on the clone without
		// changing this process's working directory.
		refOut, err := f.runGit(ctx, "-C", dest, "checkout", opts.Ref)
		out = append(out, refOut...)
		if err != nil {
			return out, err
		}
	}

	return out, nil
}

// Update fast-forwards an existing clone to its upstream. Used by the
// startup wrapper, which keeps a long-lived runtime checkout instead of
// re-cloning on every boot. --ff-only keeps the checkout an exact mirror:
// a diverged local history is an error, not something to merge through.
func (f *GitFetcher) Update(ctx context.Context, dir string) ([]byte, error) {
	return f.runGit(ctx, "-C", dir, "pull", "--ff-only")
}

// runGit executes a git command and returns its combined output.
// On failure the error carries the command line and the last line of
// output, which is almost always git's actual complaint.
func (f *GitFetcher) runGit(ctx context.Context, args ...string) ([]byte, error) {
	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, f.GitBin, args...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("git %s failed: %w%s", strings.Join(args, " "), err, lastLineSuffix(out))
	}
	return out, nil
}

// lastLineSuffix formats the last non-blank output line as an error suffix,
// or returns "" when there is no output.
func lastLineSuffix(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return ""
	}
	return ": " + last
}

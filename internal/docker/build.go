// build.go invokes `docker buildx build` as a child process. buildx has no
// SDK equivalent, so like every other external tool in comfykit it is
// exec'd with a context for cancellation.
package docker

import (
	"context"
	"os"
	"os/exec"
	"sort"

	"github.com/mmr-tortoise/comfykit/internal/model"
)

// BuildOptions describes one buildx invocation. The CLI layer maps the
// YAML build configuration onto this struct so this package stays
// independent of the config file format.
type BuildOptions struct {
	// Dockerfile is the Dockerfile path passed via -f.
	Dockerfile string

	// Tag is the image reference passed via -t.
	Tag string

	// ContextDir is the build context directory (the trailing argument).
	ContextDir string

	// Platform optionally pins the target platform via --platform.
	Platform string

	// Push uploads the image after building (--push); otherwise the image
	// is loaded into the local daemon (--load).
	Push bool

	// BuildArgs become --build-arg KEY=VALUE flags, emitted in sorted key
	// order so the command line is deterministic.
	BuildArgs map[string]string
}

// BuildxBuild runs the image build. Build output streams directly to the
// caller's stdout/stderr — image builds run for minutes and operators
// want live progress, not a captured transcript after the fact.
func BuildxBuild(ctx context.Context, opts BuildOptions) error {
	// #nosec G204 — args are constructed internally, not from user input
	cmd := exec.CommandContext(ctx, "docker", buildxArgs(opts)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return model.WrapCLIError(model.ExitDockerNotRunning, "docker buildx build failed", err)
	}
	return nil
}

// buildxArgs assembles the buildx command line for the given options.
// Split out of BuildxBuild so the flag assembly is testable without
// a Docker installation.
func buildxArgs(opts BuildOptions) []string {
	args := []string{"buildx", "build", "-f", opts.Dockerfile, "-t", opts.Tag}

	if opts.Platform != "" {
		args = append(args, "--platform", opts.Platform)
	}

	keys := make([]string, 0, len(opts.BuildArgs))
	for k := range opts.BuildArgs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}

	if opts.Push {
		args = append(args, "--push")
	} else {
		args = append(args, "--load")
	}

	args = append(args, opts.ContextDir)
	return args
}

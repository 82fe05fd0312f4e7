// start.go implements the "comfykit start" command: the container startup
// wrapper. It materializes (or fast-forwards) the runtime repository and
// hands control to its entrypoint, mirroring the child's exit code.
package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/comfykit/internal/fetch"
	"github.com/mmr-tortoise/comfykit/internal/model"
)

// startFlags holds the flag values for the start command.
type startFlags struct {
	repo       string
	ref        string
	dir        string
	entrypoint string
}

// NewStartCommand creates the "start" cobra command.
func NewStartCommand() *cobra.Command {
	flags := &startFlags{}

	cmd := &cobra.Command{
		Use:   "start [-- entrypoint args...]",
		Short: "Fetch the runtime repository and hand off to its entrypoint",
		Long: `Container startup wrapper.

On first start the runtime repository is cloned (optionally at a pinned
ref); on subsequent starts the existing checkout is fast-forwarded. The
configured entrypoint script is then run with stdio attached, and its exit
code becomes this process's exit code.

Examples:
  comfykit start --repo https://github.com/example/comfy-runtime.git
  comfykit start --repo https://github.com/example/comfy-runtime.git --ref v1.2.0 -- --listen 0.0.0.0`,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, flags, args)
		},
	}

	cmd.Flags().StringVar(&flags.repo, "repo", "", "Runtime repository URL (required)")
	cmd.Flags().StringVar(&flags.ref, "ref", "", "Runtime ref to pin on first clone")
	cmd.Flags().StringVar(&flags.dir, "dir", "/opt/comfy-runtime", "Runtime checkout directory")
	cmd.Flags().StringVar(&flags.entrypoint, "entrypoint", "start.sh", "Entrypoint script inside the runtime checkout")
	_ = cmd.MarkFlagRequired("repo")

	return cmd
}

// runStart materializes the runtime checkout and executes its entrypoint.
func runStart(cmd *cobra.Command, flags *startFlags, args []string) error {
	ctx := cmd.Context()
	fetcher := fetch.NewGitFetcher()

	if _, err := os.Stat(filepath.Join(flags.dir, ".git")); err == nil {
		logger.Info("updating runtime checkout", "dir", flags.dir)
		if out, err := fetcher.Update(ctx, flags.dir); err != nil {
			// A failed fast-forward is not fatal for startup: the existing
			// checkout still runs. Log it and continue with what we have.
			logger.Warn("runtime update failed, starting with existing checkout",
				"dir", flags.dir, "detail", err, "output", string(out))
		}
	} else {
		logger.Info("cloning runtime repository", "url", flags.repo, "dir", flags.dir)
		if out, err := fetcher.Fetch(ctx, flags.repo, flags.dir, fetch.Options{Ref: flags.ref}); err != nil {
			logger.Error("runtime clone failed", "output", string(out))
			return model.WrapCLIError(model.ExitGitError, "cannot fetch runtime repository", err)
		}
	}

	entry := filepath.Join(flags.dir, flags.entrypoint)
	if _, err := os.Stat(entry); err != nil {
		return model.WrapCLIError(model.ExitConfigError,
			fmt.Sprintf("runtime entrypoint %s does not exist", entry), err)
	}

	logger.Info("handing off to runtime", "entrypoint", entry, "args", args)

	// #nosec G204 — entry is derived from operator-provided flags
	child := exec.CommandContext(ctx, entry, args...)
	child.Dir = flags.dir
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr

	if err := child.Run(); err != nil {
		// Mirror the runtime's exit code so supervisors restarting this
		// wrapper see the real failure, not a generic one.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() > 0 {
			return model.WrapCLIError(model.ExitCode(exitErr.ExitCode()), "runtime exited", err)
		}
		return model.WrapCLIError(model.ExitConfigError, "cannot run runtime entrypoint", err)
	}
	return nil
}

// Package cli implements the cobra-based CLI commands for comfykit.
//
// Each subcommand (sanity, build, start) is defined in its own file within
// this package. This file defines the root command that serves as the
// parent for all subcommands and handles global flags.
package cli

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/comfykit/internal/model"
)

// verbose enables debug-level logging. Bound to a persistent flag on the
// root command so every subcommand inherits it.
var verbose bool

// logger is the shared process logger. All diagnostics go to stderr;
// stdout is reserved for command output (the sanity summary block).
var logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
})

// version, commit, and date are set at build time via ldflags.
// They are injected from the main package for --version output.
var (
	// Version is the semantic version of the binary (e.g., "1.0.0").
	Version = "dev"

	// Commit is the Git commit hash the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself performs no action — it provides help text,
// version output, and global flags. Functionality lives in the
// subcommands (sanity, build, start).
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "comfykit",
		Short: "Provision and sanity-check a ComfyUI GPU image environment",
		Long: `comfykit provisions a ComfyUI installation plus a manifest-driven set of
custom-node repositories, and wraps the GPU image build and runtime startup.

The sanity command runs on a CPU-only host: it clones every manifested
custom node, installs declared dependencies under optional version
constraints, and best-effort import-checks each node. Fetch and install
failures are fatal to the batch (exit 2); import failures are expected on
CPU-only hosts and reported as warnings only.`,

		// We format errors ourselves (and exit codes matter), so keep
		// cobra from printing usage and errors on every failure.
		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				logger.SetLevel(log.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")

	rootCmd.AddCommand(NewSanityCommand())
	rootCmd.AddCommand(NewBuildCommand())
	rootCmd.AddCommand(NewStartCommand())

	return rootCmd
}

// Execute runs the root command and translates errors into process exit
// codes. CLIError values carry their own code; anything else exits with
// the configuration-error code, since unclassified failures at this level
// are invocation problems rather than provisioning results.
func Execute(rootCmd *cobra.Command) {
	if err := rootCmd.Execute(); err != nil {
		if cliErr, ok := err.(*model.CLIError); ok {
			fmt.Fprintf(os.Stderr, "Error: %s\n", cliErr.Error())
			os.Exit(int(cliErr.Code))
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(int(model.ExitConfigError))
	}
}

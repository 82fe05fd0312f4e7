// sanity.go implements the "comfykit sanity" command — the CPU-only
// provisioning sanity check and the primary operation of this tool.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/comfykit/internal/config"
	"github.com/mmr-tortoise/comfykit/internal/model"
	"github.com/mmr-tortoise/comfykit/internal/runner"
)

// sanityFlags holds the flag values for the sanity command. Flags override
// the COMFYKIT_* environment; unset flags leave the environment-resolved
// value in place.
type sanityFlags struct {
	workRoot       string
	appRepo        string
	appRef         string
	manifestPath   string
	manifestURL    string
	constraints    string
	python         string
	jobs           int
	fetchTimeout   time.Duration
	installTimeout time.Duration
	jsonSummary    bool
}

// NewSanityCommand creates the "sanity" cobra command.
func NewSanityCommand() *cobra.Command {
	flags := &sanityFlags{}

	cmd := &cobra.Command{
		Use:   "sanity",
		Short: "Clone, install, and import-check all manifested custom nodes",
		Long: `Run the CPU-only provisioning sanity check.

The command clones the application at the configured ref, installs its
requirements, then processes the manifest in three phases: fetch every
custom-node repository, install each one's declared dependencies under the
optional constraints file, and best-effort import-check every directory
under the custom-nodes root.

Exit codes:
  0  all repositories fetched and installed (import warnings allowed)
  1  configuration error, nothing was provisioned
  2  one or more fetch or install failures

Examples:
  comfykit sanity --manifest custom-nodes.txt
  comfykit sanity --manifest-url https://example.com/nodes.txt --constraints pins.txt
  comfykit sanity --manifest pack.jsonc --app-ref v0.3.10 --jobs 4`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runSanity(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.workRoot, "work-root", "", "Scratch root for the run (default /tmp/comfykit)")
	cmd.Flags().StringVar(&flags.appRepo, "app-repo", "", "Application repository URL")
	cmd.Flags().StringVar(&flags.appRef, "app-ref", "", "Application version to provision (tag, branch, or commit)")
	cmd.Flags().StringVar(&flags.manifestPath, "manifest", "", "Local manifest file (text or JSONC node pack)")
	cmd.Flags().StringVar(&flags.manifestURL, "manifest-url", "", "Remote manifest URL")
	cmd.Flags().StringVar(&flags.constraints, "constraints", "", "Shared pip constraints file")
	cmd.Flags().StringVar(&flags.python, "python", "", "Python interpreter for installs and import probes")
	cmd.Flags().IntVar(&flags.jobs, "jobs", 0, "Concurrent fetches/installs (default 1)")
	cmd.Flags().DurationVar(&flags.fetchTimeout, "fetch-timeout", 0, "Per-repository clone timeout (default 10m)")
	cmd.Flags().DurationVar(&flags.installTimeout, "install-timeout", 0, "Per-entry install timeout (default 20m)")
	cmd.Flags().BoolVar(&flags.jsonSummary, "json", false, "Print the run summary as JSON")

	return cmd
}

// runSanity resolves configuration, runs the batch, and converts the
// summary into the process exit code.
func runSanity(cmd *cobra.Command, flags *sanityFlags) error {
	cfg, err := config.ParseEnv()
	if err != nil {
		return err
	}
	applySanityFlags(cmd, flags, cfg)

	if err := cfg.Validate(); err != nil {
		return err
	}

	r := runner.New(cfg, logger)
	summary, err := r.Run(cmd.Context())
	if err != nil {
		return err
	}

	if flags.jsonSummary {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return model.WrapCLIError(model.ExitConfigError, "encode summary", err)
		}
		fmt.Fprintln(os.Stdout, string(data))
	}

	if summary.Failed() {
		return model.NewCLIError(summary.ExitCode(),
			fmt.Sprintf("%d fetch and %d install failure(s), see %s",
				summary.FetchFailures, summary.InstallFailures, summary.LogDir))
	}
	return nil
}

// applySanityFlags overlays explicitly-set flags onto the
// environment-resolved configuration. cobra's Changed check distinguishes
// "flag left at zero value" from "flag explicitly set to zero".
func applySanityFlags(cmd *cobra.Command, flags *sanityFlags, cfg *config.Run) {
	if cmd.Flags().Changed("work-root") {
		cfg.WorkRoot = flags.workRoot
	}
	if cmd.Flags().Changed("app-repo") {
		cfg.AppRepoURL = flags.appRepo
	}
	if cmd.Flags().Changed("app-ref") {
		cfg.AppRef = flags.appRef
	}
	if cmd.Flags().Changed("manifest") {
		cfg.ManifestPath = flags.manifestPath
	}
	if cmd.Flags().Changed("manifest-url") {
		cfg.ManifestURL = flags.manifestURL
	}
	if cmd.Flags().Changed("constraints") {
		cfg.ConstraintsFile = flags.constraints
	}
	if cmd.Flags().Changed("python") {
		cfg.PythonBin = flags.python
	}
	if cmd.Flags().Changed("jobs") {
		cfg.Jobs = flags.jobs
	}
	if cmd.Flags().Changed("fetch-timeout") {
		cfg.FetchTimeout = flags.fetchTimeout
	}
	if cmd.Flags().Changed("install-timeout") {
		cfg.InstallTimeout = flags.installTimeout
	}
}

// build.go implements the "comfykit build" command: the wrapper around
// `docker buildx build` that replaces the old build-orchestration script.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/comfykit/internal/config"
	"github.com/mmr-tortoise/comfykit/internal/docker"
)

// buildFlags holds the flag values for the build command.
type buildFlags struct {
	configPath string
	push       bool
}

// NewBuildCommand creates the "build" cobra command.
func NewBuildCommand() *cobra.Command {
	flags := &buildFlags{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the GPU container image from a pinned build config",
		Long: `Build the GPU container image.

The build configuration file pins everything that defines the image — the
tag, Dockerfile, and the OS/Python/CUDA/Torch versions as build arguments.
Before building, the Docker daemon is pinged so an unreachable daemon fails
fast with a clear message.

Examples:
  comfykit build --config build.yaml
  comfykit build --config build.yaml --push`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "build.yaml", "Build configuration file")
	cmd.Flags().BoolVar(&flags.push, "push", false, "Push the image after building (overrides the config)")

	return cmd
}

// runBuild loads the build config, preflights the daemon, and execs buildx.
func runBuild(cmd *cobra.Command, flags *buildFlags) error {
	cfg, err := config.LoadBuild(flags.configPath)
	if err != nil {
		return err
	}
	if flags.push {
		cfg.Push = true
	}

	// Preflight: fail fast with a useful message if the daemon is down,
	// instead of letting buildx time out with its own.
	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()
	if err := cli.Ping(cmd.Context()); err != nil {
		return err
	}

	logger.Info("building image",
		"tag", cfg.Image,
		"dockerfile", cfg.Dockerfile,
		"platform", cfg.Platform,
		"push", cfg.Push,
	)
	for k, v := range cfg.BuildArgs {
		logger.Debug("build arg", "key", k, "value", v)
	}

	return docker.BuildxBuild(cmd.Context(), docker.BuildOptions{
		Dockerfile: cfg.Dockerfile,
		Tag:        cfg.Image,
		ContextDir: cfg.Context,
		Platform:   cfg.Platform,
		Push:       cfg.Push,
		BuildArgs:  cfg.BuildArgs,
	})
}

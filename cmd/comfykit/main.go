// Package main is the entry point for the comfykit CLI.
//
// This binary provisions a ComfyUI GPU image environment: it builds the
// pinned container image, runs the CPU-only custom-node sanity check, and
// wraps container startup. It delegates all functionality to the
// internal/cli package, which defines cobra commands.
//
// Build-time variables (version, commit, date) are injected via ldflags
// by the release pipeline. During development they default to "dev",
// "none", and "unknown" respectively.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mmr-tortoise/comfykit/internal/cli"
)

// version, commit, and date are set at build time via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cli.Version = version
	cli.Commit = commit
	cli.Date = date

	// SIGINT/SIGTERM cancel the command context, which propagates through
	// every phase down to the child processes (git clones, pip installs)
	// so an interrupted run terminates them instead of orphaning them.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCommand()
	rootCmd.SetContext(ctx)
	cli.Execute(rootCmd)
}

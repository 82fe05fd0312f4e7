// Package model defines the domain types and value objects for the
// comfykit CLI.
//
// This package contains pure data structures with no external dependencies.
// All entities (ManifestEntry, PhaseOutcome, RunSummary, etc.) describe a
// single provisioning run. There are no persistent state files — the scratch
// work root on disk is the only artifact a run leaves behind.
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model

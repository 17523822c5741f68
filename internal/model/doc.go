// Package model defines the domain types and value objects for the
// bindci CLI.
//
// This package contains pure data structures with no external dependencies:
// the declarative pipeline (Pipeline, Step, StepKind) and the record of a
// run (RunSummary, StepResult, StepStatus).
//
// The package also defines exit codes (ExitCode) and a custom error type
// (CLIError) that carries exit codes for proper OS process exit handling.
package model

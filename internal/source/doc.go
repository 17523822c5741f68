// Package source fetches the dependency source tree the pipeline builds.
//
// It wraps Git CLI commands (via os/exec) rather than a Go Git library so
// that clone behavior, credentials helpers and transport support match what
// a developer gets from a terminal.
//
// All errors from Git commands are wrapped in model.CLIError with
// ExitGitError to enable proper CLI exit code handling.
package source

package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
)

// ExitCommandNotFound is the exit status reported when the command cannot
// be found, matching what a POSIX shell reports.
const ExitCommandNotFound = 127

// exitSignalBase is added to the signal number of a killed process, as a
// POSIX shell does: SIGKILL reports 137.
const exitSignalBase = 128

// Command is a single process invocation.
type Command struct {
	// Args is the argv. Args[0] is resolved on PATH.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env holds variables layered over the runner's base environment.
	Env map[string]string

	// Stdout and Stderr receive the process output. Nil discards it.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of a process that was started.
type Result struct {
	// ExitCode is the process exit status. A process terminated by a
	// signal reports 128 plus the signal number.
	ExitCode int

	// Signal names the signal that terminated the process, if any.
	Signal string
}

// Runner executes a Command and waits for it to exit.
//
// Implementations return a nil error with a non-zero ExitCode when the
// process ran and failed; a non-nil error means the process could not be
// started (or, for remote runners, could not be observed).
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// HostRunner runs commands as child processes of bindci.
// The child inherits bindci's environment plus Command.Env.
type HostRunner struct{}

// NewHostRunner returns a Runner that executes on the local host.
func NewHostRunner() *HostRunner {
	return &HostRunner{}
}

// Run starts the command and blocks until it exits or ctx is cancelled,
// in which case the process is killed.
func (r *HostRunner) Run(ctx context.Context, c Command) (Result, error) {
	if len(c.Args) == 0 {
		return Result{}, errors.New("empty command")
	}

	// #nosec G204 -- argv comes from the pipeline definition, never a shell string
	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = MergeEnv(os.Environ(), c.Env)
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	if err == nil {
		return Result{ExitCode: 0}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Result{ExitCode: exitSignalBase + int(ws.Signal()), Signal: ws.Signal().String()}, nil
		}
		return Result{ExitCode: exitErr.ExitCode()}, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return Result{ExitCode: ExitCommandNotFound}, fmt.Errorf("%s: command not found", c.Args[0])
	}
	return Result{ExitCode: ExitCommandNotFound}, fmt.Errorf("starting %s: %w", c.Args[0], err)
}

// MergeEnv returns base with the entries of extra added, replacing any
// existing variable of the same name. The extra entries are appended in
// sorted order so the result is deterministic.
func MergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}

	merged := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		name, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[name]; overridden {
			continue
		}
		merged = append(merged, kv)
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged = append(merged, k+"="+extra[k])
	}
	return merged
}

package source

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shinji-kodama/bindci/internal/ctxlog"
	"github.com/shinji-kodama/bindci/internal/model"
)

// CloneOptions describes one clone of a dependency repository.
type CloneOptions struct {
	// URL is anything `git clone` accepts: https, ssh, file:// or a local path.
	URL string

	// Branch is checked out after the clone. Empty uses the remote HEAD.
	Branch string

	// Dest is the checkout directory. Any existing content is removed first.
	Dest string

	// Depth limits history (`--depth`). Zero fetches the full history.
	Depth int
}

// Manager provides the Git operations the pipeline needs by invoking the
// git CLI.
//
// The GitBinary field exists so tests and unusual hosts can point at a
// specific git executable; it defaults to "git" on PATH.
type Manager struct {
	GitBinary string
}

// NewManager creates a new Manager that uses git from PATH.
func NewManager() *Manager {
	return &Manager{GitBinary: "git"}
}

// Clone makes a fresh clone described by opts and returns the SHA of the
// checked-out HEAD.
//
// The destination is removed before cloning, so every run starts from the
// same state regardless of what a previous (possibly interrupted) run left
// behind. The parent directory of Dest is created if needed.
func (m *Manager) Clone(ctx context.Context, opts CloneOptions) (string, error) {
	if opts.URL == "" {
		return "", model.NewCLIError(model.ExitGitError, "clone: repository URL must not be empty")
	}
	if opts.Dest == "" {
		return "", model.NewCLIError(model.ExitGitError, "clone: destination must not be empty")
	}

	dest, err := filepath.Abs(opts.Dest)
	if err != nil {
		return "", fmt.Errorf("clone: resolving destination: %w", err)
	}

	// A destination of "/" or the current directory would be disastrous
	// to remove; refuse anything that is not strictly below its parent.
	if filepath.Dir(dest) == dest {
		return "", model.NewCLIError(model.ExitGitError, fmt.Sprintf("clone: refusing to use %q as destination", dest))
	}

	log := ctxlog.FromContext(ctx)
	if _, statErr := os.Stat(dest); statErr == nil {
		log.Debug("removing previous checkout", "path", dest)
		if rmErr := os.RemoveAll(dest); rmErr != nil {
			return "", fmt.Errorf("clone: removing previous checkout %s: %w", dest, rmErr)
		}
	}
	if mkErr := os.MkdirAll(filepath.Dir(dest), 0o755); mkErr != nil {
		return "", fmt.Errorf("clone: creating parent of %s: %w", dest, mkErr)
	}

	args := []string{"clone", "--quiet"}
	if opts.Depth > 0 {
		args = append(args, "--depth", strconv.Itoa(opts.Depth))
	}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch, "--single-branch")
	}
	args = append(args, opts.URL, dest)

	log.Info("cloning repository", "url", opts.URL, "branch", opts.Branch, "dest", dest)
	if _, err := m.run(ctx, "", args...); err != nil {
		return "", err
	}

	return m.Head(ctx, dest)
}

// Head returns the commit SHA that HEAD points to in dir.
func (m *Manager) Head(ctx context.Context, dir string) (string, error) {
	output, err := m.run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// run executes a git command, in dir when it is non-empty.
//
// On failure it returns a model.CLIError with ExitGitError, including the
// trimmed stderr so the cause (unreachable host, unknown branch) is visible
// without re-running the command.
func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	fullArgs := args
	if dir != "" {
		// -C makes git operate in the target directory without changing
		// this process's working directory.
		fullArgs = append([]string{"-C", dir}, args...)
	}

	bin := m.GitBinary
	if bin == "" {
		bin = "git"
	}

	// #nosec G204 -- argv is built from pipeline configuration, never a shell string
	cmd := exec.CommandContext(ctx, bin, fullArgs...)

	// Never block on a credential prompt in CI.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		message := fmt.Sprintf("git %s failed", strings.Join(args, " "))
		if stderrStr != "" {
			message = fmt.Sprintf("%s: %s", message, stderrStr)
		}
		return "", model.WrapCLIError(model.ExitGitError, message, err)
	}

	return stdout.String(), nil
}

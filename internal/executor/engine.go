package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shinji-kodama/bindci/internal/ctxlog"
	"github.com/shinji-kodama/bindci/internal/model"
	"github.com/shinji-kodama/bindci/internal/report"
	"github.com/shinji-kodama/bindci/internal/source"
)

// ExitInterrupted is reported for a step cut short by cancellation
// (128 + SIGINT, as a shell would report it).
const ExitInterrupted = 130

// Cloner fetches a repository for clone steps. *source.Manager implements it.
type Cloner interface {
	Clone(ctx context.Context, opts source.CloneOptions) (string, error)
}

// Stager copies files for copy steps. *stage.Stager implements it.
type Stager interface {
	Copy(ctx context.Context, sources []string, dest string) ([]string, error)
}

// StepError is returned by Engine.Run when a step fails. ExitCode is the
// status the bindci process should exit with.
type StepError struct {
	Step     string
	ExitCode int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed (exit code %d): %v", e.Step, e.ExitCode, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Engine executes a pipeline one step at a time and stops at the first
// failure. Steps after a failed step are recorded as skipped and never run.
type Engine struct {
	Runner Runner
	Cloner Cloner
	Stager Stager

	// Workspace is the working directory for exec steps without a Dir.
	Workspace string

	// Mode is recorded in the summary ("host" or "container").
	Mode string

	// RunID identifies the run in logs and the summary. Empty means a
	// fresh UUID is generated.
	RunID string

	// Stdout and Stderr receive the output of exec steps.
	// Nil means the process's own stdout and stderr.
	Stdout io.Writer
	Stderr io.Writer

	// OnStep, if set, is called after each step finishes or is skipped.
	OnStep func(model.StepResult)

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

// Run executes p. The summary is always returned, including on failure,
// and lists every step of p in order. The error is a *StepError when a
// step failed.
func (e *Engine) Run(ctx context.Context, p *model.Pipeline) (*model.RunSummary, error) {
	if err := p.Validate(); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigInvalid, "invalid pipeline", err)
	}

	summary := &model.RunSummary{
		RunID:     e.RunID,
		Pipeline:  p.Name,
		Mode:      e.Mode,
		StartedAt: e.now(),
		Results:   make([]model.StepResult, len(p.Steps)),
	}
	if summary.RunID == "" {
		summary.RunID = uuid.NewString()
	}
	for i, s := range p.Steps {
		summary.Results[i] = model.StepResult{Name: s.Name, Kind: s.EffectiveKind(), Status: model.StatusPending}
	}

	log := ctxlog.FromContext(ctx).With("run", summary.RunID, "pipeline", p.Name)
	ctx = ctxlog.WithLogger(ctx, log)
	log.Info("pipeline started", "steps", len(p.Steps), "mode", e.Mode)

	var runErr error
	for i := range p.Steps {
		step := &p.Steps[i]
		res := &summary.Results[i]

		if runErr == nil && ctx.Err() != nil {
			runErr = &StepError{Step: step.Name, ExitCode: ExitInterrupted, Err: ctx.Err()}
		}
		if runErr != nil {
			res.Status = model.StatusSkipped
			e.notify(*res)
			continue
		}

		stepLog := log.With("step", step.Name, "kind", step.EffectiveKind())
		stepLog.Info("step started", "index", i+1, "total", len(p.Steps))

		res.StartedAt = e.now()
		detail, code, err := e.runStep(ctxlog.WithLogger(ctx, stepLog), step)
		res.FinishedAt = e.now()

		// A step that ends while the run is being cancelled is reported as
		// interrupted, whatever status the killed process produced.
		if ctx.Err() != nil {
			if err == nil {
				err = ctx.Err()
			}
			code = ExitInterrupted
		}
		res.ExitCode = code
		res.Detail = detail

		if err != nil {
			res.Status = model.StatusFailed
			res.Error = err.Error()
			runErr = &StepError{Step: step.Name, ExitCode: code, Err: err}
			stepLog.Error("step failed", "exit_code", code, "error", err, "duration", res.Duration())
		} else {
			res.Status = model.StatusSucceeded
			stepLog.Info("step succeeded", "duration", res.Duration(), "detail", detail)
		}
		e.notify(*res)
	}

	summary.FinishedAt = e.now()
	if runErr != nil {
		log.Error("pipeline failed", "error", runErr)
	} else {
		log.Info("pipeline succeeded", "duration", summary.FinishedAt.Sub(summary.StartedAt))
	}
	return summary, runErr
}

// runStep dispatches on the step kind. It returns a short detail string,
// the exit code to report, and an error when the step failed.
func (e *Engine) runStep(ctx context.Context, step *model.Step) (string, int, error) {
	switch step.EffectiveKind() {
	case model.KindClone:
		return e.runClone(ctx, step)
	case model.KindCopy:
		return e.runCopy(ctx, step)
	default:
		return e.runExec(ctx, step)
	}
}

func (e *Engine) runClone(ctx context.Context, step *model.Step) (string, int, error) {
	if e.Cloner == nil {
		return "", int(model.ExitGeneralError), errors.New("no cloner configured")
	}
	head, err := e.Cloner.Clone(ctx, source.CloneOptions{
		URL:    step.Repo,
		Branch: step.Branch,
		Dest:   step.Dest,
		Depth:  step.Depth,
	})
	if err != nil {
		return "", exitCodeOf(err), err
	}
	return "HEAD " + head, 0, nil
}

func (e *Engine) runCopy(ctx context.Context, step *model.Step) (string, int, error) {
	if e.Stager == nil {
		return "", int(model.ExitGeneralError), errors.New("no stager configured")
	}
	staged, err := e.Stager.Copy(ctx, step.Sources, step.Dest)
	if err != nil {
		return "", exitCodeOf(err), err
	}
	return fmt.Sprintf("%d file(s) staged into %s", len(staged), step.Dest), 0, nil
}

func (e *Engine) runExec(ctx context.Context, step *model.Step) (string, int, error) {
	if e.Runner == nil {
		return "", int(model.ExitGeneralError), errors.New("no runner configured")
	}

	// A report left over from an earlier run must not satisfy verification.
	if step.Report != "" {
		if err := os.Remove(step.Report); err != nil && !os.IsNotExist(err) {
			return "", int(model.ExitGeneralError), fmt.Errorf("removing stale report: %w", err)
		}
	}

	dir := step.Dir
	if dir == "" {
		dir = e.Workspace
	}

	ctxlog.FromContext(ctx).Debug("running command", "argv", strings.Join(step.Command, " "), "dir", dir)
	res, err := e.Runner.Run(ctx, Command{
		Args:   step.Command,
		Dir:    dir,
		Env:    step.Env,
		Stdout: e.stdout(),
		Stderr: e.stderr(),
	})
	if err != nil {
		code := res.ExitCode
		if code == 0 {
			code = int(model.ExitGeneralError)
		}
		return "", code, err
	}
	if res.Signal != "" {
		return "", res.ExitCode, fmt.Errorf("%s was killed by signal %s (status %d)", step.Command[0], res.Signal, res.ExitCode)
	}
	if res.ExitCode < 0 {
		// Terminated without a status the runner could decode.
		return "", int(model.ExitGeneralError), fmt.Errorf("%s terminated abnormally", step.Command[0])
	}
	if res.ExitCode != 0 {
		return "", res.ExitCode, fmt.Errorf("%s exited with status %d", step.Command[0], res.ExitCode)
	}

	if step.Report == "" {
		return "", 0, nil
	}

	sum, err := report.ParseFile(step.Report)
	if err != nil {
		return "", exitCodeOf(err), err
	}
	if !sum.Passed() {
		return sum.String(), int(model.ExitGeneralError),
			fmt.Errorf("report %s records failing tests: %s", step.Report, strings.Join(sum.Failed, ", "))
	}
	return sum.String(), 0, nil
}

func (e *Engine) notify(r model.StepResult) {
	if e.OnStep != nil {
		e.OnStep(r)
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stdout() io.Writer {
	if e.Stdout != nil {
		return e.Stdout
	}
	return os.Stdout
}

func (e *Engine) stderr() io.Writer {
	if e.Stderr != nil {
		return e.Stderr
	}
	return os.Stderr
}

// exitCodeOf picks the exit status for a failed clone, copy or report
// check: the underlying process status when there is one, otherwise the
// CLIError code, otherwise 1.
func exitCodeOf(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) && cliErr.Code != model.ExitSuccess {
		return int(cliErr.Code)
	}
	if errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	return int(model.ExitGeneralError)
}

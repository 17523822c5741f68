package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/bindci/internal/model"
	"github.com/shinji-kodama/bindci/internal/source"
)

// fakeRunner records every command and returns scripted results keyed by
// argv[0]. The optional hook runs before the result is returned.
type fakeRunner struct {
	calls   []Command
	results map[string]Result
	errs    map[string]error
	hook    func(Command)
}

func (f *fakeRunner) Run(_ context.Context, c Command) (Result, error) {
	f.calls = append(f.calls, c)
	if f.hook != nil {
		f.hook(c)
	}
	if err := f.errs[c.Args[0]]; err != nil {
		return f.results[c.Args[0]], err
	}
	return f.results[c.Args[0]], nil
}

func (f *fakeRunner) argv0s() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Args[0])
	}
	return out
}

type fakeCloner struct {
	calls []source.CloneOptions
	head  string
	err   error
}

func (f *fakeCloner) Clone(_ context.Context, opts source.CloneOptions) (string, error) {
	f.calls = append(f.calls, opts)
	return f.head, f.err
}

type fakeStager struct {
	calls  [][]string
	staged []string
	err    error
}

func (f *fakeStager) Copy(_ context.Context, sources []string, _ string) ([]string, error) {
	f.calls = append(f.calls, sources)
	return f.staged, f.err
}

// ciPipeline is a reduced version of the default pipeline: clone, build,
// stage, test, post-check.
func ciPipeline(reportPath string) *model.Pipeline {
	return &model.Pipeline{
		Name: "ci",
		Steps: []model.Step{
			{Name: "clone", Kind: model.KindClone, Repo: "https://example.com/compiler.git", Branch: "main", Dest: "/ws/compiler", Depth: 1},
			{Name: "build", Command: []string{"make"}, Dir: "/ws/compiler"},
			{Name: "stage", Kind: model.KindCopy, Sources: []string{"/ws/module/lib/*"}, Dest: "/ws/lib"},
			{Name: "test", Command: []string{"nosetests", "--with-xunit"}, Report: reportPath},
			{Name: "post-check", Command: []string{"pych", "--check"}},
		},
	}
}

func newTestEngine(r *fakeRunner, c *fakeCloner, s *fakeStager) *Engine {
	return &Engine{
		Runner:    r,
		Cloner:    c,
		Stager:    s,
		Workspace: "/ws",
		Mode:      "host",
		Stdout:    io.Discard,
		Stderr:    io.Discard,
	}
}

const passingReport = `<testsuite name="nosetests" tests="2" errors="0" failures="0" skip="0">
<testcase classname="t" name="a"/><testcase classname="t" name="b"/></testsuite>`

// writeReportHook makes the fake test runner produce the given report.
func writeReportHook(t *testing.T, path, content string) func(Command) {
	return func(c Command) {
		if c.Args[0] == "nosetests" {
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		}
	}
}

func TestEngineRunsAllStepsInOrder(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "nosetests.xml")
	r := &fakeRunner{hook: writeReportHook(t, reportPath, passingReport)}
	c := &fakeCloner{head: "abc123"}
	s := &fakeStager{staged: []string{"/ws/lib/libsf.so"}}

	var notified []string
	e := newTestEngine(r, c, s)
	e.OnStep = func(res model.StepResult) { notified = append(notified, res.Name+":"+res.Status.String()) }

	summary, err := e.Run(context.Background(), ciPipeline(reportPath))
	require.NoError(t, err)

	assert.True(t, summary.Succeeded())
	assert.NotEmpty(t, summary.RunID)
	assert.Equal(t, "ci", summary.Pipeline)
	assert.Equal(t, "host", summary.Mode)
	assert.Equal(t, []string{"make", "nosetests", "pych"}, r.argv0s())
	require.Len(t, c.calls, 1)
	assert.Equal(t, source.CloneOptions{URL: "https://example.com/compiler.git", Branch: "main", Dest: "/ws/compiler", Depth: 1}, c.calls[0])
	assert.Len(t, s.calls, 1)

	assert.Equal(t, []string{
		"clone:succeeded", "build:succeeded", "stage:succeeded", "test:succeeded", "post-check:succeeded",
	}, notified)

	assert.Equal(t, "HEAD abc123", summary.Results[0].Detail)
	assert.Equal(t, "1 file(s) staged into /ws/lib", summary.Results[2].Detail)
	assert.Equal(t, "2 tests, 0 failures, 0 errors, 0 skipped", summary.Results[3].Detail)
}

func TestEngineUsesWorkspaceAsDefaultDir(t *testing.T) {
	r := &fakeRunner{}
	e := newTestEngine(r, &fakeCloner{}, &fakeStager{})

	p := &model.Pipeline{Name: "ci", Steps: []model.Step{
		{Name: "deps", Command: []string{"pip", "install", "-r", "requirements.txt"}},
		{Name: "build", Command: []string{"make"}, Dir: "/ws/compiler", Env: map[string]string{"CHPL_HOME": "/ws/compiler"}},
	}}
	_, err := e.Run(context.Background(), p)
	require.NoError(t, err)

	require.Len(t, r.calls, 2)
	assert.Equal(t, "/ws", r.calls[0].Dir)
	assert.Equal(t, "/ws/compiler", r.calls[1].Dir)
	assert.Equal(t, map[string]string{"CHPL_HOME": "/ws/compiler"}, r.calls[1].Env)
}

// TestEngineStopsAtFirstFailure checks the fail-fast rule: once a step
// exits non-zero, no later step executes and the run reports that step's
// exit code.
func TestEngineStopsAtFirstFailure(t *testing.T) {
	for failAt, argv0 := range []string{"make", "nosetests", "pych"} {
		t.Run(argv0, func(t *testing.T) {
			reportPath := filepath.Join(t.TempDir(), "nosetests.xml")
			r := &fakeRunner{
				results: map[string]Result{argv0: {ExitCode: 3 + failAt}},
				hook:    writeReportHook(t, reportPath, passingReport),
			}
			e := newTestEngine(r, &fakeCloner{head: "abc"}, &fakeStager{})

			summary, err := e.Run(context.Background(), ciPipeline(reportPath))
			require.Error(t, err)

			var stepErr *StepError
			require.True(t, errors.As(err, &stepErr))
			assert.Equal(t, 3+failAt, stepErr.ExitCode)

			failed := summary.FirstFailure()
			require.NotNil(t, failed)
			assert.Equal(t, stepErr.Step, failed.Name)

			// The failing command is the last one executed.
			assert.Equal(t, argv0, r.argv0s()[len(r.calls)-1])

			seenFailure := false
			for _, res := range summary.Results {
				if seenFailure {
					assert.Equal(t, model.StatusSkipped, res.Status, "step %s after the failure must be skipped", res.Name)
					assert.True(t, res.StartedAt.IsZero())
				}
				if res.Status == model.StatusFailed {
					seenFailure = true
				}
			}
		})
	}
}

func TestEngineCloneFailureStopsBeforeBuild(t *testing.T) {
	r := &fakeRunner{}
	c := &fakeCloner{err: model.WrapCLIError(model.ExitGitError, "git clone failed: could not resolve host", errors.New("exit status 128"))}
	s := &fakeStager{}
	e := newTestEngine(r, c, s)

	summary, err := e.Run(context.Background(), ciPipeline("/ws/nosetests.xml"))
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "clone", stepErr.Step)
	assert.Equal(t, int(model.ExitGitError), stepErr.ExitCode)

	assert.Empty(t, r.calls, "no command may run after a failed clone")
	assert.Empty(t, s.calls)
	assert.Equal(t, 4, summary.Count(model.StatusSkipped))
	assert.Contains(t, summary.Results[0].Error, "could not resolve host")
}

func TestEngineCommandNotFound(t *testing.T) {
	r := &fakeRunner{
		results: map[string]Result{"make": {ExitCode: ExitCommandNotFound}},
		errs:    map[string]error{"make": fmt.Errorf("make: command not found")},
	}
	e := newTestEngine(r, &fakeCloner{}, &fakeStager{})

	_, err := e.Run(context.Background(), ciPipeline("/ws/nosetests.xml"))
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "build", stepErr.Step)
	assert.Equal(t, ExitCommandNotFound, stepErr.ExitCode)
}

func TestEngineSignalledProcess(t *testing.T) {
	r := &fakeRunner{results: map[string]Result{"make": {ExitCode: 137, Signal: "killed"}}}
	e := newTestEngine(r, &fakeCloner{}, &fakeStager{})

	summary, err := e.Run(context.Background(), ciPipeline("/ws/nosetests.xml"))
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "build", stepErr.Step)
	assert.Equal(t, 137, stepErr.ExitCode)
	assert.Contains(t, stepErr.Error(), "make was killed by signal killed")
	assert.Equal(t, 137, summary.Results[1].ExitCode)
	assert.Equal(t, model.StatusSkipped, summary.Results[2].Status)
}

func TestEngineUndecodedNegativeStatus(t *testing.T) {
	r := &fakeRunner{results: map[string]Result{"make": {ExitCode: -1}}}
	e := newTestEngine(r, &fakeCloner{}, &fakeStager{})

	_, err := e.Run(context.Background(), ciPipeline("/ws/nosetests.xml"))
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, int(model.ExitGeneralError), stepErr.ExitCode)
}

// TestEngineKilledHostProcess runs a real process that kills itself with
// SIGKILL, the way the OOM killer ends a compiler build.
func TestEngineKilledHostProcess(t *testing.T) {
	e := newTestEngine(nil, &fakeCloner{}, &fakeStager{})
	e.Runner = NewHostRunner()
	e.Workspace = t.TempDir()

	p := &model.Pipeline{Name: "oom", Steps: []model.Step{
		{Name: "build", Command: []string{"sh", "-c", "kill -9 $$"}},
		{Name: "check", Command: []string{"true"}},
	}}
	summary, err := e.Run(context.Background(), p)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 137, stepErr.ExitCode, "a shell reports 128+9 for SIGKILL")
	assert.Contains(t, stepErr.Error(), "sh was killed by signal killed")
	assert.Equal(t, model.StatusSkipped, summary.Results[1].Status)
}

func TestEngineStageFailure(t *testing.T) {
	r := &fakeRunner{}
	s := &fakeStager{err: errors.New(`pattern "/ws/module/lib/*" matched no files`)}
	e := newTestEngine(r, &fakeCloner{}, s)

	summary, err := e.Run(context.Background(), ciPipeline("/ws/nosetests.xml"))
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "stage", stepErr.Step)
	assert.Equal(t, int(model.ExitGeneralError), stepErr.ExitCode)
	assert.Equal(t, []string{"make"}, r.argv0s(), "test step must not run after a failed stage")
	assert.Equal(t, model.StatusSkipped, summary.Results[3].Status)
}

func TestEngineReportVerification(t *testing.T) {
	t.Run("missing report fails the step", func(t *testing.T) {
		reportPath := filepath.Join(t.TempDir(), "nosetests.xml")
		r := &fakeRunner{}
		e := newTestEngine(r, &fakeCloner{}, &fakeStager{})

		_, err := e.Run(context.Background(), ciPipeline(reportPath))
		var stepErr *StepError
		require.True(t, errors.As(err, &stepErr))
		assert.Equal(t, "test", stepErr.Step)
		assert.Equal(t, int(model.ExitReportInvalid), stepErr.ExitCode)
		assert.NotContains(t, r.argv0s(), "pych", "post-check must not run")
	})

	t.Run("stale report is removed before the test runs", func(t *testing.T) {
		reportPath := filepath.Join(t.TempDir(), "nosetests.xml")
		require.NoError(t, os.WriteFile(reportPath, []byte(passingReport), 0o644))

		e := newTestEngine(&fakeRunner{}, &fakeCloner{}, &fakeStager{})
		_, err := e.Run(context.Background(), ciPipeline(reportPath))
		require.Error(t, err, "a report from a previous run must not satisfy verification")
	})

	t.Run("malformed report fails the step", func(t *testing.T) {
		reportPath := filepath.Join(t.TempDir(), "nosetests.xml")
		r := &fakeRunner{hook: writeReportHook(t, reportPath, "<testsuite><testcase")}
		e := newTestEngine(r, &fakeCloner{}, &fakeStager{})

		_, err := e.Run(context.Background(), ciPipeline(reportPath))
		var stepErr *StepError
		require.True(t, errors.As(err, &stepErr))
		assert.Equal(t, int(model.ExitReportInvalid), stepErr.ExitCode)
	})

	t.Run("report with failures fails the step", func(t *testing.T) {
		reportPath := filepath.Join(t.TempDir(), "nosetests.xml")
		failing := `<testsuite tests="1"><testcase classname="t" name="a"><failure message="x"/></testcase></testsuite>`
		r := &fakeRunner{hook: writeReportHook(t, reportPath, failing)}
		e := newTestEngine(r, &fakeCloner{}, &fakeStager{})

		summary, err := e.Run(context.Background(), ciPipeline(reportPath))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "t.a")
		assert.Equal(t, "1 tests, 1 failures, 0 errors, 0 skipped", summary.Results[3].Detail)
	})

	t.Run("report without tests passes", func(t *testing.T) {
		reportPath := filepath.Join(t.TempDir(), "nosetests.xml")
		r := &fakeRunner{hook: writeReportHook(t, reportPath, `<testsuite name="nosetests" tests="0" errors="0" failures="0" skip="0"/>`)}
		e := newTestEngine(r, &fakeCloner{}, &fakeStager{})

		summary, err := e.Run(context.Background(), ciPipeline(reportPath))
		require.NoError(t, err)
		assert.Equal(t, model.StatusSucceeded, summary.Results[3].Status)
		assert.Equal(t, "0 tests, 0 failures, 0 errors, 0 skipped", summary.Results[3].Detail)
	})
}

func TestEngineCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The build "process" is interrupted: the context is cancelled while
	// it runs and it reports a signal exit.
	r := &fakeRunner{
		results: map[string]Result{"make": {ExitCode: -1}},
		hook: func(c Command) {
			if c.Args[0] == "make" {
				cancel()
			}
		},
	}
	e := newTestEngine(r, &fakeCloner{}, &fakeStager{})

	summary, err := e.Run(ctx, ciPipeline("/ws/nosetests.xml"))
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, "build", stepErr.Step)
	assert.Equal(t, ExitInterrupted, stepErr.ExitCode)
	assert.Equal(t, []string{"make"}, r.argv0s())
	assert.Equal(t, 3, summary.Count(model.StatusSkipped))
}

func TestEngineAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &fakeCloner{}
	e := newTestEngine(&fakeRunner{}, c, &fakeStager{})
	summary, err := e.Run(ctx, ciPipeline("/ws/nosetests.xml"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.calls)
	assert.Equal(t, 5, summary.Count(model.StatusSkipped))
}

func TestEngineRejectsInvalidPipeline(t *testing.T) {
	e := newTestEngine(&fakeRunner{}, &fakeCloner{}, &fakeStager{})
	_, err := e.Run(context.Background(), &model.Pipeline{Name: "empty"})

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigInvalid, cliErr.Code)
}

func TestEngineRecordsTimestamps(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	e := newTestEngine(&fakeRunner{}, &fakeCloner{}, &fakeStager{})
	e.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	p := &model.Pipeline{Name: "ci", Steps: []model.Step{{Name: "check", Command: []string{"pych", "--check"}}}}
	summary, err := e.Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, base.Add(1*time.Second), summary.StartedAt)
	assert.Equal(t, time.Second, summary.Results[0].Duration())
	assert.Equal(t, base.Add(4*time.Second), summary.FinishedAt)
}

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, int(model.ExitGitError), exitCodeOf(model.NewCLIError(model.ExitGitError, "x")))
	assert.Equal(t, int(model.ExitGeneralError), exitCodeOf(errors.New("plain")))
	assert.Equal(t, ExitInterrupted, exitCodeOf(fmt.Errorf("copy: %w", context.Canceled)))
}

func TestEngineUsesGivenRunID(t *testing.T) {
	e := newTestEngine(&fakeRunner{}, &fakeCloner{}, &fakeStager{})
	e.RunID = "0d4c7a52-5b7e-4f4e-9a53-7f0c1b7d2e11"

	p := &model.Pipeline{Name: "one", Steps: []model.Step{{Name: "check", Command: []string{"pych", "--check"}}}}
	summary, err := e.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "0d4c7a52-5b7e-4f4e-9a53-7f0c1b7d2e11", summary.RunID)
}

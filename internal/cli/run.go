// Package cli - run.go implements the "bindci run" command.
//
// The run command resolves the pipeline, executes it step by step and stops
// at the first failure. Exec steps run on the host, or inside a build
// container when --image (or BINDCI_IMAGE) is given. The outcome of the run
// is printed as a table (or JSON with --json) and saved to
// <workspace>/.bindci/last-run.json.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bindci/internal/config"
	"github.com/shinji-kodama/bindci/internal/ctxlog"
	"github.com/shinji-kodama/bindci/internal/docker"
	"github.com/shinji-kodama/bindci/internal/executor"
	"github.com/shinji-kodama/bindci/internal/model"
	"github.com/shinji-kodama/bindci/internal/source"
	"github.com/shinji-kodama/bindci/internal/stage"
)

// stateDir holds bindci's own files inside the workspace.
const stateDir = ".bindci"

// lastRunFile is the summary of the most recent run, inside stateDir.
const lastRunFile = "last-run.json"

type runFlags struct {
	// pipeline is an explicit pipeline file, overriding BINDCI_PIPELINE.
	pipeline string

	// image runs exec steps in a container from this image.
	image string
}

// NewRunCommand creates the "run" cobra command.
func NewRunCommand() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline, stopping at the first failing step",
		Long: `Run every step of the pipeline in order. When a step fails, the
remaining steps are skipped and bindci exits with the failing step's exit
code.

Examples:
  bindci run
  bindci run --pipeline ci/bindci.yaml
  bindci run --image python:3.12
  bindci run --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVarP(&flags.pipeline, "pipeline", "p", "", "Pipeline file (default: BINDCI_PIPELINE, bindci.yaml in the workspace, else built-in)")
	cmd.Flags().StringVar(&flags.image, "image", "", "Run exec steps inside a container from this image (default: BINDCI_IMAGE)")

	return cmd
}

func runRun(ctx context.Context, flags *runFlags) error {
	s := settings
	log := ctxlog.FromContext(ctx)

	p, origin, err := config.Resolve(s, flags.pipeline)
	if err != nil {
		return err
	}
	VerboseLog("Using pipeline %q from %s (%d steps)", p.Name, origin, len(p.Steps))

	image := flags.image
	if image == "" {
		image = s.Image
	}

	// In JSON mode stdout carries only the summary.
	var out io.Writer = os.Stdout
	if IsJSONOutput() {
		out = os.Stderr
	}

	engine := &executor.Engine{
		Runner:    executor.NewHostRunner(),
		Cloner:    source.NewManager(),
		Stager:    stage.NewStager(),
		Workspace: s.Workspace,
		Mode:      "host",
		RunID:     uuid.NewString(),
		Stdout:    out,
		Stderr:    os.Stderr,
		OnStep:    stepPrinter(out, len(p.Steps)),
	}

	if image != "" {
		closeContainer, err := useBuildContainer(ctx, engine, p.Name, image)
		if err != nil {
			return err
		}
		defer closeContainer()
	}

	summary, runErr := engine.Run(ctx, p)
	if summary == nil {
		return runErr
	}

	if path, err := writeLastRun(s.Workspace, summary); err != nil {
		log.Warn("could not save run summary", "error", err)
	} else {
		VerboseLog("Run summary saved to %s", path)
	}

	if IsJSONOutput() {
		if err := printJSON(summary); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out)
		renderSummary(out, summary)
	}
	return runErr
}

// useBuildContainer starts the build container and points the engine's
// runner at it. The returned func removes the container.
func useBuildContainer(ctx context.Context, engine *executor.Engine, pipeline, image string) (func(), error) {
	cli, err := docker.NewClient()
	if err != nil {
		return nil, err
	}
	if err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	VerboseLog("Connected to Docker daemon")

	bc, err := docker.StartBuildContainer(ctx, cli, docker.BuildOptions{
		Image:     image,
		Workspace: engine.Workspace,
		Labels: docker.RunLabels{
			RunID:    engine.RunID,
			Pipeline: pipeline,
		},
	})
	if err != nil {
		_ = cli.Close()
		return nil, err
	}
	VerboseLog("Build container %s started from %s", bc.Name, image)

	engine.Runner = bc.Runner
	engine.Mode = "container"

	return func() {
		if err := bc.Close(ctx); err != nil {
			ctxlog.FromContext(ctx).Warn("could not remove build container; run `bindci clean`",
				"container", bc.Name, "error", err)
		}
		_ = cli.Close()
	}, nil
}

// stepPrinter returns an Engine.OnStep callback printing one line per step.
func stepPrinter(w io.Writer, total int) func(model.StepResult) {
	n := 0
	return func(r model.StepResult) {
		n++
		fmt.Fprintln(w, formatStepLine(n, total, r))
	}
}

// writeLastRun saves summary as <workspace>/.bindci/last-run.json and
// returns the file path.
func writeLastRun(workspace string, summary *model.RunSummary) (string, error) {
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run summary: %w", err)
	}

	path := filepath.Join(dir, lastRunFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// readLastRun loads the summary written by writeLastRun.
func readLastRun(workspace string) (*model.RunSummary, error) {
	path := filepath.Join(workspace, stateDir, lastRunFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var summary model.RunSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &summary, nil
}

// formatDuration renders d rounded for humans: "850ms", "12.3s", "4m05s".
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		d = d.Round(time.Second)
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
}

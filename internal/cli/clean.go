// Package cli - clean.go implements the "bindci clean" command.
//
// A run normally removes its build container on exit. A run that was killed
// outright (SIGKILL, a crashed CI agent) cannot, and the container keeps its
// bindci.* labels; clean finds those containers and force-removes them.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bindci/internal/docker"
	"github.com/shinji-kodama/bindci/internal/model"
)

type cleanFlags struct {
	// all removes containers of every workspace, not just the current one.
	all bool

	// dryRun lists what would be removed without removing it.
	dryRun bool
}

// NewCleanCommand creates the "clean" cobra command.
func NewCleanCommand() *cobra.Command {
	flags := &cleanFlags{}

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove build containers left behind by interrupted runs",
		Long: `Remove bindci build containers. By default only containers created for
the current workspace are removed.

Examples:
  bindci clean
  bindci clean --all --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd.Context(), flags)
		},
	}

	cmd.Flags().BoolVar(&flags.all, "all", false, "Remove containers of every workspace")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Only list the containers that would be removed")
	return cmd
}

func runClean(ctx context.Context, flags *cleanFlags) error {
	cli, err := docker.NewClient()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	if err := cli.Ping(ctx); err != nil {
		return err
	}

	containers, err := docker.ListManagedContainers(ctx, cli)
	if err != nil {
		return err
	}
	VerboseLog("Found %d bindci containers", len(containers))
	if !flags.all {
		containers = docker.FilterByWorkspace(containers, settings.Workspace)
	}

	removed := make([]string, 0, len(containers))
	var failed []string
	for _, c := range containers {
		if flags.dryRun {
			removed = append(removed, c.Name)
			continue
		}
		if err := docker.RemoveContainer(ctx, cli, c.ID, true); err != nil {
			VerboseLog("Failed to remove %s: %v", c.Name, err)
			failed = append(failed, c.Name)
			continue
		}
		removed = append(removed, c.Name)
	}

	if IsJSONOutput() {
		if err := printJSON(struct {
			DryRun  bool     `json:"dryRun"`
			Removed []string `json:"removed"`
		}{flags.dryRun, removed}); err != nil {
			return err
		}
	} else {
		verb := "Removed"
		if flags.dryRun {
			verb = "Would remove"
		}
		for _, name := range removed {
			fmt.Printf("%s %s\n", verb, name)
		}
		if len(removed) == 0 && len(failed) == 0 {
			fmt.Println("No bindci containers found.")
		}
	}

	if len(failed) > 0 {
		return model.NewCLIError(model.ExitDockerNotRunning,
			fmt.Sprintf("failed to remove %d container(s): %v", len(failed), failed))
	}
	return nil
}

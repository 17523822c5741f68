// Package cli - plan.go implements the "bindci plan" command, which shows
// the resolved pipeline without running anything.
package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bindci/internal/config"
	"github.com/shinji-kodama/bindci/internal/model"
)

// NewPlanCommand creates the "plan" cobra command.
func NewPlanCommand() *cobra.Command {
	var pipeline string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the resolved pipeline without running it",
		Long: `Print the steps "bindci run" would execute, with every ${VAR}
reference expanded against the current configuration.

Examples:
  bindci plan
  bindci plan --pipeline ci/bindci.yaml --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, origin, err := config.Resolve(settings, pipeline)
			if err != nil {
				return err
			}
			if IsJSONOutput() {
				return printJSON(struct {
					Origin   string          `json:"origin"`
					Pipeline *model.Pipeline `json:"pipeline"`
				}{origin, p})
			}
			printPlan(p, origin)
			return nil
		},
	}

	cmd.Flags().StringVarP(&pipeline, "pipeline", "p", "", "Pipeline file (default: BINDCI_PIPELINE, bindci.yaml in the workspace, else built-in)")
	return cmd
}

func printPlan(p *model.Pipeline, origin string) {
	fmt.Printf("Pipeline %q (%s), %d steps\n\n", p.Name, origin, len(p.Steps))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "STEP", "KIND", "DIR", "ACTION"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetBorder(false)

	for i, s := range p.Steps {
		dir := s.Dir
		if dir == "" {
			dir = "-"
		}
		table.Append([]string{strconv.Itoa(i + 1), s.Name, s.EffectiveKind().String(), dir, describeStep(s)})
	}
	table.Render()
}

// Package cli - env.go implements the "bindci env" command.
package cli

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

// NewEnvCommand creates the "env" cobra command.
func NewEnvCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "List configuration variables and their effective values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vars := settings.Describe()

			if IsJSONOutput() {
				out := make(map[string]any, len(vars))
				for _, v := range vars {
					out[v.Name] = v.Value
				}
				return printJSON(out)
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"VARIABLE", "VALUE", "DESCRIPTION"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetAutoWrapText(false)
			table.SetBorder(false)
			for _, v := range vars {
				table.Append([]string{v.Name, fmt.Sprint(v.Value), v.Description})
			}
			table.Render()
			return nil
		},
	}
}

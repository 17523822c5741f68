// Package cli - report.go implements the "bindci report" command.
//
// Without --last-run it verifies an xUnit report the same way the test step
// does. With --last-run it prints the summary of the previous "bindci run".
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bindci/internal/model"
	"github.com/shinji-kodama/bindci/internal/report"
)

// NewReportCommand creates the "report" cobra command.
func NewReportCommand() *cobra.Command {
	var lastRun bool

	cmd := &cobra.Command{
		Use:   "report [FILE]",
		Short: "Verify a test report or show the last run",
		Long: `Parse an xUnit test report and print its counts. FILE defaults to
BINDCI_REPORT_FILE (<workspace>/nosetests.xml).

Exits 5 when the report is missing or malformed and 1 when it records
failing tests.

Examples:
  bindci report
  bindci report build/junit.xml --json
  bindci report --last-run`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lastRun {
				if len(args) > 0 {
					return model.NewCLIError(model.ExitGeneralError, "--last-run does not take a FILE argument")
				}
				return showLastRun()
			}
			path := settings.ReportFile
			if len(args) == 1 {
				path = args[0]
			}
			return verifyReport(path)
		},
	}

	cmd.Flags().BoolVar(&lastRun, "last-run", false, "Show the summary of the previous run instead")
	return cmd
}

func verifyReport(path string) error {
	sum, err := report.ParseFile(path)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		if err := printJSON(struct {
			*report.Summary
			Passed bool `json:"passed"`
		}{sum, sum.Passed()}); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s: %d suite(s), %s in %s\n", path, sum.Suites, sum.String(), formatDuration(sum.Time))
		for _, name := range sum.Failed {
			fmt.Printf("  FAIL %s\n", name)
		}
	}

	if !sum.Passed() {
		return model.NewCLIError(model.ExitGeneralError,
			fmt.Sprintf("report records failing tests: %s", strings.Join(sum.Failed, ", ")))
	}
	return nil
}

func showLastRun() error {
	summary, err := readLastRun(settings.Workspace)
	if err != nil {
		if os.IsNotExist(err) {
			return model.NewCLIError(model.ExitGeneralError, "no previous run recorded in this workspace")
		}
		return model.WrapCLIError(model.ExitGeneralError, "failed to read last run", err)
	}
	if IsJSONOutput() {
		return printJSON(summary)
	}
	renderSummary(os.Stdout, summary)
	return nil
}

package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/shinji-kodama/bindci/internal/model"
)

// formatStepLine renders the progress line printed after each step:
//
//	[3/9] deps          ok       12.3s
//	[8/9] test          FAILED   4m05s  exit 1: report ... records failing tests
//	[9/9] post-check    skipped
func formatStepLine(n, total int, r model.StepResult) string {
	prefix := fmt.Sprintf("[%d/%d] %-16s", n, total, r.Name)
	switch r.Status {
	case model.StatusSucceeded:
		line := fmt.Sprintf("%s ok       %s", prefix, formatDuration(r.Duration()))
		if r.Detail != "" {
			line += "  " + r.Detail
		}
		return line
	case model.StatusFailed:
		return fmt.Sprintf("%s FAILED   %s  exit %d: %s", prefix, formatDuration(r.Duration()), r.ExitCode, r.Error)
	default:
		return strings.TrimRight(fmt.Sprintf("%s %s", prefix, r.Status), " ")
	}
}

// renderSummary prints the per-step table and a closing verdict line.
func renderSummary(w io.Writer, s *model.RunSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "STEP", "KIND", "STATUS", "EXIT", "DURATION", "DETAIL"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetBorder(false)

	for i, r := range s.Results {
		exit := "-"
		if r.Status == model.StatusSucceeded || r.Status == model.StatusFailed {
			exit = strconv.Itoa(r.ExitCode)
		}
		detail := r.Detail
		if r.Status == model.StatusFailed && detail == "" {
			detail = r.Error
		}
		table.Append([]string{
			strconv.Itoa(i + 1),
			r.Name,
			r.Kind.String(),
			r.Status.String(),
			exit,
			formatDuration(r.Duration()),
			detail,
		})
	}
	table.Render()

	total := formatDuration(s.FinishedAt.Sub(s.StartedAt))
	if s.Succeeded() {
		fmt.Fprintf(w, "\nPipeline %q succeeded: %d steps in %s (run %s)\n", s.Pipeline, len(s.Results), total, s.RunID)
		return
	}
	if f := s.FirstFailure(); f != nil {
		fmt.Fprintf(w, "\nPipeline %q failed at step %q with exit code %d after %s; %d step(s) skipped (run %s)\n",
			s.Pipeline, f.Name, f.ExitCode, total, s.Count(model.StatusSkipped), s.RunID)
		return
	}
	fmt.Fprintf(w, "\nPipeline %q did not complete (run %s)\n", s.Pipeline, s.RunID)
}

// describeStep summarises what a resolved step will do, for `bindci plan`.
func describeStep(s model.Step) string {
	switch s.EffectiveKind() {
	case model.KindClone:
		ref := s.Repo
		if s.Branch != "" {
			ref += "@" + s.Branch
		}
		desc := fmt.Sprintf("clone %s -> %s", ref, s.Dest)
		if s.Depth > 0 {
			desc += fmt.Sprintf(" (depth %d)", s.Depth)
		}
		return desc
	case model.KindCopy:
		return fmt.Sprintf("copy %s -> %s", strings.Join(s.Sources, " "), s.Dest)
	default:
		desc := strings.Join(s.Command, " ")
		if s.Report != "" {
			desc += fmt.Sprintf(" (verifies %s)", s.Report)
		}
		return desc
	}
}

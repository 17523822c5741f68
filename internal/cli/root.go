// Package cli implements the cobra-based CLI commands for bindci.
//
// Each subcommand (run, plan, report, env, clean) is defined in its own
// file within this package. This file defines the root command that serves as
// the parent for all subcommands and handles global flags.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/shinji-kodama/bindci/internal/config"
	"github.com/shinji-kodama/bindci/internal/ctxlog"
	"github.com/shinji-kodama/bindci/internal/executor"
	"github.com/shinji-kodama/bindci/internal/model"
)

// Global flag variables shared across all subcommands.
var (
	// jsonOutput switches command output to JSON for machine consumption.
	jsonOutput bool

	// verbose enables debug logging and [verbose] trace lines on stderr.
	verbose bool

	// logFormat overrides BINDCI_LOG_FORMAT when set.
	logFormat string
)

// settings is loaded once per invocation, before any subcommand runs.
var settings *config.Settings

// Version, Commit and Date are injected from the main package.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// NewRootCommand creates and configures the root cobra command.
//
// The root command itself does not perform any action. It provides help
// text, global flags, and the configuration and logger every subcommand
// receives through its context.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "bindci",
		Short: "Fail-fast CI pipeline for the Chapel Python bindings",
		Long: `bindci builds the Chapel compiler from source, installs the Python binding
package, and runs its test suite, stopping at the first step that fails.

Each run clones the compiler afresh, so repeated runs against the same
branch end in the same state. The test step writes an xUnit report that
bindci verifies before declaring success.

Configuration comes from BINDCI_* environment variables (see "bindci env")
and an optional bindci.yaml pipeline file in the workspace.`,

		SilenceUsage:  true,
		SilenceErrors: true,

		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, Date),

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.LoadSettings()
			if err != nil {
				return err
			}
			settings = s

			format, err := effectiveLogFormat(logFormat, s.LogFormat)
			if err != nil {
				return err
			}
			level := "info"
			if verbose || s.Debug {
				level = "debug"
			}

			logger := newLogger(level, format, os.Stderr)
			cmd.SetContext(ctxlog.WithLogger(cmd.Context(), logger))
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (default from BINDCI_LOG_FORMAT, else text)")

	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewPlanCommand())
	rootCmd.AddCommand(NewReportCommand())
	rootCmd.AddCommand(NewEnvCommand())
	rootCmd.AddCommand(NewCleanCommand())

	return rootCmd
}

// effectiveLogFormat applies the --log-format flag over the configured
// format and validates the result.
func effectiveLogFormat(flag, configured string) (string, error) {
	format := configured
	if flag != "" {
		format = flag
	}
	if err := config.ValidateLogFormat(format); err != nil {
		return "", err
	}
	return format, nil
}

// Execute runs the root command and exits the process with the code
// matching the error, if any. ctx is cancelled on interrupt by main.
func Execute(ctx context.Context, rootCmd *cobra.Command) {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return
	}

	var cliErr *model.CLIError
	if errors.As(err, &cliErr) && !isStepError(err) {
		printError(os.Stderr, cliErr.Message, cliErr.Err)
	} else {
		printError(os.Stderr, err.Error(), nil)
	}
	os.Exit(exitCodeFor(err))
}

// exitCodeFor translates an error into the process exit code. A failed
// step exits with that step's status, like a shell script run with -e.
func exitCodeFor(err error) int {
	if err == nil {
		return int(model.ExitSuccess)
	}
	var stepErr *executor.StepError
	if errors.As(err, &stepErr) && stepErr.ExitCode != 0 {
		return stepErr.ExitCode
	}
	var cliErr *model.CLIError
	if errors.As(err, &cliErr) && cliErr.Code != model.ExitSuccess {
		return int(cliErr.Code)
	}
	return int(model.ExitGeneralError)
}

func isStepError(err error) bool {
	var stepErr *executor.StepError
	return errors.As(err, &stepErr)
}

// printError writes an error message as text or, with --json, as a JSON
// object. Errors go to stderr even in JSON mode; stdout is reserved for
// command output.
func printError(w io.Writer, message string, underlying error) {
	if jsonOutput {
		errObj := map[string]any{
			"error": map[string]any{
				"message": message,
			},
		}
		if underlying != nil {
			if errMap, ok := errObj["error"].(map[string]any); ok {
				errMap["detail"] = underlying.Error()
			}
		}
		data, _ := json.MarshalIndent(errObj, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}

	if underlying != nil {
		fmt.Fprintf(w, "Error: %s: %v\n", message, underlying)
	} else {
		fmt.Fprintf(w, "Error: %s\n", message)
	}
}

// VerboseLog prints a message to stderr only when verbose mode is enabled.
func VerboseLog(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stderr, "[verbose] "+format+"\n", args...)
	}
}

// IsJSONOutput returns whether the --json flag is set.
func IsJSONOutput() bool {
	return jsonOutput
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

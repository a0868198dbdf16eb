package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Global flags
var configPath string

// buildVersion is reported as the telemetry service version.
var buildVersion = "dev"

// ExitError ends the process with Code after the command already reported
// its outcome.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "tgworker",
		Short: "tgworker - terragrunt plan, apply and destroy worker",
		Long: `tgworker runs terragrunt tasks handed to it as task documents.

A task plans, applies or destroys either a single module or a whole module
tree. The worker fetches configuration, variable and backend files from
their stores, drives terragrunt through init, workspace, plan, apply or
destroy and output, then uploads state and encrypts approved plans.

Every task reports the progress of each unit it ran and cleans up its
working directories and plan secrets on the way out.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "config file path (default ./tgworker.yaml or ~/.tgworker/tgworker.yaml)")
	flags.String("base-dir", "", "directory holding task working directories")
	flags.String("terragrunt-binary", "", "terragrunt executable")
	flags.Duration("timeout", 0, "default timeout of each terragrunt command")
	flags.String("database", "", "sqlite database path")
	flags.String("policy-dir", "", "directory of plan policies, empty disables the policy gate")
	flags.Int("concurrency", 0, "tasks run at once by run and watch")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (console, json)")

	rootCmd.AddCommand(newTaskCommand(taskPlan))
	rootCmd.AddCommand(newTaskCommand(taskApply))
	rootCmd.AddCommand(newTaskCommand(taskDestroy))
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

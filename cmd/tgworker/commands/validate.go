package commands

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/tgworker/pkg/config"
	"github.com/openfroyo/tgworker/pkg/policy"
	"github.com/openfroyo/tgworker/pkg/terragrunt"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [document]...",
		Short: "Validate the worker config, plan policies and task documents",
		Long: `Validate the worker configuration and, without running anything:

  - compile every plan policy in the policy directory
  - check each task document against the task schema and field rules
  - reject command flags that cannot be split into arguments`,
		Example: `  # Validate the worker config only
  tgworker validate

  # Validate task documents with a specific config
  tgworker validate -c worker.yaml 'tasks/*.yaml'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ok := color.New(color.FgGreen).SprintFunc()
			bad := color.New(color.FgRed).SprintFunc()

			cfg, err := loadConfig(cmd)
			if err != nil {
				fmt.Fprintf(out, "%s worker config: %v\n", bad("FAIL"), err)
				return &ExitError{Code: 1, Err: err}
			}
			fmt.Fprintf(out, "%s worker config\n", ok("OK"))

			failed := 0
			if cfg.PolicyDir != "" {
				policies, err := validatePolicies(cmd, cfg.PolicyDir)
				if err != nil {
					fmt.Fprintf(out, "%s policies in %s: %v\n", bad("FAIL"), cfg.PolicyDir, err)
					failed++
				} else {
					fmt.Fprintf(out, "%s policies in %s\n", ok("OK"), cfg.PolicyDir)
					for _, p := range policies {
						fmt.Fprintf(out, "    %-28s %-8s %s\n", p.Name, p.Severity, p.Source)
					}
				}
			}

			paths, err := expandDocuments(args)
			if err != nil {
				return err
			}
			failed += validateDocuments(out, paths, ok, bad)

			if failed > 0 {
				return &ExitError{Code: 1, Err: fmt.Errorf("%d validation errors", failed)}
			}
			return nil
		},
	}

	return cmd
}

// validatePolicies compiles the policies in dir and returns the effective
// set, built-ins included.
func validatePolicies(cmd *cobra.Command, dir string) ([]policy.Policy, error) {
	pe, err := policy.NewEngine(log.Logger)
	if err != nil {
		return nil, err
	}
	if err := pe.LoadPolicies(cmd.Context(), []string{dir}); err != nil {
		return nil, err
	}
	return pe.ListPolicies(), nil
}

func validateDocuments(out io.Writer, paths []string, ok, bad func(...interface{}) string) int {
	failed := 0
	for _, path := range paths {
		params, err := config.LoadTaskDocument(path)
		if err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", bad("FAIL"), path, err)
			failed++
			continue
		}
		base := params.Common()
		if _, err := terragrunt.ParseFlags(base.CommandFlags); err != nil {
			fmt.Fprintf(out, "%s %s: %v\n", bad("FAIL"), path, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "%s %s (%s %s %s/%s)\n", ok("OK"), path,
			params.Kind(), base.RunConfiguration.RunType, base.AccountID, base.EntityID)
	}
	return failed
}

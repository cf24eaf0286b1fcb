package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zylhub/rasa/pkg/policy"
	"github.com/zylhub/rasa/pkg/trainingdata"
)

type validationReport struct {
	Pipeline    string               `json:"pipeline"`
	PipelineErr string               `json:"pipeline_error,omitempty"`
	Policies    *policy.PolicyResult `json:"policies,omitempty"`
	DataIssues  []trainingdata.Issue `json:"data_issues,omitempty"`
	Valid       bool                 `json:"valid"`
}

func newValidateCommand() *cobra.Command {
	var (
		pipelinePath string
		dataPaths    []string
		minExamples  int
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate pipeline configuration and training data",
		Long: `Check a pipeline configuration against the component registry and the
pipeline policies, and check training data for conflicting or malformed
examples. Nothing is trained.`,
		Example: `  # Validate the files named in rasa.yaml
  rasa validate

  # Machine-readable report
  rasa validate --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			report := validationReport{Pipeline: pipelinePath, Valid: true}
			if report.Pipeline == "" {
				report.Pipeline = env.cfg.Pipeline
			}

			cfg, err := env.loadPipelineConfig(ctx, pipelinePath)
			if err == nil {
				err = env.registry.Validate(cfg)
			}
			if err != nil {
				report.PipelineErr = err.Error()
				report.Valid = false
			} else {
				pe, err := env.policyEngine(ctx)
				if err != nil {
					return err
				}
				res, err := pe.EvaluatePipeline(ctx, env.registry, cfg, &policy.PolicyContext{
					Operation:   policy.OperationValidate,
					Environment: env.cfg.Telemetry.Environment,
				})
				if err != nil {
					return err
				}
				report.Policies = res
				if !res.Allowed && env.cfg.Policy.Mode == "enforcing" {
					report.Valid = false
				}
			}

			data, err := env.loadTrainingData(dataPaths)
			if err != nil {
				return err
			}
			report.DataIssues = trainingdata.Validate(data, trainingdata.ValidateOptions{MinExamplesPerIntent: minExamples})
			if trainingdata.HasErrors(report.DataIssues) {
				report.Valid = false
			}

			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				printValidation(cmd, report)
			}
			if !report.Valid {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline config file or CUE directory (default from rasa.yaml)")
	cmd.Flags().StringSliceVarP(&dataPaths, "data", "d", nil, "training data files or directories (default from rasa.yaml)")
	cmd.Flags().IntVar(&minExamples, "min-examples", 2, "warn about intents with fewer examples")

	return cmd
}

func printValidation(cmd *cobra.Command, r validationReport) {
	w := cmd.OutOrStdout()
	if r.PipelineErr != "" {
		fmt.Fprintf(w, "✗ Pipeline %s: %s\n", r.Pipeline, r.PipelineErr)
	} else {
		fmt.Fprintf(w, "✓ Pipeline %s is valid\n", r.Pipeline)
	}
	if r.Policies != nil {
		for _, v := range r.Policies.Violations {
			fmt.Fprintf(w, "✗ [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
			if v.Remediation != "" {
				fmt.Fprintf(w, "    %s\n", v.Remediation)
			}
		}
		for _, v := range r.Policies.Warnings {
			fmt.Fprintf(w, "! [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
		}
		for _, name := range r.Policies.Failures {
			fmt.Fprintf(w, "! policy %s could not be evaluated\n", name)
		}
	}
	for _, issue := range r.DataIssues {
		fmt.Fprintf(w, "- %s\n", issue)
	}
	if r.Valid {
		fmt.Fprintln(w, "✓ Validation passed")
	}
}

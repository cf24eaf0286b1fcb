package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zylhub/rasa/pkg/components"
	"github.com/zylhub/rasa/pkg/policy"
	"github.com/zylhub/rasa/pkg/trainingdata"
)

func newTrainCommand() *cobra.Command {
	var (
		pipelinePath string
		dataPaths    []string
		outDir       string
		name         string
		force        bool
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a pipeline and save it as a model archive",
		Long: `Train a pipeline on training data and save the trained components as a
versioned archive directory.

This command:
  - Loads and validates the pipeline configuration
  - Checks pipeline policies
  - Loads and validates the training data
  - Trains every component in order
  - Writes the archive and records it in the model catalog`,
		Example: `  # Train with the files named in rasa.yaml
  rasa train

  # Train a specific pipeline on a data directory
  rasa train --pipeline config.cue --data data/nlu --out models`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			cfg, err := env.loadPipelineConfig(ctx, pipelinePath)
			if err != nil {
				return err
			}
			if _, err := env.checkPolicies(ctx, cfg, policy.OperationTrain); err != nil {
				return err
			}

			data, err := env.loadTrainingData(dataPaths)
			if err != nil {
				return err
			}
			issues := trainingdata.Validate(data, trainingdata.ValidateOptions{MinExamplesPerIntent: 2})
			for _, issue := range issues {
				log.Warn().Msg(issue.String())
			}
			if trainingdata.HasErrors(issues) && !force {
				return fmt.Errorf("training data has errors (use --force to train anyway)")
			}
			if n := components.CheckEntityAnnotations(env.tel.Logger, data); n > 0 {
				log.Warn().Int("examples", n).Msg("Entity annotations do not align with token boundaries")
			}

			p, err := env.registry.Build(ctx, cfg, env.pipelineOptions()...)
			if err != nil {
				return err
			}
			defer p.Close()

			summary, err := p.Train(ctx, data)
			if err != nil {
				return err
			}

			if outDir == "" {
				outDir = env.cfg.Models.Dir
			}
			if name == "" {
				name = time.Now().UTC().Format("20060102-150405")
			}
			dir := filepath.Join(outDir, name)
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("failed to create models directory: %w", err)
			}

			manifest, err := env.persistence().Save(ctx, p, dir)
			if err != nil {
				return err
			}
			env.audit(ctx, "model.trained", manifest.ArchiveID, map[string]interface{}{
				"path":     dir,
				"run_id":   summary.RunID,
				"examples": summary.Examples,
			})

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"archive_id": manifest.ArchiveID,
					"path":       dir,
					"run":        summary,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Trained %d components on %d examples in %s\n",
				len(summary.Steps), summary.Examples, summary.Duration.Round(time.Millisecond))
			fmt.Fprintf(cmd.OutOrStdout(), "Model saved to %s (archive %s)\n", dir, manifest.ArchiveID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline config file or CUE directory (default from rasa.yaml)")
	cmd.Flags().StringSliceVarP(&dataPaths, "data", "d", nil, "training data files or directories (default from rasa.yaml)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "models directory (default from rasa.yaml)")
	cmd.Flags().StringVar(&name, "fixed-model-name", "", "archive directory name instead of a timestamp")
	cmd.Flags().BoolVar(&force, "force", false, "train even when the training data has errors")

	return cmd
}

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/evaluation"
)

func newTestCommand() *cobra.Command {
	var (
		modelDir     string
		pipelinePath string
		dataPaths    []string
		outDir       string
		crossVal     bool
		folds        int
		seed         int64
		minFrequency int
		plots        bool
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Evaluate a model on test data",
		Long: `Evaluate intent classification, entity extraction and response selection
of a trained model against annotated test data.

With --cross-validation a fresh pipeline is trained and evaluated on each
of n stratified folds, and mean and standard deviation are reported.`,
		Example: `  # Evaluate the newest model
  rasa test --data data/test

  # Five-fold cross-validation of a pipeline
  rasa test --cross-validation --folds 5 --pipeline config.yml --data data/nlu`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			data, err := env.loadTrainingData(dataPaths)
			if err != nil {
				return err
			}
			if minFrequency > 0 {
				data = evaluation.DropIntentsBelowFrequency(data, minFrequency)
			}
			if outDir != "" {
				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}
			}

			if crossVal {
				cfg, err := env.loadPipelineConfig(ctx, pipelinePath)
				if err != nil {
					return err
				}
				build := func(ctx context.Context) (*engine.Pipeline, error) {
					return env.registry.Build(ctx, cfg, env.pipelineOptions()...)
				}
				cv, err := evaluation.CrossValidate(env.tel.WithContext(ctx), build, data, folds, seed)
				if err != nil {
					return err
				}
				if outDir != "" {
					if err := writeJSONFile(filepath.Join(outDir, "cross_validation.json"), cv); err != nil {
						return err
					}
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), cv)
				}
				printCrossValidation(cmd.OutOrStdout(), cv)
				return nil
			}

			dir, err := env.resolveModel(modelDir)
			if err != nil {
				return err
			}
			p, err := env.persistence().Load(ctx, dir, env.pipelineOptions()...)
			if err != nil {
				return err
			}
			defer p.Close()

			results, err := evaluation.Run(ctx, p, data)
			if err != nil {
				return err
			}

			if outDir != "" {
				if err := writeJSONFile(filepath.Join(outDir, "results.json"), results); err != nil {
					return err
				}
				if plots && results.Intents != nil {
					if err := evaluation.PlotConfidenceHistogram(results.Intents.Predictions, filepath.Join(outDir, "intent_histogram.png")); err != nil {
						return err
					}
					if err := evaluation.PlotConfusionMatrix(results.Intents.Confusion, "Intent Confusion matrix", filepath.Join(outDir, "intent_confusion_matrix.png")); err != nil {
						return err
					}
					log.Info().Str("dir", outDir).Msg("Wrote evaluation plots")
				}
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), results)
			}
			printResults(cmd.OutOrStdout(), results)
			return nil
		},
	}

	cmd.Flags().StringVarP(&modelDir, "model", "m", "", "model archive directory (default: newest in the models directory)")
	cmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "", "pipeline config for cross-validation (default from rasa.yaml)")
	cmd.Flags().StringSliceVarP(&dataPaths, "data", "d", nil, "test data files or directories (default from rasa.yaml)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "results", "directory for result files; empty disables them")
	cmd.Flags().BoolVar(&crossVal, "cross-validation", false, "run stratified cross-validation instead of evaluating a model")
	cmd.Flags().IntVarP(&folds, "folds", "f", 5, "number of cross-validation folds")
	cmd.Flags().Int64Var(&seed, "seed", 42, "random seed for fold assignment")
	cmd.Flags().IntVar(&minFrequency, "min-examples", 0, "drop intents with fewer examples")
	cmd.Flags().BoolVar(&plots, "plots", true, "write confusion matrix and confidence histogram")

	return cmd
}

func writeJSONFile(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	return printJSON(f, v)
}

func printResults(w io.Writer, r *evaluation.Results) {
	if r.Intents != nil {
		fmt.Fprintf(w, "Intent evaluation (%d examples, %d errors)\n", len(r.Intents.Predictions), len(r.Intents.Errors))
		printReport(w, r.Intents.Report)
	}
	extractors := make([]string, 0, len(r.Entities))
	for name := range r.Entities {
		extractors = append(extractors, name)
	}
	sort.Strings(extractors)
	for _, name := range extractors {
		fmt.Fprintf(w, "Entity evaluation for %s\n", name)
		printReport(w, r.Entities[name])
	}
	if r.Responses != nil {
		fmt.Fprintf(w, "Response selection evaluation (%d examples, %d errors)\n", len(r.Responses.Predictions), len(r.Responses.Errors))
		printReport(w, r.Responses.Report)
	}
}

func printReport(w io.Writer, rep evaluation.Report) {
	fmt.Fprintf(w, "  accuracy %.3f  precision %.3f  f1 %.3f\n", rep.Accuracy, rep.Precision, rep.F1)
	labels := make([]string, 0, len(rep.Labels))
	for l := range rep.Labels {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	for _, l := range labels {
		m := rep.Labels[l]
		fmt.Fprintf(w, "    %-30s p=%.3f r=%.3f f1=%.3f n=%d\n", l, m.Precision, m.Recall, m.F1, m.Support)
	}
}

func printCrossValidation(w io.Writer, cv *evaluation.CrossValidation) {
	fmt.Fprintf(w, "Cross-validation over %d folds\n", cv.Folds)
	for _, section := range []struct {
		name   string
		scores map[string]map[string]evaluation.Score
	}{{"intent", cv.Intent}, {"entity", cv.Entity}} {
		splits := make([]string, 0, len(section.scores))
		for s := range section.scores {
			splits = append(splits, s)
		}
		sort.Strings(splits)
		for _, split := range splits {
			metrics := section.scores[split]
			names := make([]string, 0, len(metrics))
			for n := range metrics {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				s := metrics[n]
				fmt.Fprintf(w, "  %s %s %s: %.3f (%.3f)\n", section.name, split, n, s.Mean, s.Std)
			}
		}
	}
}

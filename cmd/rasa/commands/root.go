package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rasa",
		Short: "Rasa NLU - configurable natural language understanding pipelines",
		Long: `Rasa NLU trains and runs pipelines of message-processing components
that turn user utterances into intents, entities and response selections.

Features:
  - Pipelines in YAML or CUE, checked against component requirements
  - Pipeline policies in rego
  - Versioned model archives with hot reload
  - Starlark and WASM custom components
  - Webhook connector with retry deduplication`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rasa.yaml", "application config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newTrainCommand())
	rootCmd.AddCommand(newParseCommand())
	rootCmd.AddCommand(newTestCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newModelsCommand())
	rootCmd.AddCommand(newPackCommand())
	rootCmd.AddCommand(newUnpackCommand())

	return rootCmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

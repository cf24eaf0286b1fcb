package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/protocol"
)

// textParser is satisfied by both an in-process interpreter and a worker
// client.
type textParser func(ctx context.Context, text string) (*engine.Result, error)

func newParseCommand() *cobra.Command {
	var (
		modelDir   string
		workerPath string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "parse [text...]",
		Short: "Parse utterances with a trained model",
		Long: `Parse utterances with a trained model and print one JSON result per
utterance. Without arguments, utterances are read from stdin, one per line.

With --worker the model is loaded in a separate rasa-worker process and
utterances are sent to it over stdio.`,
		Example: `  # Parse one utterance with the newest model
  rasa parse "book a table for two"

  # Parse a file of utterances through a worker process
  rasa parse --worker rasa-worker --model models/20260101-120000 < utterances.txt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			env, err := loadEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.Close(ctx)

			dir, err := env.resolveModel(modelDir)
			if err != nil {
				return err
			}

			var parse textParser
			if workerPath != "" {
				client, err := protocol.StartWorker(ctx, workerPath, []string{"--model", dir, "--config", configPath})
				if err != nil {
					return err
				}
				defer client.Close()
				parse = func(ctx context.Context, text string) (*engine.Result, error) {
					res, err := client.Parse(ctx, uuid.New().String(), text)
					if err != nil {
						return nil, err
					}
					return res.Result, nil
				}
			} else {
				interp := engine.NewInterpreter(env.persistence(), env.pipelineOptions()...)
				defer interp.Close()
				if err := interp.LoadArchive(ctx, dir); err != nil {
					return err
				}
				parse = interp.Parse
			}

			run := func(text string) error {
				pctx := ctx
				if timeout > 0 {
					var cancel context.CancelFunc
					pctx, cancel = context.WithTimeout(ctx, timeout)
					defer cancel()
				}
				res, err := parse(pctx, text)
				if err != nil {
					return err
				}
				return printParseResult(cmd.OutOrStdout(), res)
			}

			if len(args) > 0 {
				return run(strings.Join(args, " "))
			}
			return eachLine(cmd.InOrStdin(), run)
		},
	}

	cmd.Flags().StringVarP(&modelDir, "model", "m", "", "model archive directory (default: newest in the models directory)")
	cmd.Flags().StringVar(&workerPath, "worker", "", "path of a rasa-worker binary to parse in")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-utterance timeout")

	return cmd
}

func printParseResult(w io.Writer, res *engine.Result) error {
	if jsonOutput {
		return printJSON(w, res)
	}
	intent := "-"
	if res.Intent != nil {
		intent = fmt.Sprintf("%s (%.3f)", res.Intent.Name, res.Intent.Confidence)
	}
	fmt.Fprintf(w, "%s\n  intent: %s\n", res.Text, intent)
	for _, e := range res.Entities {
		fmt.Fprintf(w, "  entity: %s=%q [%d:%d] by %s\n", e.Entity, e.Value, e.Start, e.End, e.Extractor)
	}
	for key, sel := range res.ResponseSelector {
		fmt.Fprintf(w, "  response[%s]: %+v\n", key, sel)
	}
	return nil
}

func eachLine(r io.Reader, fn func(string) error) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return scanner.Err()
}

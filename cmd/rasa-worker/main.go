// Package main implements rasa-worker, which loads one model archive and
// parses utterances received as JSON lines on stdin. Results are written to
// stdout; logs go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zylhub/rasa/pkg/components"
	"github.com/zylhub/rasa/pkg/config"
	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/plugins/host"
	"github.com/zylhub/rasa/pkg/protocol"
	"github.com/zylhub/rasa/pkg/telemetry"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newCommand().ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Worker failed")
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var (
		modelDir   string
		configPath string
	)

	cmd := &cobra.Command{
		Use:           "rasa-worker --model DIR",
		Short:         "Parse utterances over stdio with one model archive",
		Version:       Version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), modelDir, configPath)
		},
	}

	cmd.Flags().StringVarP(&modelDir, "model", "m", "", "model archive directory")
	cmd.Flags().StringVarP(&configPath, "config", "c", "rasa.yaml", "application config file")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func run(ctx context.Context, modelDir, configPath string) error {
	interp, manifest, tel, err := load(ctx, modelDir, configPath)
	if err != nil {
		msg := protocol.NewErrorMessage("", err)
		if msg.Code == "" || msg.Code == protocol.CodeParseFailed {
			msg.Code = protocol.CodeLoadFailed
		}
		_ = protocol.NewEncoder(os.Stdout).EncodeError(msg)
		return err
	}
	defer func() {
		_ = interp.Close()
		_ = tel.Shutdown(context.WithoutCancel(ctx))
	}()

	names := make([]string, len(manifest.Pipeline))
	for i, s := range manifest.Pipeline {
		names[i] = s.Component
	}
	ready := &protocol.ReadyMessage{
		Version:    Version,
		PID:        os.Getpid(),
		ArchiveID:  manifest.ArchiveID,
		Language:   manifest.Language,
		Components: names,
		Metadata:   map[string]string{"engine_version": engine.EngineVersion},
	}

	server := protocol.NewServer(interp, os.Stdin, os.Stdout, tel.Logger.Zerolog())
	exit, err := server.Serve(ctx, ready)
	if err != nil {
		return err
	}
	log.Debug().Str("reason", exit.Reason).Int("parsed", exit.Parsed).Int("failed", exit.Failed).Msg("Worker exiting")
	if exit.ExitCode != 0 {
		return fmt.Errorf("worker stopped: %s", exit.Reason)
	}
	return nil
}

func load(ctx context.Context, modelDir, configPath string) (*engine.Interpreter, *engine.ArchiveManifest, *telemetry.Telemetry, error) {
	cfg, err := config.NewLoader().LoadApp(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	// stdout carries the protocol.
	cfg.Telemetry.Logging.Output = "stderr"
	cfg.Telemetry.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	registry := components.NewRegistry(components.WithWasmConfig(host.DefaultConfig()))
	if cfg.Plugins != "" {
		plugins := host.NewRegistry(host.DefaultConfig(), tel.Logger)
		if _, err := plugins.ScanDirectory(cfg.Plugins); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to load plugins: %w", err)
		}
		if err := components.RegisterPlugins(registry, plugins); err != nil {
			return nil, nil, nil, err
		}
	}

	pm := engine.NewPersistenceManager(registry, engine.WithPersistenceTelemetry(tel))
	manifest, err := pm.ReadManifest(modelDir)
	if err != nil {
		return nil, nil, nil, err
	}

	opts := []engine.Option{engine.WithTelemetry(tel)}
	if cfg.Models.Workers > 0 {
		opts = append(opts, engine.WithWorkers(cfg.Models.Workers))
	}
	interp := engine.NewInterpreter(pm, opts...)
	if err := interp.LoadArchive(ctx, modelDir); err != nil {
		_ = interp.Close()
		return nil, nil, nil, err
	}
	return interp, manifest, tel, nil
}

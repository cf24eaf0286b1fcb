package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zylhub/rasa/pkg/connector"
	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/nlg"
	"github.com/zylhub/rasa/pkg/policy"
)

const (
	deliveryRetention = 24 * time.Hour
	pruneInterval     = time.Hour
)

func newServeCommand() *cobra.Command {
	var (
		modelDir      string
		listenAddress string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a model over HTTP",
		Long: `Serve a trained model behind the webhook connector.

Routes:
  POST /webhooks/{channel}  receive a channel message, deduplicating retries
  POST /model/parse         parse one utterance
  GET  /health              report whether a model is loaded

With models.watch set, the archive is reloaded when it changes on disk.`,
		Example: `  # Serve the newest model on the configured address
  rasa serve

  # Serve a specific archive on another port
  rasa serve --model models/20260101-120000 --listen :8080`,
		Args: cobra.NoArgs,
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
			pm := env.persistence()
			manifest, err := pm.ReadManifest(dir)
			if err != nil {
				return err
			}
			if _, err := env.checkPolicies(ctx, manifest.Config(), policy.OperationServe); err != nil {
				return err
			}

			interp := engine.NewInterpreter(pm, env.pipelineOptions()...)
			defer interp.Close()
			if err := interp.LoadArchive(ctx, dir); err != nil {
				return err
			}
			log.Info().Str("archive", manifest.ArchiveID).Str("path", dir).Msg("Model loaded")

			if env.cfg.Models.Watch {
				interp.OnReload(func(path string, err error) {
					details := map[string]interface{}{"path": path}
					if err != nil {
						details["error"] = err.Error()
					}
					env.audit(context.WithoutCancel(ctx), "model.reloaded", "", details)
				})
				if err := interp.Watch(ctx, dir); err != nil {
					return err
				}
			}

			if env.cfg.Policy.Enabled && env.cfg.Policy.Watch && env.cfg.Policy.Dir != "" {
				pe, err := env.policyEngine(ctx)
				if err != nil {
					return err
				}
				if err := pe.Watch(ctx, []string{env.cfg.Policy.Dir}); err != nil {
					log.Warn().Err(err).Msg("Failed to watch policies")
				}
			}

			handler := connector.NewHandler(interp, deliveryStore(env), outputChannel(env),
				connector.WithConfig(connector.Config{
					RetryHeader:       env.cfg.Connector.RetryHeader,
					RetryReasonHeader: env.cfg.Connector.RetryReasonHeader,
					ErrorsIgnoreRetry: env.cfg.Connector.ErrorsIgnoreRetry,
				}),
				connector.WithGenerator(nlg.Resolve(nlg.Config{
					URL:       env.cfg.NLG.URL,
					Timeout:   env.cfg.NLG.Timeout,
					Templates: env.cfg.NLG.Templates,
				}, env.tel.Logger.Zerolog())),
				connector.WithTelemetry(env.tel),
			)

			mux := http.NewServeMux()
			handler.Register(mux)

			addr := listenAddress
			if addr == "" {
				addr = env.cfg.Connector.ListenAddress
			}
			if m := env.cfg.Telemetry.Metrics; m.Enabled {
				if m.ListenAddress == "" || m.ListenAddress == addr {
					mux.Handle("GET "+m.Path, env.tel.Metrics.Handler())
				} else if err := env.tel.StartMetricsServer(); err != nil {
					return fmt.Errorf("failed to start metrics server: %w", err)
				}
			}

			if env.store != nil {
				go pruneDeliveries(ctx, env)
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("address", addr).Msg("Serving")
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
				log.Info().Msg("Shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			}
		},
	}

	cmd.Flags().StringVarP(&modelDir, "model", "m", "", "model archive directory (default: newest in the models directory)")
	cmd.Flags().StringVarP(&listenAddress, "listen", "l", "", "listen address (default from rasa.yaml)")

	return cmd
}

// deliveryStore returns the SQLite store when one is configured, otherwise
// an in-memory store that forgets deliveries after deliveryRetention.
func deliveryStore(env *environment) connector.DeliveryStore {
	if env.store == nil {
		return connector.NewMemoryDeliveryStore(deliveryRetention)
	}
	return env.store
}

func outputChannel(env *environment) connector.OutputChannel {
	if url := env.cfg.Connector.OutputURL; url != "" {
		return connector.NewHTTPOutput(url, 10*time.Second)
	}
	return connector.NewLogOutput(env.tel.Logger.Zerolog())
}

func pruneDeliveries(ctx context.Context, env *environment) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := env.store.PruneDeliveries(ctx, time.Now().Add(-deliveryRetention))
			if err != nil {
				log.Warn().Err(err).Msg("Failed to prune deliveries")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deliveries", n).Msg("Pruned deliveries")
			}
		}
	}
}

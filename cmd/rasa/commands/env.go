package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zylhub/rasa/pkg/components"
	"github.com/zylhub/rasa/pkg/config"
	"github.com/zylhub/rasa/pkg/engine"
	"github.com/zylhub/rasa/pkg/plugins/host"
	"github.com/zylhub/rasa/pkg/policy"
	"github.com/zylhub/rasa/pkg/stores"
	"github.com/zylhub/rasa/pkg/telemetry"
	"github.com/zylhub/rasa/pkg/trainingdata"
)

// environment is what every command needs: configuration, telemetry, the
// component registry and the optional store.
type environment struct {
	cfg      *config.AppConfig
	loader   *config.Loader
	tel      *telemetry.Telemetry
	registry *engine.Registry
	plugins  *host.Registry
	store    *stores.SQLiteStore
	policies *policy.Engine
}

func loadEnvironment(ctx context.Context) (*environment, error) {
	loader := config.NewLoader()
	cfg, err := loader.LoadApp(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	env := &environment{
		cfg:      cfg,
		loader:   loader,
		tel:      tel,
		registry: components.NewRegistry(components.WithWasmConfig(host.DefaultConfig())),
	}

	if cfg.Plugins != "" {
		env.plugins = host.NewRegistry(host.DefaultConfig(), tel.Logger)
		n, err := env.plugins.ScanDirectory(cfg.Plugins)
		if err != nil {
			return nil, fmt.Errorf("failed to load plugins: %w", err)
		}
		if err := components.RegisterPlugins(env.registry, env.plugins); err != nil {
			return nil, err
		}
		log.Debug().Int("plugins", n).Str("dir", cfg.Plugins).Msg("Loaded component plugins")
	}

	if cfg.Store.Path != "" {
		store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		env.store = store
	}

	return env, nil
}

func (e *environment) Close(ctx context.Context) {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.tel.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

func (e *environment) persistence() *engine.PersistenceManager {
	opts := []engine.PersistenceOption{engine.WithPersistenceTelemetry(e.tel)}
	if e.store != nil {
		opts = append(opts, engine.WithArchiveCatalog(e.store))
	}
	return engine.NewPersistenceManager(e.registry, opts...)
}

func (e *environment) pipelineOptions() []engine.Option {
	opts := []engine.Option{engine.WithTelemetry(e.tel)}
	if e.cfg.Models.Workers > 0 {
		opts = append(opts, engine.WithWorkers(e.cfg.Models.Workers))
	}
	if e.store != nil {
		opts = append(opts, engine.WithRunRecorder(e.store))
	}
	return opts
}

func (e *environment) loadPipelineConfig(ctx context.Context, path string) (engine.PipelineConfig, error) {
	if path == "" {
		path = e.cfg.Pipeline
	}
	cfg, err := e.loader.LoadPipeline(ctx, path)
	if err != nil {
		return cfg, fmt.Errorf("failed to load pipeline config: %w", err)
	}
	return cfg, nil
}

func (e *environment) loadTrainingData(paths []string) (*engine.TrainingData, error) {
	if len(paths) == 0 {
		paths = e.cfg.Data
	}
	parts := make([]*engine.TrainingData, 0, len(paths))
	for _, p := range paths {
		data, err := trainingdata.Load(p)
		if err != nil {
			return nil, err
		}
		parts = append(parts, data)
	}
	return trainingdata.Merge(parts...), nil
}

func (e *environment) policyEngine(ctx context.Context) (*policy.Engine, error) {
	if e.policies != nil {
		return e.policies, nil
	}
	pe, err := policy.NewEngine(e.tel.Logger.Zerolog())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if dir := e.cfg.Policy.Dir; dir != "" {
		if _, err := os.Stat(dir); err == nil {
			if err := pe.LoadPolicies(ctx, []string{dir}); err != nil {
				return nil, fmt.Errorf("failed to load policies: %w", err)
			}
		}
	}
	e.policies = pe
	return pe, nil
}

// checkPolicies evaluates pipeline policies. In enforcing mode a blocking
// violation is an error.
func (e *environment) checkPolicies(ctx context.Context, cfg engine.PipelineConfig, operation string) (*policy.PolicyResult, error) {
	if !e.cfg.Policy.Enabled {
		return nil, nil
	}
	pe, err := e.policyEngine(ctx)
	if err != nil {
		return nil, err
	}
	res, err := pe.EvaluatePipeline(ctx, e.registry, cfg, &policy.PolicyContext{
		Operation:   operation,
		Environment: e.cfg.Telemetry.Environment,
	})
	if err != nil {
		return nil, err
	}

	for _, w := range res.Warnings {
		log.Warn().Str("policy", w.Policy).Str("step", w.Step).Msg(w.Message)
	}
	for _, v := range res.Violations {
		log.Error().Str("policy", v.Policy).Str("step", v.Step).Msg(v.Message)
		_ = e.tel.Events.PublishPolicyViolation(v.Policy, v.Step, v.Message)
	}
	if !res.Allowed && e.cfg.Policy.Mode == "enforcing" {
		e.audit(ctx, "policy.rejected", "", map[string]interface{}{"operation": operation, "violations": len(res.Violations)})
		return res, fmt.Errorf("pipeline rejected by %d policy violation(s)", len(res.Violations))
	}
	return res, nil
}

// audit records an action in the store's audit log, if a store is
// configured.
func (e *environment) audit(ctx context.Context, action, target string, details map[string]interface{}) {
	if e.store == nil {
		return
	}
	entry := &stores.AuditEntry{Action: action, Actor: currentUser()}
	if target != "" {
		entry.TargetID = &target
	}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			s := string(b)
			entry.Details = &s
		}
	}
	if err := e.store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}

// resolveModel returns dir if set, otherwise the newest archive below the
// models directory.
func (e *environment) resolveModel(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return latestArchive(e.cfg.Models.Dir)
}

func latestArchive(modelsDir string) (string, error) {
	entries, err := os.ReadDir(modelsDir)
	if err != nil {
		return "", fmt.Errorf("failed to read models directory: %w", err)
	}
	var candidates []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(modelsDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, engine.ManifestFile)); err == nil {
			candidates = append(candidates, dir)
		}
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no trained model found in %s", modelsDir)
	}
	// Archive directories are named by training timestamp.
	sort.Strings(candidates)
	return candidates[len(candidates)-1], nil
}

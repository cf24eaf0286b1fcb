package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/zylhub/rasa/pkg/telemetry"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

const (
	// ArchiveFormatVersion is the layout version written to every manifest.
	// Archives with a different format version are rejected.
	ArchiveFormatVersion = "1"

	// ManifestFile is the manifest file name inside an archive directory.
	ManifestFile = "manifest.yaml"
)

// EngineVersion is recorded in every archive. Archives written by an engine
// with a different major version are rejected. Overridden at link time.
var EngineVersion = "1.0.0"

// ArchivedStep is one component entry of an archive manifest. Name and
// Params are the resolved values; Declared is the step as configured.
type ArchivedStep struct {
	Position  int         `yaml:"position" validate:"gte=0"`
	Component string      `yaml:"component" validate:"required"`
	Name      string      `yaml:"name" validate:"required"`
	Params    Params      `yaml:"params,omitempty"`
	Declared  *StepConfig `yaml:"declared,omitempty"`
	Directory string      `yaml:"directory" validate:"required"`
	Metadata  Metadata    `yaml:"metadata,omitempty"`
	Checksum  string      `yaml:"checksum" validate:"required,hexadecimal"`
}

// ArchiveManifest is the versioned description of a saved pipeline.
type ArchiveManifest struct {
	FormatVersion string            `yaml:"format_version" validate:"required"`
	EngineVersion string            `yaml:"engine_version" validate:"required"`
	ArchiveID     string            `yaml:"archive_id" validate:"required,uuid"`
	CreatedAt     time.Time         `yaml:"created_at" validate:"required"`
	Language      string            `yaml:"language,omitempty"`
	Fingerprint   string            `yaml:"fingerprint" validate:"required,hexadecimal"`
	Pipeline      []ArchivedStep    `yaml:"pipeline" validate:"required,min=1,dive"`
	Metadata      map[string]string `yaml:"metadata,omitempty"`
}

// Config rebuilds the pipeline configuration recorded in the manifest, as
// it was declared when the pipeline was built.
func (m *ArchiveManifest) Config() PipelineConfig {
	cfg := PipelineConfig{
		Language: m.Language,
		Metadata: m.Metadata,
		Steps:    make([]StepConfig, len(m.Pipeline)),
	}
	for i, s := range m.Pipeline {
		if s.Declared != nil {
			cfg.Steps[i] = *s.Declared
			continue
		}
		cfg.Steps[i] = StepConfig{Component: s.Component, Name: s.Name, Params: s.Params}
	}
	return cfg
}

// PersistenceManager saves trained pipelines to archive directories and
// loads them back through the registry.
type PersistenceManager struct {
	registry *Registry
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	catalog  ArchiveCatalog
	validate *validator.Validate
}

// PersistenceOption configures a PersistenceManager.
type PersistenceOption func(*PersistenceManager)

// WithArchiveCatalog records every saved archive in catalog.
func WithArchiveCatalog(catalog ArchiveCatalog) PersistenceOption {
	return func(pm *PersistenceManager) {
		pm.catalog = catalog
	}
}

// WithPersistenceTelemetry attaches telemetry.
func WithPersistenceTelemetry(t *telemetry.Telemetry) PersistenceOption {
	return func(pm *PersistenceManager) {
		if t != nil {
			pm.tel = t
		}
	}
}

// NewPersistenceManager creates a manager that loads components through
// registry.
func NewPersistenceManager(registry *Registry, opts ...PersistenceOption) *PersistenceManager {
	pm := &PersistenceManager{
		registry: registry,
		tel:      telemetry.NewNop(),
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(pm)
	}
	pm.logger = pm.tel.Logger.NewComponentLogger("persistence")
	return pm
}

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func componentDir(position int, name string) string {
	return fmt.Sprintf("component_%d_%s", position, unsafeDirChars.ReplaceAllString(name, "_"))
}

// Save writes p to dir. Components are persisted in order, each into its
// own subdirectory. The archive is assembled next to dir and renamed into
// place, so a failed save leaves no partial archive behind.
func (pm *PersistenceManager) Save(ctx context.Context, p *Pipeline, dir string) (*ArchiveManifest, error) {
	if !p.Trained() {
		return nil, NewPersistenceError("cannot save an untrained pipeline", nil).
			WithCode(ErrCodePersistFailed).WithPhase(PhasePersist)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	logger := pm.logger.WithArchive(dir)
	ctx, span := pm.tel.Tracer.StartSpan(ctx, "archive.save")
	defer span.End()

	fingerprint, err := Fingerprint(p.config)
	if err != nil {
		return nil, NewPersistenceError("failed to fingerprint configuration", err).
			WithCode(ErrCodePersistFailed).WithPhase(PhasePersist)
	}

	parent := filepath.Dir(filepath.Clean(dir))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, NewPersistenceError("failed to create archive parent directory", err).
			WithCode(ErrCodePersistFailed).WithPhase(PhasePersist)
	}
	tmp, err := os.MkdirTemp(parent, ".archive-*")
	if err != nil {
		return nil, NewPersistenceError("failed to create staging directory", err).
			WithCode(ErrCodePersistFailed).WithPhase(PhasePersist)
	}
	defer os.RemoveAll(tmp)

	manifest := &ArchiveManifest{
		FormatVersion: ArchiveFormatVersion,
		EngineVersion: EngineVersion,
		ArchiveID:     uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
		Language:      p.config.Language,
		Fingerprint:   fingerprint,
		Metadata:      p.config.Metadata,
		Pipeline:      make([]ArchivedStep, 0, len(p.steps)),
	}

	for _, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return nil, NewPersistenceError("save cancelled", err).
				WithCode(ErrCodePersistFailed).WithComponent(step.Name, step.Position).WithPhase(PhasePersist)
		}

		sub := componentDir(step.Position, step.Name)
		stepDir := filepath.Join(tmp, sub)
		if err := os.MkdirAll(stepDir, 0o755); err != nil {
			return nil, NewPersistenceError("failed to create component directory", err).
				WithCode(ErrCodePersistFailed).WithComponent(step.Name, step.Position).WithPhase(PhasePersist)
		}

		var meta Metadata
		if persister, ok := step.Component.(Persister); ok {
			err := guard(func() error {
				var perr error
				meta, perr = persister.Persist(ctx, stepDir)
				return perr
			})
			if err != nil {
				recordSpanError(span, err)
				return nil, NewPersistenceError("component failed to persist", err).
					WithCode(ErrCodePersistFailed).WithComponent(step.Name, step.Position).WithPhase(PhasePersist)
			}
		}

		sum, err := DirectoryChecksum(stepDir)
		if err != nil {
			return nil, NewPersistenceError("failed to checksum component directory", err).
				WithCode(ErrCodePersistFailed).WithComponent(step.Name, step.Position).WithPhase(PhasePersist)
		}

		declared := p.config.Steps[step.Position]
		manifest.Pipeline = append(manifest.Pipeline, ArchivedStep{
			Position:  step.Position,
			Component: step.Type,
			Name:      step.Name,
			Params:    step.Params,
			Declared:  &declared,
			Directory: sub,
			Metadata:  meta,
			Checksum:  sum,
		})
	}

	raw, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, NewPersistenceError("failed to encode manifest", err).
			WithCode(ErrCodePersistFailed).WithPhase(PhasePersist)
	}
	if err := os.WriteFile(filepath.Join(tmp, ManifestFile), raw, 0o644); err != nil {
		return nil, NewPersistenceError("failed to write manifest", err).
			WithCode(ErrCodePersistFailed).WithPhase(PhasePersist)
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, NewPersistenceError("failed to replace existing archive", err).
			WithCode(ErrCodePersistFailed).WithPhase(PhasePersist)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return nil, NewPersistenceError("failed to move archive into place", err).
			WithCode(ErrCodePersistFailed).WithPhase(PhasePersist)
	}

	if pm.catalog != nil {
		if err := pm.catalog.RecordArchive(ctx, manifest.record(dir)); err != nil {
			logger.WithError(err).Warn("failed to record archive in catalog")
		}
	}

	pm.tel.Metrics.RecordArchiveSaved()
	_ = pm.tel.Events.PublishArchiveSaved(manifest.ArchiveID, dir)
	telemetry.RecordSuccess(span)
	logger.WithField("archive_id", manifest.ArchiveID).Infof("saved %d components", len(manifest.Pipeline))
	return manifest, nil
}

func (m *ArchiveManifest) record(path string) ArchiveRecord {
	components := make([]string, len(m.Pipeline))
	for i, s := range m.Pipeline {
		components[i] = s.Name
	}
	return ArchiveRecord{
		ArchiveID:     m.ArchiveID,
		Path:          path,
		Fingerprint:   m.Fingerprint,
		FormatVersion: m.FormatVersion,
		EngineVersion: m.EngineVersion,
		Language:      m.Language,
		Components:    components,
		CreatedAt:     m.CreatedAt,
	}
}

// ReadManifest reads and validates the manifest of the archive in dir.
func (pm *PersistenceManager) ReadManifest(dir string) (*ArchiveManifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewPersistenceError("archive manifest not found", err).
				WithCode(ErrCodeArchiveMissing).WithPhase(PhaseLoad).WithDetail("path", dir)
		}
		return nil, NewPersistenceError("failed to read archive manifest", err).
			WithCode(ErrCodeArchiveMissing).WithPhase(PhaseLoad).WithDetail("path", dir)
	}

	var manifest ArchiveManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, NewPersistenceError("archive manifest is not valid YAML", err).
			WithCode(ErrCodeArchiveCorrupt).WithPhase(PhaseLoad)
	}
	if err := pm.validate.Struct(&manifest); err != nil {
		return nil, NewPersistenceError("archive manifest is incomplete", err).
			WithCode(ErrCodeArchiveCorrupt).WithPhase(PhaseLoad)
	}
	return &manifest, nil
}

// Load reconstructs a pipeline from the archive in dir. The recorded
// configuration is re-validated against the registry and every component is
// loaded in order. Any failure fails the whole load.
func (pm *PersistenceManager) Load(ctx context.Context, dir string, opts ...Option) (*Pipeline, error) {
	p, err := pm.load(ctx, dir, opts...)
	pm.tel.Metrics.RecordArchiveLoaded(err == nil)
	if err != nil {
		pm.tel.Metrics.RecordError(string(ErrorClassOf(err)), ErrorCodeOf(err))
		pm.logger.WithArchive(dir).WithError(err).Error("failed to load archive")
	}
	return p, err
}

func (pm *PersistenceManager) load(ctx context.Context, dir string, opts ...Option) (*Pipeline, error) {
	ctx, span := pm.tel.Tracer.StartSpan(ctx, "archive.load")
	defer span.End()

	manifest, err := pm.ReadManifest(dir)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	if manifest.FormatVersion != ArchiveFormatVersion {
		return nil, NewPersistenceError(
			fmt.Sprintf("archive format version %q, expected %q", manifest.FormatVersion, ArchiveFormatVersion), nil).
			WithCode(ErrCodeVersionMismatch).WithPhase(PhaseLoad)
	}
	if !compatibleEngineVersion(manifest.EngineVersion, EngineVersion) {
		return nil, NewPersistenceError(
			fmt.Sprintf("archive written by engine %s, running %s", manifest.EngineVersion, EngineVersion), nil).
			WithCode(ErrCodeVersionMismatch).WithPhase(PhaseLoad)
	}
	for i, s := range manifest.Pipeline {
		if s.Position != i {
			return nil, NewPersistenceError(
				fmt.Sprintf("component %q recorded at position %d, expected %d", s.Name, s.Position, i), nil).
				WithCode(ErrCodeArchiveCorrupt).WithPhase(PhaseLoad)
		}
	}

	cfg := manifest.Config()
	resolved, err := pm.registry.Resolve(cfg)
	if err != nil {
		return nil, NewPersistenceError("archived pipeline failed validation", err).
			WithCode(ErrCodeLoadFailed).WithPhase(PhaseLoad)
	}

	steps := make([]*Step, 0, len(resolved))
	for i, rs := range resolved {
		if err := ctx.Err(); err != nil {
			return nil, NewPersistenceError("load cancelled", err).
				WithCode(ErrCodeLoadFailed).WithComponent(rs.Name, rs.Position).WithPhase(PhaseLoad)
		}

		archived := manifest.Pipeline[i]
		stepDir := filepath.Join(dir, archived.Directory)
		info, err := os.Stat(stepDir)
		if err != nil || !info.IsDir() {
			return nil, NewPersistenceError("component directory missing", err).
				WithCode(ErrCodeMetadataMissing).WithComponent(rs.Name, rs.Position).WithPhase(PhaseLoad)
		}

		sum, err := DirectoryChecksum(stepDir)
		if err != nil {
			return nil, NewPersistenceError("failed to checksum component directory", err).
				WithCode(ErrCodeArchiveCorrupt).WithComponent(rs.Name, rs.Position).WithPhase(PhaseLoad)
		}
		if sum != archived.Checksum {
			return nil, NewPersistenceError("component state does not match its checksum", nil).
				WithCode(ErrCodeChecksumMismatch).WithComponent(rs.Name, rs.Position).WithPhase(PhaseLoad)
		}

		component, err := pm.loadComponent(rs, archived.Metadata, stepDir)
		if err != nil {
			return nil, NewPersistenceError("component failed to load", err).
				WithCode(ErrCodeLoadFailed).WithComponent(rs.Name, rs.Position).WithPhase(PhaseLoad)
		}
		steps = append(steps, newStep(rs, component))
	}

	p := newPipeline(cfg, steps, true, opts...)
	_ = pm.tel.Events.PublishArchiveLoaded(manifest.ArchiveID, dir)
	telemetry.RecordSuccess(span)
	pm.logger.WithArchive(dir).WithField("archive_id", manifest.ArchiveID).
		Infof("loaded %d components", len(steps))
	return p, nil
}

func (pm *PersistenceManager) loadComponent(rs ResolvedStep, meta Metadata, dir string) (c Component, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in loader: %v", rec)
		}
	}()
	if rs.Factory.Load != nil {
		return rs.Factory.Load(rs.Name, rs.Params, meta, dir)
	}
	sc := NewSharedContext()
	defer sc.Close()
	return rs.Factory.Create(rs.Name, rs.Params, sc)
}

func compatibleEngineVersion(archived, running string) bool {
	return majorVersion(archived) == majorVersion(running)
}

func majorVersion(v string) string {
	for i, r := range v {
		if r == '.' {
			return v[:i]
		}
	}
	return v
}

// Fingerprint returns a blake2b hash of the canonical YAML encoding of cfg.
func Fingerprint(cfg PipelineConfig) (string, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	sum := blake2b.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// DirectoryChecksum hashes every regular file under dir, in sorted path
// order, together with its relative path.
func DirectoryChecksum(dir string) (string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk %s: %w", dir, err)
	}
	sort.Strings(files)

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create hash: %w", err)
	}
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", fmt.Errorf("failed to relativize %s: %w", path, err)
		}
		_, _ = io.WriteString(h, filepath.ToSlash(rel))
		_, _ = h.Write([]byte{0})
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

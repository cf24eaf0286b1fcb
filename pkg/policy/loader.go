package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long Watch waits for file events to settle.
const DefaultReloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego files, single-policy .json files and
// JSON bundles.
type Loader struct {
	logger      zerolog.Logger
	reloadDelay time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:      logger.With().Str("component", "policy-loader").Logger(),
		reloadDelay: DefaultReloadDelay,
	}
}

// SetReloadDelay overrides the watch debounce delay.
func (l *Loader) SetReloadDelay(d time.Duration) {
	l.reloadDelay = d
}

// LoadFromPaths loads policies from a list of file or directory paths.
// Policy names must be unique across all paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	seen := make(map[string]string)

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range policies {
			if prev, ok := seen[p.Name]; ok {
				return nil, fmt.Errorf("duplicate policy %s in %s and %s", p.Name, prev, source(p))
			}
			seen[p.Name] = source(p)
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func source(p Policy) string {
	if s, ok := p.Metadata["source"].(string); ok {
		return s
	}
	return p.Name
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	return l.loadFromFile(path)
}

// loadFromDirectory loads every policy file below dirPath in lexical
// order. Unreadable files are skipped with a warning.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.loadFromFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to load policy file")
			return nil
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// loadFromFile loads one policy file. A JSON file holding a "policies"
// array is read as a bundle.
func (l *Loader) loadFromFile(filePath string) ([]Policy, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch filepath.Ext(filePath) {
	case ".rego":
		policies = []Policy{parseRego(filePath, data)}
	case ".json":
		policies, err = parseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filePath)
	}

	for i := range policies {
		if policies[i].Metadata == nil {
			policies[i].Metadata = make(map[string]interface{})
		}
		policies[i].Metadata["source"] = filePath
		l.logger.Debug().
			Str("path", filePath).
			Str("policy", policies[i].Name).
			Msg("Policy loaded from file")
	}
	return policies, nil
}

// parseRego turns a .rego file into an enabled policy named after the
// file. Leading comments form the description; "# severity: <level>" and
// "# tags: a, b" comment lines set those fields.
func parseRego(filePath string, data []byte) Policy {
	now := time.Now()
	p := Policy{
		Name:      strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Rego:      string(data),
		Severity:  SeverityWarning,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var description []string
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(description) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		key, value, found := strings.Cut(comment, ":")
		switch {
		case found && strings.EqualFold(strings.TrimSpace(key), "severity"):
			p.Severity = Severity(strings.ToLower(strings.TrimSpace(value)))
		case found && strings.EqualFold(strings.TrimSpace(key), "tags"):
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		case comment != "":
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")
	return p
}

func parseJSON(data []byte) ([]Policy, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}

	var policies []Policy
	if _, ok := probe["policies"]; ok {
		var bundle PolicyBundle
		if err := json.Unmarshal(data, &bundle); err != nil {
			return nil, fmt.Errorf("failed to parse bundle: %w", err)
		}
		policies = bundle.Policies
	} else {
		var p Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
		}
		if _, ok := probe["enabled"]; !ok {
			p.Enabled = true
		}
		policies = []Policy{p}
	}

	now := time.Now()
	for i := range policies {
		p := &policies[i]
		if p.Name == "" {
			return nil, fmt.Errorf("policy %d has no name", i)
		}
		if p.Rego == "" {
			return nil, fmt.Errorf("policy %s has no rego", p.Name)
		}
		if p.Severity == "" {
			p.Severity = SeverityWarning
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
	}
	return policies, nil
}

// LoadBundle loads a policy bundle.
func (l *Loader) LoadBundle(ctx context.Context, bundlePath string) (*PolicyBundle, error) {
	data, err := os.ReadFile(bundlePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}
	policies, err := parseJSON(data)
	if err != nil {
		return nil, err
	}
	bundle.Policies = policies

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")

	return &bundle, nil
}

// Watch watches paths and calls reloadFn with the full policy set after
// files are written, created, removed or renamed. Events are debounced.
// Watching stops when ctx is done or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	watched := 0
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		target := path
		if !info.IsDir() {
			// Editors replace files on save; watch the parent instead.
			target = filepath.Dir(path)
		}
		if err := addDirs(watcher, target, info.IsDir()); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
			continue
		}
		watched++
	}
	if watched == 0 {
		_ = watcher.Close()
		return fmt.Errorf("no watchable policy paths in %v", paths)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", watched).
		Msg("Started watching policy paths")
	return nil
}

func addDirs(watcher *fsnotify.Watcher, root string, recursive bool) error {
	if !recursive {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var (
		timer   *time.Timer
		pending = make(chan struct{}, 1)
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create) != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addDirs(watcher, event.Name, true)
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 || !isPolicyFile(event.Name) {
				continue
			}
			if !covered(paths, event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.reloadDelay, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})

		case <-pending:
			if err := l.triggerReload(ctx, paths, reloadFn); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// covered reports whether name is one of the watched files or lies in a
// watched directory.
func covered(paths []string, name string) bool {
	name = filepath.Clean(name)
	for _, p := range paths {
		p = filepath.Clean(p)
		if name == p || strings.HasPrefix(name, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// triggerReload reloads all policies from watched paths. Missing paths
// are skipped so deleting a single watched file unloads its policy.
func (l *Loader) triggerReload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	var present []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			present = append(present, p)
		}
	}

	policies, err := l.LoadFromPaths(ctx, present)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded successfully")
	return nil
}

// StopWatching stops watching for file changes.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

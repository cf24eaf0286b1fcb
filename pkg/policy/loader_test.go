package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func writePolicyFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestParseRego(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantDesc string
		wantSev  Severity
		wantTags []string
	}{
		{
			name:     "no comments",
			content:  "package a\n",
			wantSev:  SeverityWarning,
			wantDesc: "",
		},
		{
			name:     "multi-line description",
			content:  "# Components are named.\n# Names are short.\npackage a\n",
			wantSev:  SeverityWarning,
			wantDesc: "Components are named. Names are short.",
		},
		{
			name:     "annotations",
			content:  "# severity: Critical\n# tags: naming, style\n# Names are short.\n\npackage a\n",
			wantSev:  SeverityCritical,
			wantTags: []string{"naming", "style"},
			wantDesc: "Names are short.",
		},
		{
			name:     "only leading block",
			content:  "# First.\n\n# Second.\npackage a\n",
			wantSev:  SeverityWarning,
			wantDesc: "First.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parseRego("/policies/short-names.rego", []byte(tt.content))
			if p.Name != "short-names" {
				t.Errorf("Name = %q", p.Name)
			}
			if !p.Enabled {
				t.Error("policy should be enabled by default")
			}
			if p.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", p.Description, tt.wantDesc)
			}
			if p.Severity != tt.wantSev {
				t.Errorf("Severity = %q, want %q", p.Severity, tt.wantSev)
			}
			if diff := cmp.Diff(tt.wantTags, p.Tags); diff != "" {
				t.Errorf("tags mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoader_LoadFromFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	tests := []struct {
		name      string
		file      string
		content   string
		wantErr   bool
		wantNames []string
		checkFunc func(*testing.T, []Policy)
	}{
		{
			name:      "rego",
			file:      "max-steps.rego",
			content:   maxStepsRego,
			wantNames: []string{"max-steps"},
			checkFunc: func(t *testing.T, ps []Policy) {
				if ps[0].Rego != maxStepsRego {
					t.Error("Rego content doesn't match")
				}
				if ps[0].Metadata["source"] != filepath.Join(dir, "max-steps.rego") {
					t.Errorf("source = %v", ps[0].Metadata["source"])
				}
			},
		},
		{
			name:      "json policy",
			file:      "named.json",
			content:   `{"name": "named", "description": "d", "rego": "package named", "severity": "error"}`,
			wantNames: []string{"named"},
			checkFunc: func(t *testing.T, ps []Policy) {
				if !ps[0].Enabled || ps[0].Severity != SeverityError || ps[0].CreatedAt.IsZero() {
					t.Errorf("unexpected policy: %+v", ps[0])
				}
			},
		},
		{
			name:      "json policy disabled",
			file:      "off.json",
			content:   `{"name": "off", "rego": "package off", "enabled": false}`,
			wantNames: []string{"off"},
			checkFunc: func(t *testing.T, ps []Policy) {
				if ps[0].Enabled || ps[0].Severity != SeverityWarning {
					t.Errorf("unexpected policy: %+v", ps[0])
				}
			},
		},
		{
			name:      "json bundle",
			file:      "bundle.json",
			content:   `{"name": "b", "version": "1", "policies": [{"name": "one", "rego": "package one", "enabled": true}, {"name": "two", "rego": "package two"}]}`,
			wantNames: []string{"one", "two"},
		},
		{
			name:    "json without rego",
			file:    "norego.json",
			content: `{"name": "norego"}`,
			wantErr: true,
		},
		{
			name:    "invalid json",
			file:    "invalid.json",
			content: `{invalid`,
			wantErr: true,
		},
		{
			name:    "unsupported type",
			file:    "policy.txt",
			content: "x",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writePolicyFile(t, path, tt.content)

			got, err := loader.loadFromFile(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("loadFromFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			var names []string
			for _, p := range got {
				names = append(names, p.Name)
			}
			if diff := cmp.Diff(tt.wantNames, names); diff != "" {
				t.Errorf("names mismatch (-want +got):\n%s", diff)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, got)
			}
		})
	}
}

func TestLoader_LoadFromPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	ctx := context.Background()
	dir := t.TempDir()

	writePolicyFile(t, filepath.Join(dir, "a.rego"), "package a\n")
	writePolicyFile(t, filepath.Join(dir, "nested", "b.rego"), "package b\n")
	writePolicyFile(t, filepath.Join(dir, "nested", "broken.json"), "{")
	writePolicyFile(t, filepath.Join(dir, "README.md"), "# policies\n")
	single := filepath.Join(t.TempDir(), "c.rego")
	writePolicyFile(t, single, "package c\n")

	got, err := loader.LoadFromPaths(ctx, []string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	var names []string
	for _, p := range got {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}

	t.Run("duplicate names", func(t *testing.T) {
		dup := filepath.Join(t.TempDir(), "a.rego")
		writePolicyFile(t, dup, "package other\n")
		if _, err := loader.LoadFromPaths(ctx, []string{dir, dup}); err == nil {
			t.Error("expected duplicate policy error")
		}
	})

	t.Run("missing path", func(t *testing.T) {
		if _, err := loader.LoadFromPaths(ctx, []string{filepath.Join(dir, "missing")}); err == nil {
			t.Error("expected error for missing path")
		}
	})
}

func TestLoader_LoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "bundle.json")
	writePolicyFile(t, path, `{
  "name": "team-rules",
  "version": "1.2.0",
  "description": "Team pipeline rules",
  "policies": [
    {"name": "max-steps", "rego": "package custom.maxsteps", "severity": "error", "enabled": true}
  ]
}`)

	bundle, err := loader.LoadBundle(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadBundle() error = %v", err)
	}
	if bundle.Name != "team-rules" || bundle.Version != "1.2.0" || len(bundle.Policies) != 1 {
		t.Fatalf("unexpected bundle: %+v", bundle)
	}
	if bundle.Policies[0].UpdatedAt.IsZero() {
		t.Error("timestamps not defaulted")
	}
}

func TestEngine_Watch(t *testing.T) {
	eng := newTestEngine(t)
	eng.loader.SetReloadDelay(20 * time.Millisecond)
	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "first.rego"), "package first\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer func() { _ = eng.loader.StopWatching() }()

	waitFor := func(desc string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %s", desc)
	}
	has := func(name string) bool {
		_, err := eng.GetPolicy(name)
		return err == nil
	}

	writePolicyFile(t, filepath.Join(dir, "second.rego"), "package second\n")
	waitFor("second policy", func() bool { return has("first") && has("second") })

	if err := os.Remove(filepath.Join(dir, "first.rego")); err != nil {
		t.Fatal(err)
	}
	waitFor("first policy removal", func() bool { return !has("first") && has("second") })
}

func TestLoader_WatchNoPaths(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	err := loader.Watch(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, func([]Policy) error { return nil })
	if err == nil {
		t.Error("expected error when nothing can be watched")
	}
}

func TestLoader_WatchDebounces(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.SetReloadDelay(100 * time.Millisecond)
	dir := t.TempDir()

	var (
		mu      sync.Mutex
		reloads int
		last    []Policy
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err := loader.Watch(ctx, []string{dir}, func(ps []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		reloads++
		last = ps
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	for _, name := range []string{"a.rego", "b.rego", "c.rego"} {
		writePolicyFile(t, filepath.Join(dir, name), "package x\n")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(last)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(last) != 3 {
		t.Fatalf("last reload saw %d policies, want 3", len(last))
	}
	if reloads > 2 {
		t.Errorf("got %d reloads for one burst of writes", reloads)
	}
}

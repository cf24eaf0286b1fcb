package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zylhub/rasa/pkg/engine"
)

// echoModule exports memory, malloc (always 1024), free (no-op),
// process (returns its input) and spin (never returns).
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32)->i32, (i32)->(), (i32,i32)->i64
	0x01, 0x10, 0x03,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x60, 0x01, 0x7f, 0x00,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
	// functions
	0x03, 0x05, 0x04, 0x00, 0x01, 0x02, 0x02,
	// memory: 1 page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports
	0x07, 0x2b, 0x05,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x06, 'm', 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x04, 'f', 'r', 'e', 'e', 0x00, 0x01,
	0x07, 'p', 'r', 'o', 'c', 'e', 's', 's', 0x00, 0x02,
	0x04, 's', 'p', 'i', 'n', 0x00, 0x03,
	// code
	0x0a, 0x21, 0x04,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x02, 0x00, 0x0b,
	0x0c, 0x00, 0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b,
	0x09, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x42, 0x00, 0x0b,
}

// emptyModule is a valid module with no exports.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writePlugin(t *testing.T, dir, name string, wasm []byte, checksum string) string {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "echo.wasm"), wasm, 0o644); err != nil {
		t.Fatal(err)
	}
	manifest := "name: " + name + "\nversion: 0.1.0\nmodule: echo.wasm\n"
	if checksum != "" {
		manifest += "checksum: " + checksum + "\n"
	}
	manifest += "descriptor:\n  requires: [tokens]\n  writes: [echo.seen]\nlimits:\n  memory_pages: 4\n  timeout: 2s\n"
	path := filepath.Join(pluginDir, ManifestFile)
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "valid",
			yaml: `
name: Echo
version: 1.0.0
module: echo.wasm
descriptor:
  provides: [entities]
  requires: [tokens]
  trainable: true
defaults:
  threshold: 0.5
`,
		},
		{name: "missing name", yaml: "version: \"1\"\nmodule: a.wasm\n", wantErr: "Name"},
		{name: "missing module", yaml: "name: a\nversion: \"1\"\n", wantErr: "Module"},
		{name: "bad checksum", yaml: "name: a\nversion: \"1\"\nmodule: a.wasm\nchecksum: xyz\n", wantErr: "Checksum"},
		{name: "bad yaml", yaml: "name: [", wantErr: "parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.yaml))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseManifest() error = %v", err)
			}
			if m.Name != "Echo" || !m.Descriptor.Trainable {
				t.Errorf("unexpected manifest %+v", m)
			}
			if !m.Descriptor.ProvidesCapability(engine.CapabilityEntities) {
				t.Error("expected entities capability")
			}
			if m.Defaults.Float("threshold", 0) != 0.5 {
				t.Errorf("defaults = %v", m.Defaults)
			}
		})
	}
}

func TestManifestChecksum(t *testing.T) {
	m := &Manifest{Name: "a", Version: "1", Module: "a.wasm"}
	if err := m.VerifyChecksum([]byte("anything")); err != nil {
		t.Errorf("no checksum should accept any module: %v", err)
	}

	m.Checksum = ModuleChecksum(echoModule)
	if err := m.VerifyChecksum(echoModule); err != nil {
		t.Errorf("VerifyChecksum() error = %v", err)
	}
	if err := m.VerifyChecksum(emptyModule); err == nil {
		t.Error("expected checksum mismatch")
	}
}

func TestModule_Call(t *testing.T) {
	ctx := context.Background()
	mod, err := NewModule(ctx, "echo", echoModule, Config{Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewModule() error = %v", err)
	}
	defer mod.Close(ctx)

	if !mod.HasExport(ExportProcess) {
		t.Error("expected process export")
	}
	if mod.HasExport(ExportTrain) {
		t.Error("unexpected train export")
	}

	input := []byte(`{"message":{"text":"hello"}}`)
	out, err := mod.Call(ctx, ExportProcess, input)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(out) != string(input) {
		t.Errorf("Call() = %s, want %s", out, input)
	}

	out, err = mod.Call(ctx, ExportProcess, nil)
	if err != nil {
		t.Fatalf("Call() with empty input error = %v", err)
	}
	if string(out) != "{}" {
		t.Errorf("empty output = %s, want {}", out)
	}

	if _, err := mod.Call(ctx, ExportTrain, input); err == nil {
		t.Error("expected error for missing export")
	}
}

func TestModule_Abort(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		callCtx func() (context.Context, context.CancelFunc)
	}{
		{
			name:    "module timeout",
			timeout: 50 * time.Millisecond,
			callCtx: func() (context.Context, context.CancelFunc) { return context.WithCancel(context.Background()) },
		},
		{
			name:    "caller deadline",
			timeout: 5 * time.Second,
			callCtx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mod, err := NewModule(ctx, "spin", echoModule, Config{Timeout: tt.timeout})
			if err != nil {
				t.Fatalf("NewModule() error = %v", err)
			}
			defer mod.Close(ctx)

			callCtx, cancel := tt.callCtx()
			defer cancel()
			_, err = mod.Call(callCtx, "spin", nil)
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected deadline exceeded, got %v", err)
			}

			// Only the aborted call is lost.
			out, err := mod.Call(ctx, ExportProcess, []byte(`{"ok":true}`))
			if err != nil {
				t.Fatalf("Call() after abort error = %v", err)
			}
			if string(out) != `{"ok":true}` {
				t.Errorf("Call() after abort = %s", out)
			}
		})
	}
}

func TestModule_Closed(t *testing.T) {
	ctx := context.Background()
	mod, err := NewModule(ctx, "echo", echoModule, Config{})
	if err != nil {
		t.Fatalf("NewModule() error = %v", err)
	}
	if err := mod.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := mod.Call(ctx, ExportProcess, []byte("{}")); !errors.Is(err, ErrModuleClosed) {
		t.Errorf("expected ErrModuleClosed, got %v", err)
	}
}

func TestNewModule_Errors(t *testing.T) {
	ctx := context.Background()

	if _, err := NewModule(ctx, "garbage", []byte("not wasm"), Config{}); err == nil {
		t.Error("expected compile error")
	}

	_, err := NewModule(ctx, "empty", emptyModule, Config{})
	if err == nil || !strings.Contains(err.Error(), "memory") {
		t.Errorf("expected missing memory error, got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "Echo", echoModule, ModuleChecksum(echoModule))
	writePlugin(t, dir, "Broken", echoModule, ModuleChecksum(emptyModule))
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("not a plugin"), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry(Config{}, nil)
	n, err := reg.ScanDirectory(dir)
	if err != nil {
		t.Fatalf("ScanDirectory() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded %d plugins, want 1", n)
	}

	p, err := reg.Get("Echo")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Manifest.Limits.Timeout != 2*time.Second || p.Manifest.Limits.MemoryPages != 4 {
		t.Errorf("limits = %+v", p.Manifest.Limits)
	}
	if _, err := reg.Get("Broken"); err == nil {
		t.Error("plugin with bad checksum should not be registered")
	}

	if err := reg.Add(p.Manifest, p.Wasm); err == nil {
		t.Error("expected duplicate registration error")
	}

	list := reg.List()
	if len(list) != 1 || list[0].Manifest.Name != "Echo" {
		t.Errorf("List() = %v", list)
	}

	ctx := context.Background()
	mod, err := reg.Instantiate(ctx, "Echo", "echo_1")
	if err != nil {
		t.Fatalf("Instantiate() error = %v", err)
	}
	defer mod.Close(ctx)
	if mod.Name() != "echo_1" {
		t.Errorf("Name() = %s", mod.Name())
	}
}

func TestConfigApplyLimits(t *testing.T) {
	c := DefaultConfig().ApplyLimits(Limits{MemoryPages: 8})
	if c.MemoryLimitPages != 8 || c.Timeout != 30*time.Second {
		t.Errorf("ApplyLimits() = %+v", c)
	}
}

func TestPack(t *testing.T) {
	ptr, length := unpack(Pack(1024, 17))
	if ptr != 1024 || length != 17 {
		t.Errorf("unpack(Pack()) = %d, %d", ptr, length)
	}
}

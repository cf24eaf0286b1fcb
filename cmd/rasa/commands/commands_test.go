package commands

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/zylhub/rasa/pkg/engine"
)

func writeManifest(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, engine.ManifestFile), []byte("format_version: \"1\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLatestArchive(t *testing.T) {
	models := t.TempDir()
	writeManifest(t, filepath.Join(models, "20260101-120000"))
	writeManifest(t, filepath.Join(models, "20260301-090000"))
	// Newer but not an archive.
	if err := os.MkdirAll(filepath.Join(models, "20260401-000000"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := latestArchive(models)
	if err != nil {
		t.Fatalf("latestArchive() error = %v", err)
	}
	if want := filepath.Join(models, "20260301-090000"); got != want {
		t.Errorf("latestArchive() = %q, want %q", got, want)
	}
}

func TestLatestArchive_Empty(t *testing.T) {
	if _, err := latestArchive(t.TempDir()); err == nil {
		t.Error("expected error for a directory without archives")
	}
	if _, err := latestArchive(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for a missing directory")
	}
}

func TestEachLine(t *testing.T) {
	var got []string
	err := eachLine(strings.NewReader("hello\n\n  book a table  \nbye\n"), func(s string) error {
		got = append(got, s)
		return nil
	})
	if err != nil {
		t.Fatalf("eachLine() error = %v", err)
	}
	if diff := cmp.Diff([]string{"hello", "book a table", "bye"}, got); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}

	stop := errors.New("stop")
	calls := 0
	err = eachLine(strings.NewReader("a\nb\n"), func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("eachLine() = %v after %d calls, want stop after 1", err, calls)
	}
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand("1.2.3", "abc", "today")

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	want := []string{"models", "pack", "parse", "serve", "test", "train", "unpack", "validate"}
	for _, w := range want {
		found := false
		for _, n := range names {
			if n == w {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing subcommand %q in %v", w, names)
		}
	}

	if !strings.Contains(root.Version, "1.2.3") {
		t.Errorf("Version = %q, want it to contain 1.2.3", root.Version)
	}
}

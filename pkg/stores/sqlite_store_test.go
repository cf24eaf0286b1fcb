package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zylhub/rasa/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}

	s, err := NewSQLiteStore(Config{Path: ":memory:", MaxOpenConns: 10})
	if err != nil {
		t.Fatal(err)
	}
	if s.cfg.MaxOpenConns != 1 {
		t.Errorf("in-memory store uses %d connections, want 1", s.cfg.MaxOpenConns)
	}
}

func TestStoreLifecycle_File(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rasa.db")

	store, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("health check should fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	// Running migrations twice is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	train := &engine.RunSummary{
		RunID:       "run-train",
		Phase:       engine.PhaseTrain,
		Status:      engine.RunStatusSucceeded,
		StartedAt:   base,
		CompletedAt: base.Add(3 * time.Second),
		Duration:    3 * time.Second,
		Examples:    42,
		Steps: []engine.StepResult{
			{Name: "WhitespaceTokenizer", Position: 0, Status: engine.StepStatusSucceeded, Duration: time.Millisecond},
		},
	}
	failed := &engine.RunSummary{
		RunID:     "run-failed",
		Phase:     engine.PhaseInference,
		Status:    engine.RunStatusFailed,
		StartedAt: base.Add(time.Minute),
		Error:     "component CentroidIntentClassifier failed",
	}

	for _, r := range []*engine.RunSummary{train, failed} {
		if err := store.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun(%s) error = %v", r.RunID, err)
		}
	}

	got, err := store.GetRun(ctx, "run-train")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.Examples != 42 || got.Duration != 3*time.Second || got.Error != nil {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(train.CompletedAt) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, train.CompletedAt)
	}
	if diff := cmp.Diff(train.Steps, got.Steps); diff != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", diff)
	}

	got, err = store.GetRun(ctx, "run-failed")
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt != nil || got.Error == nil || *got.Error != failed.Error {
		t.Errorf("unexpected failed run: %+v", got)
	}

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
	if err := store.RecordRun(ctx, &engine.RunSummary{}); err == nil {
		t.Error("expected error for run without id")
	}

	t.Run("list", func(t *testing.T) {
		all, err := store.ListRuns(ctx, nil, 10, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 2 || all[0].ID != "run-failed" {
			t.Errorf("ListRuns() = %d runs, first %q", len(all), all[0].ID)
		}

		phase := engine.PhaseTrain
		trains, err := store.ListRuns(ctx, &phase, 10, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(trains) != 1 || trains[0].ID != "run-train" {
			t.Errorf("ListRuns(train) = %+v", trains)
		}
	})

	t.Run("delete before", func(t *testing.T) {
		n, err := store.DeleteRunsBefore(ctx, base.Add(30*time.Second))
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("deleted %d runs, want 1", n)
		}
	})
}

func TestArchives(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	older := engine.ArchiveRecord{
		ArchiveID:     "a1",
		Path:          "models/a1",
		Fingerprint:   "fp",
		FormatVersion: "1",
		EngineVersion: "0.1.0",
		Language:      "en",
		Components:    []string{"WhitespaceTokenizer", "KeywordIntentClassifier"},
		CreatedAt:     base,
	}
	newer := older
	newer.ArchiveID = "a2"
	newer.Path = "models/a2"
	newer.CreatedAt = base.Add(time.Hour)

	for _, rec := range []engine.ArchiveRecord{older, newer} {
		if err := store.RecordArchive(ctx, rec); err != nil {
			t.Fatalf("RecordArchive(%s) error = %v", rec.ArchiveID, err)
		}
	}

	a, err := store.GetArchive(ctx, "a1")
	if err != nil {
		t.Fatalf("GetArchive() error = %v", err)
	}
	if diff := cmp.Diff(older.Components, a.Components); diff != "" {
		t.Errorf("components mismatch (-want +got):\n%s", diff)
	}
	if !a.CreatedAt.Equal(base) || a.RecordedAt.IsZero() {
		t.Errorf("unexpected timestamps: %+v", a)
	}

	latest, err := store.FindArchiveByFingerprint(ctx, "fp")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != "a2" {
		t.Errorf("FindArchiveByFingerprint() = %s, want a2", latest.ID)
	}
	if _, err := store.FindArchiveByFingerprint(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}

	// Re-recording an archive updates its path.
	moved := older
	moved.Path = "/srv/models/a1"
	if err := store.RecordArchive(ctx, moved); err != nil {
		t.Fatal(err)
	}
	a, err = store.GetArchive(ctx, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if a.Path != "/srv/models/a1" {
		t.Errorf("Path = %q", a.Path)
	}

	list, err := store.ListArchives(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "a2" {
		t.Errorf("ListArchives() = %+v", list)
	}

	if err := store.DeleteArchive(ctx, "a1"); err != nil {
		t.Fatalf("DeleteArchive() error = %v", err)
	}
	if err := store.DeleteArchive(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteArchive() error = %v, want ErrNotFound", err)
	}
}

func TestDeliveries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	steps := []struct {
		name        string
		run         func() (*Delivery, bool, error)
		wantProcess bool
		wantStatus  DeliveryStatus
		wantAttempt int
	}{
		{
			name:        "first delivery",
			run:         func() (*Delivery, bool, error) { return store.BeginDelivery(ctx, "rest", "m1", "alice") },
			wantProcess: true,
			wantStatus:  DeliveryStatusReceived,
			wantAttempt: 1,
		},
		{
			name:        "retry while in flight",
			run:         func() (*Delivery, bool, error) { return store.BeginDelivery(ctx, "rest", "m1", "alice") },
			wantStatus:  DeliveryStatusReceived,
			wantAttempt: 2,
		},
		{
			name: "retry after failure",
			run: func() (*Delivery, bool, error) {
				msg := "nlg timeout"
				if err := store.CompleteDelivery(ctx, "rest", "m1", &msg); err != nil {
					return nil, false, err
				}
				return store.BeginDelivery(ctx, "rest", "m1", "alice")
			},
			wantProcess: true,
			wantStatus:  DeliveryStatusReceived,
			wantAttempt: 3,
		},
		{
			name: "retry after success",
			run: func() (*Delivery, bool, error) {
				if err := store.CompleteDelivery(ctx, "rest", "m1", nil); err != nil {
					return nil, false, err
				}
				return store.BeginDelivery(ctx, "rest", "m1", "alice")
			},
			wantStatus:  DeliveryStatusProcessed,
			wantAttempt: 4,
		},
		{
			name:        "same id on another channel",
			run:         func() (*Delivery, bool, error) { return store.BeginDelivery(ctx, "slack", "m1", "bob") },
			wantProcess: true,
			wantStatus:  DeliveryStatusReceived,
			wantAttempt: 1,
		},
	}

	for _, tt := range steps {
		t.Run(tt.name, func(t *testing.T) {
			d, process, err := tt.run()
			if err != nil {
				t.Fatalf("error = %v", err)
			}
			if process != tt.wantProcess {
				t.Errorf("process = %v, want %v", process, tt.wantProcess)
			}
			if d.Status != tt.wantStatus || d.Attempts != tt.wantAttempt {
				t.Errorf("delivery = %+v, want status %s attempts %d", d, tt.wantStatus, tt.wantAttempt)
			}
		})
	}

	d, err := store.GetDelivery(ctx, "rest", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if d.LastError != nil {
		t.Errorf("LastError = %q, want cleared", *d.LastError)
	}

	if err := store.CompleteDelivery(ctx, "rest", "unknown", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteDelivery(unknown) error = %v, want ErrNotFound", err)
	}

	n, err := store.PruneDeliveries(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("pruned %d deliveries, want 2", n)
	}
	if _, err := store.GetDelivery(ctx, "rest", "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDelivery() after prune error = %v", err)
	}
}

func TestAuditEntries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	target := "a1"
	entries := []*AuditEntry{
		{Action: "model.loaded", Actor: "server", TargetID: &target},
		{Action: "policy.rejected", Actor: "cli"},
		{Action: "model.loaded", Actor: "server"},
	}
	for _, e := range entries {
		if err := store.CreateAuditEntry(ctx, e); err != nil {
			t.Fatalf("CreateAuditEntry() error = %v", err)
		}
		if e.ID == 0 || e.Timestamp.IsZero() {
			t.Errorf("entry not populated: %+v", e)
		}
	}

	action := "model.loaded"
	got, err := store.ListAuditEntries(ctx, &action, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != entries[2].ID {
		t.Errorf("ListAuditEntries() = %+v", got)
	}
	if got[1].TargetID == nil || *got[1].TargetID != "a1" {
		t.Errorf("TargetID = %v", got[1].TargetID)
	}

	all, err := store.ListAuditEntries(ctx, nil, 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Action != "policy.rejected" {
		t.Errorf("paged entries = %+v", all)
	}
}

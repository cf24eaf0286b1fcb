package stores

import (
	"context"
	"errors"
	"time"

	"github.com/zylhub/rasa/pkg/engine"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// DeliveryStatus is the processing state of an incoming message.
type DeliveryStatus string

const (
	DeliveryStatusReceived  DeliveryStatus = "received"
	DeliveryStatusProcessed DeliveryStatus = "processed"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Run is a stored training or inference run.
type Run struct {
	ID          string              `json:"id"`
	Phase       engine.Phase        `json:"phase"`
	Status      engine.RunStatus    `json:"status"`
	Examples    int                 `json:"examples"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Duration    time.Duration       `json:"duration"`
	Error       *string             `json:"error,omitempty"`
	Steps       []engine.StepResult `json:"steps"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Archive is a catalogued model archive.
type Archive struct {
	ID            string    `json:"id"`
	Path          string    `json:"path"`
	Fingerprint   string    `json:"fingerprint"`
	FormatVersion string    `json:"format_version"`
	EngineVersion string    `json:"engine_version"`
	Language      string    `json:"language"`
	Components    []string  `json:"components"`
	CreatedAt     time.Time `json:"created_at"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// Delivery tracks one incoming channel message for deduplication.
type Delivery struct {
	Channel    string         `json:"channel"`
	DeliveryID string         `json:"delivery_id"`
	Sender     string         `json:"sender"`
	Status     DeliveryStatus `json:"status"`
	Attempts   int            `json:"attempts"`
	LastError  *string        `json:"last_error,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// AuditEntry represents an audit trail entry.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "model.loaded", "policy.rejected"
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs
	RecordRun(ctx context.Context, summary *engine.RunSummary) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, phase *engine.Phase, limit, offset int) ([]*Run, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)

	// Archives
	RecordArchive(ctx context.Context, rec engine.ArchiveRecord) error
	GetArchive(ctx context.Context, id string) (*Archive, error)
	FindArchiveByFingerprint(ctx context.Context, fingerprint string) (*Archive, error)
	ListArchives(ctx context.Context, limit, offset int) ([]*Archive, error)
	DeleteArchive(ctx context.Context, id string) error

	// Deliveries
	BeginDelivery(ctx context.Context, channel, deliveryID, sender string) (*Delivery, bool, error)
	CompleteDelivery(ctx context.Context, channel, deliveryID string, errMsg *string) error
	GetDelivery(ctx context.Context, channel, deliveryID string) (*Delivery, error)
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	// Audit
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)
}

var (
	_ Store                 = (*SQLiteStore)(nil)
	_ engine.RunRecorder    = (*SQLiteStore)(nil)
	_ engine.ArchiveCatalog = (*SQLiteStore)(nil)
)

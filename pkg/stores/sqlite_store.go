package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/zylhub/rasa/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

const memoryPath = ":memory:"

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// m is not closed: that would close s.db.
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable and migrated.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&n); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// RecordRun stores a run summary. Recording the same run ID again
// replaces the earlier row.
func (s *SQLiteStore) RecordRun(ctx context.Context, summary *engine.RunSummary) error {
	if summary == nil || summary.RunID == "" {
		return fmt.Errorf("run summary without id")
	}
	steps, err := json.Marshal(summary.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}

	var completed *string
	if !summary.CompletedAt.IsZero() {
		c := formatTime(summary.CompletedAt)
		completed = &c
	}

	query := `
		INSERT OR REPLACE INTO runs (id, phase, status, examples, started_at, completed_at, duration_ns, error, steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		summary.RunID,
		string(summary.Phase),
		string(summary.Status),
		summary.Examples,
		formatTime(summary.StartedAt),
		completed,
		int64(summary.Duration),
		nullString(summary.Error),
		string(steps),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

const runColumns = `id, phase, status, examples, started_at, completed_at, duration_ns, error, steps, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run              Run
		started, created string
		completed        sql.NullString
		durationNS       int64
		steps            string
	)
	if err := row.Scan(
		&run.ID,
		&run.Phase,
		&run.Status,
		&run.Examples,
		&started,
		&completed,
		&durationNS,
		&run.Error,
		&steps,
		&created,
	); err != nil {
		return nil, err
	}

	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return nil, fmt.Errorf("invalid started_at: %w", err)
	}
	if run.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if run.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("invalid completed_at: %w", err)
	}
	run.Duration = time.Duration(durationNS)
	if err := json.Unmarshal([]byte(steps), &run.Steps); err != nil {
		return nil, fmt.Errorf("invalid steps: %w", err)
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first, optionally filtered by phase.
func (s *SQLiteStore) ListRuns(ctx context.Context, phase *engine.Phase, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE (? IS NULL OR phase = ?) ORDER BY started_at DESC LIMIT ? OFFSET ?`

	var p *string
	if phase != nil {
		v := string(*phase)
		p = &v
	}

	rows, err := s.db.QueryContext(ctx, query, p, p, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// DeleteRunsBefore deletes runs started before the given time.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	return result.RowsAffected()
}

// RecordArchive adds a saved archive to the catalog.
func (s *SQLiteStore) RecordArchive(ctx context.Context, rec engine.ArchiveRecord) error {
	if rec.ArchiveID == "" {
		return fmt.Errorf("archive record without id")
	}
	components, err := json.Marshal(rec.Components)
	if err != nil {
		return fmt.Errorf("failed to encode components: %w", err)
	}

	query := `
		INSERT INTO archives (id, path, fingerprint, format_version, engine_version, language, components, created_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			recorded_at = excluded.recorded_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ArchiveID,
		rec.Path,
		rec.Fingerprint,
		rec.FormatVersion,
		rec.EngineVersion,
		rec.Language,
		string(components),
		formatTime(rec.CreatedAt),
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to record archive: %w", err)
	}
	return nil
}

const archiveColumns = `id, path, fingerprint, format_version, engine_version, language, components, created_at, recorded_at`

func scanArchive(row rowScanner) (*Archive, error) {
	var (
		a                 Archive
		components        string
		created, recorded string
	)
	if err := row.Scan(
		&a.ID,
		&a.Path,
		&a.Fingerprint,
		&a.FormatVersion,
		&a.EngineVersion,
		&a.Language,
		&components,
		&created,
		&recorded,
	); err != nil {
		return nil, err
	}

	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	if a.RecordedAt, err = parseTime(recorded); err != nil {
		return nil, fmt.Errorf("invalid recorded_at: %w", err)
	}
	if err := json.Unmarshal([]byte(components), &a.Components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}
	return &a, nil
}

// GetArchive retrieves an archive by ID.
func (s *SQLiteStore) GetArchive(ctx context.Context, id string) (*Archive, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archives WHERE id = ?`, id)
	a, err := scanArchive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archive: %w", err)
	}
	return a, nil
}

// FindArchiveByFingerprint returns the newest archive trained from the
// given configuration and data fingerprint.
func (s *SQLiteStore) FindArchiveByFingerprint(ctx context.Context, fingerprint string) (*Archive, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+archiveColumns+` FROM archives WHERE fingerprint = ? ORDER BY created_at DESC LIMIT 1`,
		fingerprint)
	a, err := scanArchive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("archive with fingerprint %s: %w", fingerprint, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find archive: %w", err)
	}
	return a, nil
}

// ListArchives lists archives newest first.
func (s *SQLiteStore) ListArchives(ctx context.Context, limit, offset int) ([]*Archive, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+archiveColumns+` FROM archives ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}
	defer rows.Close()

	var archives []*Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archive: %w", err)
		}
		archives = append(archives, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archives: %w", err)
	}
	return archives, nil
}

// DeleteArchive removes an archive from the catalog. Files on disk are
// left alone.
func (s *SQLiteStore) DeleteArchive(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM archives WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("archive %s: %w", id, ErrNotFound)
	}
	return nil
}

// BeginDelivery registers an incoming message. It reports true when the
// message should be processed: the first time it is seen, or again after
// a failed attempt. Deliveries that are in flight or processed are
// duplicates; their attempt counter still increases.
func (s *SQLiteStore) BeginDelivery(ctx context.Context, channel, deliveryID, sender string) (*Delivery, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := formatTime(time.Now())
	existing, err := scanDelivery(tx.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE channel = ? AND delivery_id = ?`,
		channel, deliveryID))

	process := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		process = true
		_, err = tx.ExecContext(ctx, `
			INSERT INTO deliveries (channel, delivery_id, sender, status, attempts, received_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)`,
			channel, deliveryID, sender, string(DeliveryStatusReceived), now, now)
	case err != nil:
		return nil, false, fmt.Errorf("failed to read delivery: %w", err)
	default:
		status := existing.Status
		if status == DeliveryStatusFailed {
			process = true
			status = DeliveryStatusReceived
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE deliveries SET attempts = attempts + 1, status = ?, updated_at = ?
			WHERE channel = ? AND delivery_id = ?`,
			string(status), now, channel, deliveryID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to register delivery: %w", err)
	}

	d, err := scanDelivery(tx.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE channel = ? AND delivery_id = ?`,
		channel, deliveryID))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read delivery: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit delivery: %w", err)
	}
	return d, process, nil
}

// CompleteDelivery marks a delivery processed, or failed when errMsg is
// set.
func (s *SQLiteStore) CompleteDelivery(ctx context.Context, channel, deliveryID string, errMsg *string) error {
	status := DeliveryStatusProcessed
	if errMsg != nil {
		status = DeliveryStatusFailed
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET status = ?, last_error = ?, updated_at = ?
		WHERE channel = ? AND delivery_id = ?`,
		string(status), errMsg, formatTime(time.Now()), channel, deliveryID)
	if err != nil {
		return fmt.Errorf("failed to complete delivery: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delivery %s/%s: %w", channel, deliveryID, ErrNotFound)
	}
	return nil
}

const deliveryColumns = `channel, delivery_id, sender, status, attempts, last_error, received_at, updated_at`

func scanDelivery(row rowScanner) (*Delivery, error) {
	var (
		d                 Delivery
		received, updated string
	)
	if err := row.Scan(
		&d.Channel,
		&d.DeliveryID,
		&d.Sender,
		&d.Status,
		&d.Attempts,
		&d.LastError,
		&received,
		&updated,
	); err != nil {
		return nil, err
	}
	var err error
	if d.ReceivedAt, err = parseTime(received); err != nil {
		return nil, fmt.Errorf("invalid received_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("invalid updated_at: %w", err)
	}
	return &d, nil
}

// GetDelivery retrieves a delivery.
func (s *SQLiteStore) GetDelivery(ctx context.Context, channel, deliveryID string) (*Delivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM deliveries WHERE channel = ? AND delivery_id = ?`,
		channel, deliveryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s/%s: %w", channel, deliveryID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

// PruneDeliveries deletes deliveries received before the given time.
func (s *SQLiteStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deliveries WHERE received_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune deliveries: %w", err)
	}
	return result.RowsAffected()
}

// CreateAuditEntry appends an audit trail entry.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}
	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries newest first, optionally filtered
// by action.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit_log
		WHERE (? IS NULL OR action = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?`,
		action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			ts string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetID, &e.Details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("invalid timestamp: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

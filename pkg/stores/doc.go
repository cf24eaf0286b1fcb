// Package stores persists run summaries, the model archive catalog,
// channel delivery records and an audit log in SQLite.
//
// SQLiteStore implements engine.RunRecorder and engine.ArchiveCatalog, so
// it can be passed straight to engine.WithRunRecorder and
// engine.WithArchiveCatalog. The webhook connector uses its delivery table
// to drop duplicate messages. Migrations are embedded and applied with
// golang-migrate.
package stores

// Package sqlite is the embedded mart backend, built on the pure-Go
// modernc.org/sqlite driver so deployments need no cgo toolchain.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"

	"github.com/entitygraph/datamart/internal/storage/sqlmart"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pending_event (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload TEXT NOT NULL,
		failure_count INTEGER NOT NULL DEFAULT 0,
		lease_id TEXT,
		lease_expires_at INTEGER,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pending_event_lease
		ON pending_event(lease_id, lease_expires_at)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_event (
		event_id INTEGER PRIMARY KEY,
		payload TEXT NOT NULL,
		cause TEXT NOT NULL,
		failed_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS entity (
		entity_id INTEGER PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		record_count INTEGER NOT NULL DEFAULT 0,
		relation_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS record (
		data_source TEXT NOT NULL,
		record_id TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		match_key TEXT NOT NULL DEFAULT '',
		principle TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (data_source, record_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_record_entity ON record(entity_id)`,
	`CREATE TABLE IF NOT EXISTS relationship (
		lo_entity_id INTEGER NOT NULL,
		hi_entity_id INTEGER NOT NULL,
		match_level INTEGER NOT NULL,
		match_type TEXT NOT NULL,
		match_key TEXT NOT NULL DEFAULT '',
		principle TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		PRIMARY KEY (lo_entity_id, hi_entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_relationship_hi ON relationship(hi_entity_id)`,
	`CREATE TABLE IF NOT EXISTS report_counter (
		report_key TEXT PRIMARY KEY,
		entity_count INTEGER NOT NULL DEFAULT 0,
		record_count INTEGER NOT NULL DEFAULT 0,
		relation_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS report_update (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_key TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		related_id INTEGER NOT NULL DEFAULT 0,
		entity_delta INTEGER NOT NULL DEFAULT 0,
		record_delta INTEGER NOT NULL DEFAULT 0,
		relation_delta INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS report_detail (
		report_key TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		related_id INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (report_key, entity_id, related_id)
	)`,
}

func dialect() sqlmart.Dialect {
	return sqlmart.Dialect{
		Name:             "sqlite",
		SchemaStatements: schemaStatements,
		BeginWrite:       "BEGIN IMMEDIATE",
		SelectForUpdate:  "",
		UpsertEntity: `INSERT INTO entity (entity_id, name, hash, record_count, relation_count)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(entity_id) DO UPDATE SET
				name = excluded.name, hash = excluded.hash,
				record_count = excluded.record_count, relation_count = excluded.relation_count`,
		UpsertRecord: `INSERT INTO record (data_source, record_id, entity_id, match_key, principle)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(data_source, record_id) DO UPDATE SET
				entity_id = excluded.entity_id, match_key = excluded.match_key,
				principle = excluded.principle`,
		UpsertRelationship: `INSERT INTO relationship (lo_entity_id, hi_entity_id, match_level, match_type, match_key, principle, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(lo_entity_id, hi_entity_id) DO UPDATE SET
				match_level = excluded.match_level, match_type = excluded.match_type,
				match_key = excluded.match_key, principle = excluded.principle,
				hash = excluded.hash`,
		InsertRelationshipIfAbsent: `INSERT OR IGNORE INTO relationship (lo_entity_id, hi_entity_id, match_level, match_type, match_key, principle, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		AddReportCounter: `INSERT INTO report_counter (report_key, entity_count, record_count, relation_count)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(report_key) DO UPDATE SET
				entity_count = entity_count + excluded.entity_count,
				record_count = record_count + excluded.record_count,
				relation_count = relation_count + excluded.relation_count`,
		InsertIgnoreCounter: `INSERT OR IGNORE INTO report_counter (report_key) VALUES (?)`,
		InsertIgnoreDetail:  `INSERT OR IGNORE INTO report_detail (report_key, entity_id, related_id) VALUES (?, ?, ?)`,
		// One writing process per file; the in-process fold mutex is
		// sufficient.
		AcquireFoldLock: nil,
	}
}

// Open opens (creating if needed) the embedded mart at path.
// ":memory:" opens a private in-memory mart.
func Open(ctx context.Context, path string) (*sqlmart.Store, error) {
	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if path == ":memory:" {
		// Each pool connection would otherwise see its own empty
		// database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
	}

	store, err := sqlmart.New(ctx, db, dialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func buildDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if path == ":memory:" {
		return "file::memory:?" + q.Encode()
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Package mysql is the networked mart backend. Several replicator
// processes may share one mart; row locks and a named advisory lock
// keep them from treading on each other.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/entitygraph/datamart/internal/storage/sqlmart"
)

// foldLockName is the GET_LOCK name guarding journal folds across
// processes sharing one mart.
const foldLockName = "datamart_report_fold"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pending_event (
		id BIGINT NOT NULL AUTO_INCREMENT,
		payload TEXT NOT NULL,
		failure_count INT NOT NULL DEFAULT 0,
		lease_id VARCHAR(128),
		lease_expires_at BIGINT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (id),
		KEY idx_pending_event_lease (lease_id, lease_expires_at)
	)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_event (
		event_id BIGINT NOT NULL,
		payload TEXT NOT NULL,
		cause TEXT NOT NULL,
		failed_at BIGINT NOT NULL,
		PRIMARY KEY (event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS entity (
		entity_id BIGINT NOT NULL,
		name VARCHAR(512) NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		record_count BIGINT NOT NULL DEFAULT 0,
		relation_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS record (
		data_source VARCHAR(64) NOT NULL,
		record_id VARCHAR(255) NOT NULL,
		entity_id BIGINT NOT NULL,
		match_key VARCHAR(512) NOT NULL DEFAULT '',
		principle VARCHAR(64) NOT NULL DEFAULT '',
		PRIMARY KEY (data_source, record_id),
		KEY idx_record_entity (entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS relationship (
		lo_entity_id BIGINT NOT NULL,
		hi_entity_id BIGINT NOT NULL,
		match_level INT NOT NULL,
		match_type VARCHAR(32) NOT NULL,
		match_key VARCHAR(512) NOT NULL DEFAULT '',
		principle VARCHAR(64) NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		PRIMARY KEY (lo_entity_id, hi_entity_id),
		KEY idx_relationship_hi (hi_entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS report_counter (
		report_key VARCHAR(512) NOT NULL,
		entity_count BIGINT NOT NULL DEFAULT 0,
		record_count BIGINT NOT NULL DEFAULT 0,
		relation_count BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (report_key)
	)`,
	`CREATE TABLE IF NOT EXISTS report_update (
		id BIGINT NOT NULL AUTO_INCREMENT,
		report_key VARCHAR(512) NOT NULL,
		entity_id BIGINT NOT NULL,
		related_id BIGINT NOT NULL DEFAULT 0,
		entity_delta BIGINT NOT NULL DEFAULT 0,
		record_delta BIGINT NOT NULL DEFAULT 0,
		relation_delta BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (id)
	)`,
	`CREATE TABLE IF NOT EXISTS report_detail (
		report_key VARCHAR(512) NOT NULL,
		entity_id BIGINT NOT NULL,
		related_id BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (report_key, entity_id, related_id)
	)`,
}

func acquireFoldLock(ctx context.Context, conn *sql.Conn) (func(), error) {
	var got sql.NullInt64
	err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, 30)`, foldLockName).Scan(&got)
	if err != nil {
		return nil, err
	}
	if !got.Valid || got.Int64 != 1 {
		return nil, fmt.Errorf("fold lock %q not granted", foldLockName)
	}
	return func() {
		// Held on this connection; release outlives the caller's ctx.
		_, _ = conn.ExecContext(context.Background(), `DO RELEASE_LOCK(?)`, foldLockName)
	}, nil
}

func dialect() sqlmart.Dialect {
	return sqlmart.Dialect{
		Name:             "mysql",
		SchemaStatements: schemaStatements,
		BeginWrite:       "START TRANSACTION",
		SelectForUpdate:  " FOR UPDATE",
		UpsertEntity: `INSERT INTO entity (entity_id, name, hash, record_count, relation_count)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				name = VALUES(name), hash = VALUES(hash),
				record_count = VALUES(record_count), relation_count = VALUES(relation_count)`,
		UpsertRecord: `INSERT INTO record (data_source, record_id, entity_id, match_key, principle)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				entity_id = VALUES(entity_id), match_key = VALUES(match_key),
				principle = VALUES(principle)`,
		UpsertRelationship: `INSERT INTO relationship (lo_entity_id, hi_entity_id, match_level, match_type, match_key, principle, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				match_level = VALUES(match_level), match_type = VALUES(match_type),
				match_key = VALUES(match_key), principle = VALUES(principle),
				hash = VALUES(hash)`,
		InsertRelationshipIfAbsent: `INSERT IGNORE INTO relationship (lo_entity_id, hi_entity_id, match_level, match_type, match_key, principle, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		AddReportCounter: `INSERT INTO report_counter (report_key, entity_count, record_count, relation_count)
			VALUES (?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				entity_count = entity_count + VALUES(entity_count),
				record_count = record_count + VALUES(record_count),
				relation_count = relation_count + VALUES(relation_count)`,
		InsertIgnoreCounter: `INSERT IGNORE INTO report_counter (report_key) VALUES (?)`,
		InsertIgnoreDetail:  `INSERT IGNORE INTO report_detail (report_key, entity_id, related_id) VALUES (?, ?, ?)`,
		AcquireFoldLock:     acquireFoldLock,
	}
}

// Open connects to the networked mart identified by a
// go-sql-driver/mysql DSN.
func Open(ctx context.Context, dsn string) (*sqlmart.Store, error) {
	cfg, err := gomysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.MultiStatements = false

	connector, err := gomysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := sqlmart.New(ctx, db, dialect())
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

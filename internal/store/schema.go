package store

import (
	"context"
	"database/sql"
	"fmt"
)

// currentSchemaVersion is the schema version this build creates and
// migrates toward. Bump it and add a migration step when the schema
// changes.
const currentSchemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS process_event (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_guid TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	pid        INTEGER NOT NULL,
	ppid       INTEGER NOT NULL,
	image_path TEXT NOT NULL,
	cmdline    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_event_pid ON process_event (pid);
CREATE INDEX IF NOT EXISTS idx_process_event_created ON process_event (created_at);

CREATE TABLE IF NOT EXISTS image_load_event (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_guid TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	image_base      INTEGER NOT NULL,
	image_size      INTEGER NOT NULL,
	full_image_name TEXT NOT NULL,
	process_id      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_image_load_event_pid ON image_load_event (process_id);
CREATE INDEX IF NOT EXISTS idx_image_load_event_created ON image_load_event (created_at);

CREATE TABLE IF NOT EXISTS registry_event (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_guid TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	op         INTEGER NOT NULL,
	key_path   TEXT NOT NULL,
	old_value  BLOB,
	new_value  BLOB,
	process_id INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_registry_event_key ON registry_event (key_path);
CREATE INDEX IF NOT EXISTS idx_registry_event_pid ON registry_event (process_id);
CREATE INDEX IF NOT EXISTS idx_registry_event_created ON registry_event (created_at);

CREATE TABLE IF NOT EXISTS file_event (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_guid TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	op         INTEGER NOT NULL,
	path       TEXT NOT NULL,
	new_path   TEXT NOT NULL DEFAULT '',
	pid        INTEGER NOT NULL,
	exe_path   TEXT NOT NULL,
	size       INTEGER NOT NULL,
	sha256     BLOB,
	success    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_event_pid ON file_event (pid);
CREATE INDEX IF NOT EXISTS idx_file_event_created ON file_event (created_at);

CREATE TABLE IF NOT EXISTS network_event (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_guid TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	direction  INTEGER NOT NULL,
	proto      TEXT NOT NULL,
	src_ip     TEXT NOT NULL,
	src_port   INTEGER NOT NULL,
	dst_ip     TEXT NOT NULL,
	dst_port   INTEGER NOT NULL,
	pid        INTEGER NOT NULL,
	exe_path   TEXT NOT NULL,
	bytes      INTEGER NOT NULL,
	blocked    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_network_event_pid ON network_event (pid);
CREATE INDEX IF NOT EXISTS idx_network_event_created ON network_event (created_at);

CREATE TABLE IF NOT EXISTS etw_event (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_guid TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	provider_guid TEXT NOT NULL,
	event_id      INTEGER NOT NULL,
	level         INTEGER NOT NULL,
	pid           INTEGER NOT NULL,
	tid           INTEGER NOT NULL,
	json_payload  BLOB
);
CREATE INDEX IF NOT EXISTS idx_etw_event_pid ON etw_event (pid);
CREATE INDEX IF NOT EXISTS idx_etw_event_created ON etw_event (created_at);

CREATE TABLE IF NOT EXISTS hook_event (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_guid TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	pid        INTEGER NOT NULL,
	tid        INTEGER NOT NULL,
	status     INTEGER NOT NULL,
	kind       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_hook_event_pid ON hook_event (pid);
CREATE INDEX IF NOT EXISTS idx_hook_event_created ON hook_event (created_at);

CREATE TABLE IF NOT EXISTS hook_detail_create_thread_ex (
	hook_event_id INTEGER PRIMARY KEY REFERENCES hook_event (id),
	target_pid    INTEGER NOT NULL,
	start_address INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hook_detail_map_view_of_section (
	hook_event_id INTEGER PRIMARY KEY REFERENCES hook_event (id),
	target_pid    INTEGER NOT NULL,
	base_addr     INTEGER NOT NULL,
	view_size     INTEGER NOT NULL,
	protection    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hook_detail_protect_virtual_memory (
	hook_event_id  INTEGER PRIMARY KEY REFERENCES hook_event (id),
	target_pid     INTEGER NOT NULL,
	base_addr      INTEGER NOT NULL,
	region_size    INTEGER NOT NULL,
	new_protection INTEGER NOT NULL,
	old_protection INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hook_detail_set_value_key (
	hook_event_id INTEGER PRIMARY KEY REFERENCES hook_event (id),
	key_path      TEXT NOT NULL,
	value_name    TEXT NOT NULL,
	value_type    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS file_scanner (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	rule_id    TEXT NOT NULL,
	file       TEXT NOT NULL,
	severity   TEXT NOT NULL,
	matches    TEXT NOT NULL DEFAULT '[]',
	origin_event_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_file_scanner_file ON file_scanner (file);
CREATE INDEX IF NOT EXISTS idx_file_scanner_created ON file_scanner (created_at);

CREATE TABLE IF NOT EXISTS generic_event (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	sensor_guid TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	payload_kind INTEGER NOT NULL,
	raw        BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_generic_event_kind_created ON generic_event (payload_kind, created_at);
`

// migration is one ordered schema upgrade step, identified by the version
// it upgrades the database TO.
type migration struct {
	toVersion int
	up        func(ctx context.Context, tx *sql.Tx) error
}

// migrations lists ordered upgrade steps beyond the base schemaDDL. Empty
// today; the structure exists so the first real migration is additive
// (append an entry) rather than requiring a rewrite of migrate().
var migrations = []migration{}

// migrate reads schema_version; if absent it creates the full schema at
// currentSchemaVersion, if older it runs migrations in order, and if newer
// than currentSchemaVersion it refuses to open (fail-closed).
func migrate(ctx context.Context, db *sql.DB) error {
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err != nil {
		return fmt.Errorf("store: check schema_version table: %w", err)
	}

	if exists == 0 {
		if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
			return fmt.Errorf("store: create schema: %w", err)
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return fmt.Errorf("store: seed schema_version: %w", err)
		}
		return nil
	}

	var version int
	if err := db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		return fmt.Errorf("store: read schema_version: %w", err)
	}

	if version > currentSchemaVersion {
		return fmt.Errorf("%w: database has version %d, build supports %d", ErrNewerSchema, version, currentSchemaVersion)
	}

	for _, m := range migrations {
		if m.toVersion <= version {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration to v%d: %w", m.toVersion, err)
		}
		if err := m.up(ctx, tx); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("store: migrate to v%d: %w", m.toVersion, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, m.toVersion); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("store: record migration to v%d: %w", m.toVersion, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration to v%d: %w", m.toVersion, err)
		}
		version = m.toVersion
	}
	return nil
}

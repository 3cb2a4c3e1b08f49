package store

import "fmt"

// Schema for everything except the daily heartbeat partition tables, which
// are created on demand by EnsurePartition. Timestamps are stored as integer
// UTC milliseconds so range predicates stay index-friendly.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		device_id        TEXT PRIMARY KEY,
		alias            TEXT NOT NULL UNIQUE,
		hardware_id      TEXT NOT NULL DEFAULT '',
		token_hash       TEXT NOT NULL,
		token_id         TEXT NOT NULL DEFAULT '',
		token_revoked_at INTEGER,
		fcm_token        TEXT NOT NULL DEFAULT '',
		last_seen        INTEGER NOT NULL DEFAULT 0,
		mon_package      TEXT NOT NULL DEFAULT '',
		mon_app_name     TEXT NOT NULL DEFAULT '',
		mon_threshold    INTEGER NOT NULL DEFAULT 10,
		mon_enabled      INTEGER NOT NULL DEFAULT 0,
		mon_auto_relaunch INTEGER NOT NULL DEFAULT 0,
		mon_use_defaults INTEGER NOT NULL DEFAULT 1,
		created_at       INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_token_id ON devices(token_id)`,

	`CREATE TABLE IF NOT EXISTS device_last_status (
		device_id          TEXT PRIMARY KEY,
		last_ts            INTEGER NOT NULL,
		battery_pct        INTEGER NOT NULL DEFAULT 0,
		network_type       TEXT NOT NULL DEFAULT '',
		signal_dbm         INTEGER NOT NULL DEFAULT 0,
		unity_running      INTEGER,
		service_up         INTEGER,
		foreground_recent_s INTEGER,
		monitored_package  TEXT NOT NULL DEFAULT '',
		monitored_threshold INTEGER NOT NULL DEFAULT 10,
		agent_version      TEXT NOT NULL DEFAULT '',
		ip                 TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE TABLE IF NOT EXISTS fcm_dispatches (
		request_id     TEXT PRIMARY KEY,
		device_id      TEXT NOT NULL,
		action         TEXT NOT NULL,
		params_json    TEXT NOT NULL DEFAULT '{}',
		sent_at        INTEGER NOT NULL,
		payload_hash   TEXT NOT NULL DEFAULT '',
		fcm_status     TEXT NOT NULL DEFAULT 'pending',
		http_code      INTEGER NOT NULL DEFAULT 0,
		fcm_message_id TEXT NOT NULL DEFAULT '',
		latency_ms     INTEGER NOT NULL DEFAULT 0,
		completed_at   INTEGER,
		result         TEXT NOT NULL DEFAULT '',
		result_message TEXT NOT NULL DEFAULT '',
		retries        INTEGER NOT NULL DEFAULT 0,
		exec_id        TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatches_device ON fcm_dispatches(device_id, sent_at)`,
	`CREATE INDEX IF NOT EXISTS idx_dispatches_exec ON fcm_dispatches(exec_id)`,

	`CREATE TABLE IF NOT EXISTS execs (
		exec_id      TEXT PRIMARY KEY,
		mode         TEXT NOT NULL,
		action       TEXT NOT NULL DEFAULT '',
		command      TEXT NOT NULL DEFAULT '',
		target_count INTEGER NOT NULL DEFAULT 0,
		acked_count  INTEGER NOT NULL DEFAULT 0,
		error_count  INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS alert_states (
		device_id              TEXT NOT NULL,
		condition              TEXT NOT NULL,
		state                  TEXT NOT NULL DEFAULT 'ok',
		last_raised_at         INTEGER,
		last_recovered_at      INTEGER,
		cooldown_until         INTEGER,
		consecutive_violations INTEGER NOT NULL DEFAULT 0,
		last_value             TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (device_id, condition)
	)`,

	`CREATE TABLE IF NOT EXISTS enrollment_tokens (
		token_id      TEXT PRIMARY KEY,
		token_hash    TEXT NOT NULL,
		alias         TEXT NOT NULL DEFAULT '',
		expires_at    INTEGER NOT NULL,
		uses_allowed  INTEGER NOT NULL DEFAULT 1,
		uses_consumed INTEGER NOT NULL DEFAULT 0,
		status        TEXT NOT NULL DEFAULT 'active',
		created_at    INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS heartbeat_partitions (
		partition_name  TEXT PRIMARY KEY,
		range_start     INTEGER NOT NULL,
		range_end       INTEGER NOT NULL,
		state           TEXT NOT NULL DEFAULT 'active',
		row_count       INTEGER NOT NULL DEFAULT 0,
		bytes_size      INTEGER NOT NULL DEFAULT 0,
		checksum_sha256 TEXT NOT NULL DEFAULT '',
		archive_url     TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		archived_at     INTEGER,
		dropped_at      INTEGER
	)`,

	`CREATE TABLE IF NOT EXISTS advisory_locks (
		lock_id     INTEGER PRIMARY KEY,
		owner       TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		expires_at  INTEGER NOT NULL
	)`,
}

func (s *Store) initSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	return nil
}

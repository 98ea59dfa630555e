package store

import "context"

// Statements are idempotent so EnsureSchema can run on every boot.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		class_id TEXT NOT NULL,
		teacher_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		scheduled_at TIMESTAMPTZ,
		start_at TIMESTAMPTZ,
		end_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'draft',
		session_token TEXT,
		token_expires_at TIMESTAMPTZ,
		method TEXT NOT NULL DEFAULT 'qr',
		late_window_minutes INT NOT NULL DEFAULT 10,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS sessions_token_idx ON sessions (session_token) WHERE session_token IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS sessions_expiry_idx ON sessions (token_expires_at) WHERE status = 'open'`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		class_id TEXT NOT NULL,
		student_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'present',
		ts TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		method TEXT NOT NULL DEFAULT 'qr',
		device_id TEXT,
		client_event_id TEXT,
		score DOUBLE PRECISION,
		overridden BOOLEAN NOT NULL DEFAULT FALSE,
		overridden_by TEXT,
		override_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (session_id, student_id)
	)`,
	`CREATE INDEX IF NOT EXISTS attendance_client_event_idx ON attendance_records (client_event_id)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		device_id TEXT NOT NULL DEFAULT '',
		client_event_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (device_id, client_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		secret TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		name TEXT NOT NULL,
		roll_no TEXT NOT NULL DEFAULT '',
		class_id TEXT NOT NULL,
		email TEXT,
		qr_token TEXT,
		status TEXT NOT NULL DEFAULT 'unclaimed',
		claim_code_hash TEXT,
		claim_expires_at TIMESTAMPTZ,
		claim_attempts INT NOT NULL DEFAULT 0,
		claim_locked_until TIMESTAMPTZ,
		claimed_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS students_qr_token_idx ON students (qr_token)`,
	`CREATE INDEX IF NOT EXISTS students_claim_hash_idx ON students (claim_code_hash)`,
}

// EnsureSchema creates tables and indexes if missing.
func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.Client.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

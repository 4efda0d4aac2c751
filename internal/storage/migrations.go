package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS alert_occurrences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		external_alert_id TEXT,
		status TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		starts_at DATETIME NOT NULL,
		ends_at DATETIME,
		labels TEXT NOT NULL DEFAULT '{}',
		annotations TEXT NOT NULL DEFAULT '{}',
		generator_url TEXT NOT NULL DEFAULT '',
		linked_case_id INTEGER REFERENCES cases(id),
		state TEXT NOT NULL DEFAULT 'UNCLAIMED',
		claimed_by TEXT,
		claimed_at DATETIME,
		suppressed INTEGER NOT NULL DEFAULT 0,
		processing_error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		delivery_count INTEGER NOT NULL DEFAULT 1,
		received_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		raw_payload BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_alert_occurrences_state ON alert_occurrences(state, received_at);
	CREATE INDEX IF NOT EXISTS idx_alert_occurrences_case ON alert_occurrences(linked_case_id);`,

	`CREATE TABLE IF NOT EXISTS cases (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		severity TEXT NOT NULL,
		assignment TEXT NOT NULL DEFAULT '{"userIds":[],"teamIds":[]}',
		correlation_key TEXT NOT NULL,
		alert_name TEXT NOT NULL DEFAULT '',
		labels TEXT NOT NULL DEFAULT '{}',
		sla_deadline DATETIME NOT NULL,
		sla_breached INTEGER NOT NULL DEFAULT 0,
		sla_breached_at DATETIME,
		alert_count INTEGER NOT NULL DEFAULT 0,
		last_alert_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		resolved_at DATETIME,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_cases_correlation ON cases(correlation_key, created_at);
	CREATE INDEX IF NOT EXISTS idx_cases_sla ON cases(sla_breached, sla_deadline);`,

	`CREATE TABLE IF NOT EXISTS case_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id INTEGER NOT NULL REFERENCES cases(id),
		sequence INTEGER NOT NULL,
		changed_by TEXT,
		changed_at DATETIME NOT NULL,
		change_type TEXT NOT NULL,
		field_name TEXT,
		old_value TEXT,
		new_value TEXT,
		reason TEXT NOT NULL DEFAULT '',
		additional_data TEXT,
		automation_triggered INTEGER NOT NULL DEFAULT 0,
		notification_sent INTEGER NOT NULL DEFAULT 0,
		ip_address TEXT,
		user_agent TEXT,
		session_id TEXT,
		UNIQUE(case_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_case_history_order ON case_history(case_id, changed_at, sequence);
	CREATE TRIGGER IF NOT EXISTS case_history_no_update BEFORE UPDATE ON case_history
	BEGIN
		SELECT RAISE(ABORT, 'case history is append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS case_history_no_delete BEFORE DELETE ON case_history
	BEGIN
		SELECT RAISE(ABORT, 'case history is append-only');
	END;`,

	`CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		case_id INTEGER REFERENCES cases(id),
		recipient TEXT NOT NULL,
		address TEXT NOT NULL,
		notification_type TEXT NOT NULL,
		channel TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 3,
		subject TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		template_id TEXT,
		template_variables TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		scheduled_at DATETIME,
		sent_at DATETIME,
		delivered_at DATETIME,
		read_at DATETIME,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_retry_at DATETIME,
		error_message TEXT,
		error_code TEXT,
		external_id TEXT,
		external_reference TEXT,
		tracking_id TEXT NOT NULL UNIQUE,
		correlation_id TEXT NOT NULL,
		batch_id TEXT,
		cost_cents INTEGER,
		cost_currency TEXT,
		claimed_by TEXT,
		claimed_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		CHECK (retry_count <= max_retries),
		UNIQUE(correlation_id, recipient, channel)
	);
	CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(status, next_retry_at, scheduled_at);
	CREATE INDEX IF NOT EXISTS idx_notifications_external ON notifications(channel, external_id);`,

	`CREATE TABLE IF NOT EXISTS case_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		case_id INTEGER NOT NULL REFERENCES cases(id),
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		published_at DATETIME,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_case_events_pending ON case_events(published_at, seq);`,
}

// Migrate applies the schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
	}
	s.logger.Debug("Schema migrated", zap.Int("migrations", len(migrations)))
	return nil
}

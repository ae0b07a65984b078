package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema holds the tables owned by the reconciliation core. Every statement is
// idempotent so EnsureSchema can run on each boot.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS enrollments (
	id TEXT PRIMARY KEY,
	guardian_email TEXT NOT NULL,
	child_first_name TEXT NOT NULL,
	child_last_name TEXT NOT NULL,
	location_id TEXT NOT NULL,
	student_id TEXT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	checkout_reference TEXT NULL,
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	reviewed_at TIMESTAMPTZ NULL,
	reviewed_by TEXT NULL,
	rejection_reason TEXT NULL,
	cancellation_reason TEXT NULL,
	paid BOOLEAN NOT NULL DEFAULT FALSE,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT enrollments_status_check CHECK (status IN ('pending','pending_payment','approved','active','rejected','cancelled'))
)`,
	// Names are matched case-sensitively by ListByNaturalKey, so only the
	// email is lowered. The old index lowered every name column.
	`DROP INDEX IF EXISTS idx_enrollments_natural_key`,
	`CREATE INDEX IF NOT EXISTS idx_enrollments_natural_key_lookup
	ON enrollments (lower(guardian_email), child_first_name, child_last_name, location_id, submitted_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_enrollments_status_checkout
	ON enrollments (status) WHERE checkout_reference IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS webhook_events (
	id TEXT PRIMARY KEY,
	provider_event_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	processing_status TEXT NOT NULL,
	related_enrollment_id TEXT NULL,
	error_message TEXT NULL,
	attempts INT NOT NULL DEFAULT 1,
	received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at TIMESTAMPTZ NULL,
	CONSTRAINT webhook_events_provider_event_id_key UNIQUE (provider_event_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_status ON webhook_events (processing_status, received_at DESC)`,
	`CREATE TABLE IF NOT EXISTS activity_logs (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	before_state JSONB NULL,
	after_state JSONB NULL,
	details JSONB NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_logs_entity ON activity_logs (entity_type, entity_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS student_location_memberships (
	student_id TEXT NOT NULL,
	location_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (student_id, location_id)
)`,
}

// EnsureSchema creates the reconciliation tables when they are missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

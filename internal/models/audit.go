package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// ActorSystem identifies mutations made by the webhook receiver or the sweep.
const ActorSystem = "system"

// Activity actions written to the audit log.
const (
	ActivityActionStatusChange    = "enrollment.status_change"
	ActivityActionMergeDuplicates = "enrollment.merge_duplicates"
	ActivityActionSweep           = "reconcile.sweep"
)

// Entity types referenced by audit entries.
const (
	EntityEnrollment = "enrollment"
	EntityReconcile  = "reconcile"
)

// ActivityLogEntry is an immutable audit fact.
type ActivityLogEntry struct {
	ID          string         `db:"id" json:"id"`
	Actor       string         `db:"actor" json:"actor"`
	Action      string         `db:"action" json:"action"`
	EntityType  string         `db:"entity_type" json:"entityType"`
	EntityID    string         `db:"entity_id" json:"entityId"`
	BeforeState types.JSONText `db:"before_state" json:"before,omitempty"`
	AfterState  types.JSONText `db:"after_state" json:"after,omitempty"`
	Details     types.JSONText `db:"details" json:"details,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"createdAt"`
}

// StudentLocationMembership grants a student access to a location after activation.
type StudentLocationMembership struct {
	StudentID  string    `db:"student_id" json:"studentId"`
	LocationID string    `db:"location_id" json:"locationId"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

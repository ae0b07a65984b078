package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/enrollment-reconciler/internal/models"
)

const enrollmentColumns = `id, guardian_email, child_first_name, child_last_name, location_id, student_id, status,
	checkout_reference, submitted_at, reviewed_at, reviewed_by, rejection_reason, cancellation_reason,
	paid, version, created_at, updated_at`

// EnrollmentRepository handles persistence for enrollments.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository creates a new repository instance.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// FindByID returns an enrollment by id.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	var enrollment models.Enrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// ListByNaturalKey returns every enrollment for the same guardian, child and
// location, most recently submitted first. Email matching ignores case.
func (r *EnrollmentRepository) ListByNaturalKey(ctx context.Context, key models.NaturalKey) ([]models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
	WHERE lower(guardian_email) = lower($1) AND child_first_name = $2 AND child_last_name = $3 AND location_id = $4
	ORDER BY submitted_at DESC, created_at DESC`
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, key.GuardianEmail, key.ChildFirstName, key.ChildLastName, key.LocationID); err != nil {
		return nil, fmt.Errorf("list enrollments by natural key: %w", err)
	}
	return enrollments, nil
}

// ListPaidUnsettled returns enrollments that carry a checkout reference while
// their status is still one of statuses.
func (r *EnrollmentRepository) ListPaidUnsettled(ctx context.Context, statuses []models.EnrollmentStatus) ([]models.Enrollment, error) {
	values := make([]string, len(statuses))
	for i, status := range statuses {
		values[i] = string(status)
	}
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments
	WHERE checkout_reference IS NOT NULL AND status = ANY($1)
	ORDER BY submitted_at ASC`
	var enrollments []models.Enrollment
	if err := r.db.SelectContext(ctx, &enrollments, query, pq.Array(values)); err != nil {
		return nil, fmt.Errorf("list paid unsettled enrollments: %w", err)
	}
	return enrollments, nil
}

// TouchStalePending returns the ids of pending enrollments without a checkout
// reference submitted before cutoff. updated_at is bumped only on rows not
// already touched since cutoff, so repeated sweeps inside one window leave
// the timestamp alone. Status and version are never changed.
func (r *EnrollmentRepository) TouchStalePending(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	const query = `WITH stale AS (
		SELECT id, updated_at FROM enrollments
		WHERE status = $2 AND checkout_reference IS NULL AND submitted_at < $3
	), touched AS (
		UPDATE enrollments e SET updated_at = $1
		FROM stale
		WHERE e.id = stale.id AND stale.updated_at < $3
		RETURNING e.id
	)
	SELECT id FROM stale ORDER BY id`
	var ids []string
	if err := r.db.SelectContext(ctx, &ids, query, now, models.EnrollmentStatusPending, cutoff); err != nil {
		return nil, fmt.Errorf("touch stale pending enrollments: %w", err)
	}
	return ids, nil
}

// TransitionParams describes a compare-and-set status change together with
// the side effects that must commit with it.
type TransitionParams struct {
	ID                 string
	ExpectedStatus     models.EnrollmentStatus
	ExpectedVersion    int64
	Target             models.EnrollmentStatus
	CheckoutReference  *string
	MarkPaid           bool
	ReviewedBy         *string
	ReviewedAt         *time.Time
	RejectionReason    *string
	CancellationReason *string
	UpdatedAt          time.Time
	Membership         *models.StudentLocationMembership
	Audit              *models.ActivityLogEntry
}

// ApplyTransition updates the row only when its status and version still match
// what the caller read, then upserts the membership and appends the audit
// entry in the same transaction. A lost race returns sql.ErrNoRows.
func (r *EnrollmentRepository) ApplyTransition(ctx context.Context, params TransitionParams) (updated *models.Enrollment, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	updateQuery := `UPDATE enrollments SET
		status = $1,
		checkout_reference = COALESCE($2, checkout_reference),
		paid = paid OR $3,
		reviewed_by = COALESCE($4, reviewed_by),
		reviewed_at = COALESCE($5, reviewed_at),
		rejection_reason = COALESCE($6, rejection_reason),
		cancellation_reason = COALESCE($7, cancellation_reason),
		updated_at = $8,
		version = version + 1
	WHERE id = $9 AND status = $10 AND version = $11
	RETURNING ` + enrollmentColumns

	var row models.Enrollment
	if err = tx.GetContext(ctx, &row, updateQuery,
		params.Target,
		params.CheckoutReference,
		params.MarkPaid,
		params.ReviewedBy,
		params.ReviewedAt,
		params.RejectionReason,
		params.CancellationReason,
		params.UpdatedAt,
		params.ID,
		params.ExpectedStatus,
		params.ExpectedVersion,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("update enrollment status: %w", err)
	}

	if m := params.Membership; m != nil {
		const membershipQuery = `INSERT INTO student_location_memberships (student_id, location_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (student_id, location_id) DO NOTHING`
		if _, err = tx.ExecContext(ctx, membershipQuery, m.StudentID, m.LocationID, params.UpdatedAt); err != nil {
			return nil, fmt.Errorf("upsert student location membership: %w", err)
		}
	}

	if params.Audit != nil {
		if err = insertActivity(ctx, tx, params.Audit); err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return &row, nil
}

// Ping checks database connectivity for readiness probes.
func (r *EnrollmentRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

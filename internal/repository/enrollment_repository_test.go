package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enrollment-reconciler/internal/models"
)

var enrollmentRowColumns = []string{
	"id", "guardian_email", "child_first_name", "child_last_name", "location_id", "student_id", "status",
	"checkout_reference", "submitted_at", "reviewed_at", "reviewed_by", "rejection_reason", "cancellation_reason",
	"paid", "version", "created_at", "updated_at",
}

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return sqlx.NewDb(db, "postgres"), mock, func() { db.Close() }
}

func enrollmentRow(id string, status models.EnrollmentStatus, checkout interface{}, version int64, submitted time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(enrollmentRowColumns).AddRow(
		id, "alice@example.com", "Gracie", "Doe", "loc-1", "student-1", string(status),
		checkout, submitted, nil, nil, nil, nil,
		checkout != nil, version, submitted, submitted,
	)
}

func TestEnrollmentRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1")).
		WithArgs("enr-1").
		WillReturnRows(enrollmentRow("enr-1", models.EnrollmentStatusPending, nil, 3, now))

	enrollment, err := repo.FindByID(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusPending, enrollment.Status)
	assert.Equal(t, int64(3), enrollment.Version)
	assert.Nil(t, enrollment.CheckoutReference)
	require.NotNil(t, enrollment.StudentID)
	assert.Equal(t, "student-1", *enrollment.StudentID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindByIDNotFound(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM enrollments WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(enrollmentRowColumns))

	_, err := repo.FindByID(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestEnrollmentRepositoryListByNaturalKey(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	t2 := time.Now()
	t1 := t2.Add(-time.Hour)
	rows := sqlmock.NewRows(enrollmentRowColumns).
		AddRow("enr-2", "alice@example.com", "Gracie", "Doe", "loc-1", nil, "pending", nil, t2, nil, nil, nil, nil, false, 1, t2, t2).
		AddRow("enr-1", "alice@example.com", "Gracie", "Doe", "loc-1", nil, "pending", nil, t1, nil, nil, nil, nil, false, 1, t1, t1)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE lower(guardian_email) = lower($1)")).
		WithArgs("Alice@Example.com", "Gracie", "Doe", "loc-1").
		WillReturnRows(rows)

	list, err := repo.ListByNaturalKey(context.Background(), models.NaturalKey{
		GuardianEmail:  "Alice@Example.com",
		ChildFirstName: "Gracie",
		ChildLastName:  "Doe",
		LocationID:     "loc-1",
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "enr-2", list[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListPaidUnsettled(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE checkout_reference IS NOT NULL AND status = ANY($1)")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(enrollmentRow("enr-1", models.EnrollmentStatusApproved, "cs_test_1", 2, time.Now()))

	list, err := repo.ListPaidUnsettled(context.Background(), models.AwaitingActivation())
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].CheckoutReference)
	assert.Equal(t, "cs_test_1", *list[0].CheckoutReference)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryTouchStalePending(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	now := time.Now().UTC()
	cutoff := now.Add(-24 * time.Hour)
	mock.ExpectQuery(`(?s)WITH stale AS \(.+UPDATE enrollments e SET updated_at = \$1.+stale\.updated_at < \$3.+SELECT id FROM stale`).
		WithArgs(now, models.EnrollmentStatusPending, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("enr-1").AddRow("enr-2"))

	ids, err := repo.TouchStalePending(context.Background(), cutoff, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"enr-1", "enr-2"}, ids)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryApplyTransitionCommitsSideEffects(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	now := time.Now().UTC()
	ref := "cs_test_1"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $9 AND status = $10 AND version = $11")).
		WithArgs(models.EnrollmentStatusActive, &ref, true, nil, nil, nil, nil, now, "enr-1", models.EnrollmentStatusPending, int64(1)).
		WillReturnRows(enrollmentRow("enr-1", models.EnrollmentStatusActive, ref, 2, now))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (student_id, location_id) DO NOTHING")).
		WithArgs("student-1", "loc-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO activity_logs")).
		WithArgs(sqlmock.AnyArg(), "system", models.ActivityActionStatusChange, models.EntityEnrollment, "enr-1",
			`{"status":"pending"}`, `{"status":"active"}`, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	updated, err := repo.ApplyTransition(context.Background(), TransitionParams{
		ID:                "enr-1",
		ExpectedStatus:    models.EnrollmentStatusPending,
		ExpectedVersion:   1,
		Target:            models.EnrollmentStatusActive,
		CheckoutReference: &ref,
		MarkPaid:          true,
		UpdatedAt:         now,
		Membership:        &models.StudentLocationMembership{StudentID: "student-1", LocationID: "loc-1"},
		Audit: &models.ActivityLogEntry{
			Actor:       models.ActorSystem,
			Action:      models.ActivityActionStatusChange,
			EntityType:  models.EntityEnrollment,
			EntityID:    "enr-1",
			BeforeState: []byte(`{"status":"pending"}`),
			AfterState:  []byte(`{"status":"active"}`),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, updated.Status)
	assert.Equal(t, int64(2), updated.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryApplyTransitionLostRace(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $9 AND status = $10 AND version = $11")).
		WillReturnRows(sqlmock.NewRows(enrollmentRowColumns))
	mock.ExpectRollback()

	_, err := repo.ApplyTransition(context.Background(), TransitionParams{
		ID:              "enr-1",
		ExpectedStatus:  models.EnrollmentStatusPending,
		ExpectedVersion: 1,
		Target:          models.EnrollmentStatusApproved,
		UpdatedAt:       time.Now(),
		Audit:           &models.ActivityLogEntry{Actor: "admin@example.com", Action: models.ActivityActionStatusChange},
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryApplyTransitionRollsBackOnAuditFailure(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE enrollments SET")).
		WillReturnRows(enrollmentRow("enr-1", models.EnrollmentStatusCancelled, nil, 2, now))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO activity_logs")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.ApplyTransition(context.Background(), TransitionParams{
		ID:              "enr-1",
		ExpectedStatus:  models.EnrollmentStatusPending,
		ExpectedVersion: 1,
		Target:          models.EnrollmentStatusCancelled,
		UpdatedAt:       now,
		Audit:           &models.ActivityLogEntry{Actor: "admin@example.com", Action: models.ActivityActionStatusChange},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

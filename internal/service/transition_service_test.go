package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/enrollment-reconciler/internal/models"
	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
)

func newTransitionServiceForTest(store *fakeEnrollmentStore, pub TransitionPublisher) *TransitionService {
	svc := NewTransitionService(store, pub, NewMetricsService(), nil, TransitionConfig{})
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestTransitionServiceStateMachine(t *testing.T) {
	for _, from := range models.AllEnrollmentStatuses() {
		for _, to := range models.AllEnrollmentStatuses() {
			if from == to {
				continue
			}
			row := pendingEnrollment("enr-1", time.Now())
			row.Status = from
			store := newFakeEnrollmentStore(row)
			svc := newTransitionServiceForTest(store, nil)

			result, err := svc.Transition(context.Background(), TransitionRequest{
				EnrollmentID: "enr-1",
				Target:       to,
				Actor:        "admin@example.com",
			})

			if from.CanTransitionTo(to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.True(t, result.Changed)
				assert.Equal(t, to, store.row("enr-1").Status)
				assert.Equal(t, 1, store.auditCount())
			} else {
				require.ErrorIs(t, err, appErrors.ErrConflict, "%s -> %s", from, to)
				assert.Equal(t, from, store.row("enr-1").Status)
				assert.Equal(t, 0, store.auditCount())
			}
		}
	}
}

func TestTransitionServiceRejectedToActiveConflicts(t *testing.T) {
	row := pendingEnrollment("enr-1", time.Now())
	row.Status = models.EnrollmentStatusRejected
	store := newFakeEnrollmentStore(row)
	svc := newTransitionServiceForTest(store, nil)

	_, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusActive, Actor: "admin@example.com"})
	require.ErrorIs(t, err, appErrors.ErrConflict)
	assert.Equal(t, models.EnrollmentStatusRejected, store.row("enr-1").Status)
}

func TestTransitionServiceNotFound(t *testing.T) {
	svc := newTransitionServiceForTest(newFakeEnrollmentStore(), nil)

	_, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "missing", Target: models.EnrollmentStatusActive, Actor: models.ActorSystem})
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestTransitionServiceValidatesRequest(t *testing.T) {
	svc := newTransitionServiceForTest(newFakeEnrollmentStore(pendingEnrollment("enr-1", time.Now())), nil)

	_, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: "ACTIVE", Actor: models.ActorSystem})
	require.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusActive})
	require.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestTransitionServiceLostRaceReturnsConflict(t *testing.T) {
	store := newFakeEnrollmentStore(pendingEnrollment("enr-1", time.Now()))
	store.beforeApply = func(id string) {
		store.mu.Lock()
		row := store.rows[id]
		row.Status = models.EnrollmentStatusCancelled
		row.Version++
		store.rows[id] = row
		store.mu.Unlock()
	}
	svc := newTransitionServiceForTest(store, nil)

	_, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusApproved, Actor: "admin@example.com"})
	require.ErrorIs(t, err, appErrors.ErrConflict)
	assert.Equal(t, models.EnrollmentStatusCancelled, store.row("enr-1").Status)
	assert.Equal(t, 0, store.auditCount())
}

func TestTransitionServicePersistenceFailure(t *testing.T) {
	store := newFakeEnrollmentStore(pendingEnrollment("enr-1", time.Now()))
	store.applyErr["enr-1"] = errors.New("connection reset")
	svc := newTransitionServiceForTest(store, nil)

	_, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusActive, Actor: models.ActorSystem})
	require.ErrorIs(t, err, appErrors.ErrPersistence)
	assert.Equal(t, models.EnrollmentStatusPending, store.row("enr-1").Status)
}

func TestTransitionServiceActivationUpsertsMembershipOnce(t *testing.T) {
	row := pendingEnrollment("enr-1", time.Now())
	row.StudentID = strPtr("student-1")
	store := newFakeEnrollmentStore(row)
	pub := &fakePublisher{}
	svc := newTransitionServiceForTest(store, pub)
	ref := strPtr("cs_test_1")

	first, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusActive, Actor: models.ActorSystem, CheckoutReference: ref})
	require.NoError(t, err)
	assert.True(t, first.Changed)
	assert.True(t, first.Enrollment.Paid)
	require.NotNil(t, first.Enrollment.CheckoutReference)
	assert.Equal(t, "cs_test_1", *first.Enrollment.CheckoutReference)

	second, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusActive, Actor: models.ActorSystem, CheckoutReference: ref})
	require.NoError(t, err)
	assert.False(t, second.Changed)

	assert.Len(t, store.memberships, 1)
	assert.Equal(t, 1, store.auditCount())
	require.Len(t, pub.events, 1)
	assert.Equal(t, models.EnrollmentStatusPending, pub.events[0].From)
	assert.Equal(t, models.EnrollmentStatusActive, pub.events[0].To)
}

func TestTransitionServiceActiveWithDifferentReferenceConflicts(t *testing.T) {
	row := pendingEnrollment("enr-1", time.Now())
	row.Status = models.EnrollmentStatusActive
	row.CheckoutReference = strPtr("cs_test_1")
	svc := newTransitionServiceForTest(newFakeEnrollmentStore(row), nil)

	_, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusActive, Actor: models.ActorSystem, CheckoutReference: strPtr("cs_test_2")})
	require.ErrorIs(t, err, appErrors.ErrConflict)
}

func TestTransitionServiceActiveWithoutReferenceAttachesPayment(t *testing.T) {
	row := pendingEnrollment("enr-1", time.Now())
	row.Status = models.EnrollmentStatusActive
	store := newFakeEnrollmentStore(row)
	pub := &fakePublisher{}
	svc := newTransitionServiceForTest(store, pub)
	req := TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusActive, Actor: models.ActorSystem, CheckoutReference: strPtr("cs_paid")}

	result, err := svc.Transition(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, models.EnrollmentStatusActive, result.Previous)

	stored := store.row("enr-1")
	assert.Equal(t, models.EnrollmentStatusActive, stored.Status)
	require.NotNil(t, stored.CheckoutReference)
	assert.Equal(t, "cs_paid", *stored.CheckoutReference)
	assert.True(t, stored.Paid)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, 1, store.auditCount())
	assert.Empty(t, pub.events)

	again, err := svc.Transition(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, 1, store.auditCount())
}

func TestTransitionServiceActivationWithoutStudentSkipsMembership(t *testing.T) {
	store := newFakeEnrollmentStore(pendingEnrollment("enr-1", time.Now()))
	svc := newTransitionServiceForTest(store, nil)

	_, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusActive, Actor: models.ActorSystem})
	require.NoError(t, err)
	assert.Empty(t, store.memberships)
	assert.False(t, store.row("enr-1").Paid)
}

func TestTransitionServiceRecordsReviewAndReasons(t *testing.T) {
	store := newFakeEnrollmentStore(pendingEnrollment("enr-1", time.Now()), pendingEnrollment("enr-2", time.Now()))
	svc := newTransitionServiceForTest(store, nil)

	rejected, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusRejected, Actor: "admin@example.com", Reason: "location full"})
	require.NoError(t, err)
	require.NotNil(t, rejected.Enrollment.ReviewedBy)
	assert.Equal(t, "admin@example.com", *rejected.Enrollment.ReviewedBy)
	require.NotNil(t, rejected.Enrollment.RejectionReason)
	assert.Equal(t, "location full", *rejected.Enrollment.RejectionReason)

	cancelled, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-2", Target: models.EnrollmentStatusCancelled, Actor: "admin@example.com", Reason: "withdrawn"})
	require.NoError(t, err)
	require.NotNil(t, cancelled.Enrollment.CancellationReason)
	assert.Equal(t, "withdrawn", *cancelled.Enrollment.CancellationReason)
	assert.Nil(t, cancelled.Enrollment.ReviewedBy)

	audit := store.audits[0]
	assert.Equal(t, "admin@example.com", audit.Actor)
	assert.Equal(t, models.ActivityActionStatusChange, audit.Action)
	assert.JSONEq(t, `{"status":"pending","version":1,"checkoutReference":null}`, string(audit.BeforeState))
	assert.JSONEq(t, `{"status":"rejected","version":2,"checkoutReference":null}`, string(audit.AfterState))
	assert.JSONEq(t, `{"reason":"location full"}`, string(audit.Details))
}

func TestTransitionServicePublishFailureKeepsCommit(t *testing.T) {
	store := newFakeEnrollmentStore(pendingEnrollment("enr-1", time.Now()))
	svc := newTransitionServiceForTest(store, &fakePublisher{err: errors.New("broker down")})

	result, err := svc.Transition(context.Background(), TransitionRequest{EnrollmentID: "enr-1", Target: models.EnrollmentStatusApproved, Actor: "admin@example.com"})
	require.NoError(t, err)
	assert.True(t, result.Changed)
	assert.Equal(t, models.EnrollmentStatusApproved, store.row("enr-1").Status)
}

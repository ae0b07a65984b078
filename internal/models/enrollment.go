package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPending        EnrollmentStatus = "pending"
	EnrollmentStatusPendingPayment EnrollmentStatus = "pending_payment"
	EnrollmentStatusApproved       EnrollmentStatus = "approved"
	EnrollmentStatusActive         EnrollmentStatus = "active"
	EnrollmentStatusRejected       EnrollmentStatus = "rejected"
	EnrollmentStatusCancelled      EnrollmentStatus = "cancelled"
)

var enrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentStatusPending:        {EnrollmentStatusApproved, EnrollmentStatusRejected, EnrollmentStatusActive, EnrollmentStatusCancelled},
	EnrollmentStatusPendingPayment: {EnrollmentStatusActive, EnrollmentStatusCancelled},
	EnrollmentStatusApproved:       {EnrollmentStatusActive, EnrollmentStatusCancelled},
	EnrollmentStatusActive:         {EnrollmentStatusCancelled},
}

// AllEnrollmentStatuses lists every known status.
func AllEnrollmentStatuses() []EnrollmentStatus {
	return []EnrollmentStatus{
		EnrollmentStatusPending,
		EnrollmentStatusPendingPayment,
		EnrollmentStatusApproved,
		EnrollmentStatusActive,
		EnrollmentStatusRejected,
		EnrollmentStatusCancelled,
	}
}

// Valid reports whether s is a known status.
func (s EnrollmentStatus) Valid() bool {
	for _, known := range AllEnrollmentStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s EnrollmentStatus) Terminal() bool {
	return len(enrollmentTransitions[s]) == 0
}

// CanTransitionTo reports whether target is reachable from s in one step.
func (s EnrollmentStatus) CanTransitionTo(target EnrollmentStatus) bool {
	for _, next := range enrollmentTransitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// AwaitingActivation lists the statuses the sweep promotes once a checkout
// reference is present.
func AwaitingActivation() []EnrollmentStatus {
	return []EnrollmentStatus{EnrollmentStatusPending, EnrollmentStatusPendingPayment, EnrollmentStatusApproved}
}

// Enrollment is one child's membership application at one location.
type Enrollment struct {
	ID                 string           `db:"id" json:"id"`
	GuardianEmail      string           `db:"guardian_email" json:"guardianEmail"`
	ChildFirstName     string           `db:"child_first_name" json:"childFirstName"`
	ChildLastName      string           `db:"child_last_name" json:"childLastName"`
	LocationID         string           `db:"location_id" json:"locationId"`
	StudentID          *string          `db:"student_id" json:"studentId,omitempty"`
	Status             EnrollmentStatus `db:"status" json:"status"`
	CheckoutReference  *string          `db:"checkout_reference" json:"checkoutReference,omitempty"`
	SubmittedAt        time.Time        `db:"submitted_at" json:"submittedAt"`
	ReviewedAt         *time.Time       `db:"reviewed_at" json:"reviewedAt,omitempty"`
	ReviewedBy         *string          `db:"reviewed_by" json:"reviewedBy,omitempty"`
	RejectionReason    *string          `db:"rejection_reason" json:"rejectionReason,omitempty"`
	CancellationReason *string          `db:"cancellation_reason" json:"cancellationReason,omitempty"`
	Paid               bool             `db:"paid" json:"paid"`
	Version            int64            `db:"version" json:"version"`
	CreatedAt          time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time        `db:"updated_at" json:"updatedAt"`
}

// NaturalKey identifies enrollments that describe the same child at the same location.
type NaturalKey struct {
	GuardianEmail  string
	ChildFirstName string
	ChildLastName  string
	LocationID     string
}

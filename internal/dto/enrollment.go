package dto

import "github.com/noah-isme/enrollment-reconciler/internal/models"

// MergeDuplicatesRequest names the natural key whose rows should collapse.
type MergeDuplicatesRequest struct {
	GuardianEmail  string `json:"guardianEmail" validate:"required"`
	ChildFirstName string `json:"childFirstName" validate:"required"`
	ChildLastName  string `json:"childLastName" validate:"required"`
	LocationID     string `json:"locationId" validate:"required"`
}

// MergeDuplicatesResult reports a duplicate merge. Errors lists per-row
// failures and SkippedEnrollments lists rows already in a terminal status.
type MergeDuplicatesResult struct {
	Message              string              `json:"message"`
	KeepEnrollment       *models.Enrollment  `json:"keepEnrollment"`
	CancelledEnrollments int                 `json:"cancelledEnrollments"`
	SkippedEnrollments   []string            `json:"skippedEnrollments,omitempty"`
	Errors               []string            `json:"errors"`
	Enrollments          []models.Enrollment `json:"enrollments,omitempty"`
}

// ChangeStatusRequest is an admin-issued status change.
type ChangeStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending pending_payment approved active rejected cancelled"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

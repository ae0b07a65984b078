package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/enrollment-reconciler/internal/dto"
	"github.com/noah-isme/enrollment-reconciler/internal/models"
	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
)

// DuplicateCancellationReason is stored on every row retired by a merge.
const DuplicateCancellationReason = "duplicate enrollment — merged with newer record"

type duplicateStore interface {
	ListByNaturalKey(ctx context.Context, key models.NaturalKey) ([]models.Enrollment, error)
}

// DuplicateService collapses enrollments that share a natural key onto the
// most recently submitted one.
type DuplicateService struct {
	store       duplicateStore
	activity    activityWriter
	transitions transitioner
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewDuplicateService constructs the resolver.
func NewDuplicateService(store duplicateStore, activity activityWriter, transitions transitioner, validate *validator.Validate, logger *zap.Logger) *DuplicateService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DuplicateService{store: store, activity: activity, transitions: transitions, validator: validate, logger: logger}
}

// Resolve keeps the newest enrollment for the key and cancels the rest. The
// merge is not atomic across rows: each failure is reported and the others
// still proceed.
func (s *DuplicateService) Resolve(ctx context.Context, req dto.MergeDuplicatesRequest, actor string) (*dto.MergeDuplicatesResult, error) {
	req.GuardianEmail = strings.ToLower(strings.TrimSpace(req.GuardianEmail))
	req.ChildFirstName = strings.TrimSpace(req.ChildFirstName)
	req.ChildLastName = strings.TrimSpace(req.ChildLastName)
	req.LocationID = strings.TrimSpace(req.LocationID)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, missingFieldsMessage(err))
	}
	if actor == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "actor is required")
	}

	enrollments, err := s.store.ListByNaturalKey(ctx, models.NaturalKey{
		GuardianEmail:  req.GuardianEmail,
		ChildFirstName: req.ChildFirstName,
		ChildLastName:  req.ChildLastName,
		LocationID:     req.LocationID,
	})
	if err != nil {
		return nil, appErrors.Persistence(err, "failed to load matching enrollments")
	}

	result := &dto.MergeDuplicatesResult{Errors: []string{}}
	if len(enrollments) <= 1 {
		result.Message = "no duplicate enrollments found"
		result.Enrollments = enrollments
		if result.Enrollments == nil {
			result.Enrollments = []models.Enrollment{}
		}
		if len(enrollments) == 1 {
			result.KeepEnrollment = &enrollments[0]
		}
		return result, nil
	}

	keep := enrollments[0]
	result.KeepEnrollment = &keep
	cancelledIDs := make([]string, 0, len(enrollments)-1)

	for _, duplicate := range enrollments[1:] {
		if duplicate.Status.Terminal() {
			result.SkippedEnrollments = append(result.SkippedEnrollments, duplicate.ID)
			continue
		}
		_, err := s.transitions.Transition(ctx, TransitionRequest{
			EnrollmentID: duplicate.ID,
			Target:       models.EnrollmentStatusCancelled,
			Actor:        actor,
			Reason:       DuplicateCancellationReason,
			Detail:       map[string]interface{}{"mergedInto": keep.ID},
		})
		if err != nil {
			s.logger.Warn("failed to cancel duplicate enrollment",
				zap.String("enrollment_id", duplicate.ID),
				zap.String("kept_id", keep.ID),
				zap.Error(err),
			)
			result.Errors = append(result.Errors, fmt.Sprintf("enrollment %s: %v", duplicate.ID, err))
			continue
		}
		cancelledIDs = append(cancelledIDs, duplicate.ID)
	}
	result.CancelledEnrollments = len(cancelledIDs)

	if keep.CheckoutReference != nil && keep.Status != models.EnrollmentStatusActive {
		activated, err := s.transitions.Transition(ctx, TransitionRequest{
			EnrollmentID:      keep.ID,
			Target:            models.EnrollmentStatusActive,
			Actor:             actor,
			Reason:            "canonical enrollment carries a checkout reference",
			CheckoutReference: keep.CheckoutReference,
			Detail:            map[string]interface{}{"source": "merge_duplicates"},
		})
		if err != nil {
			s.logger.Warn("failed to activate canonical enrollment", zap.String("enrollment_id", keep.ID), zap.Error(err))
			result.Errors = append(result.Errors, fmt.Sprintf("enrollment %s: %v", keep.ID, err))
		} else {
			result.KeepEnrollment = activated.Enrollment
		}
	}

	s.writeSummary(ctx, actor, keep.ID, req, cancelledIDs, result)

	result.Message = fmt.Sprintf("merged %d duplicate enrollment(s) into %s", result.CancelledEnrollments, keep.ID)
	if n := len(result.SkippedEnrollments); n > 0 {
		result.Message += fmt.Sprintf("; skipped %d already terminal", n)
	}
	s.logger.Info("duplicate enrollments merged",
		zap.String("kept_id", keep.ID),
		zap.Int("cancelled", result.CancelledEnrollments),
		zap.Int("skipped", len(result.SkippedEnrollments)),
		zap.Int("errors", len(result.Errors)),
		zap.String("actor", actor),
	)
	return result, nil
}

func (s *DuplicateService) writeSummary(ctx context.Context, actor, keepID string, req dto.MergeDuplicatesRequest, cancelledIDs []string, result *dto.MergeDuplicatesResult) {
	if s.activity == nil {
		return
	}
	details, err := json.Marshal(map[string]interface{}{
		"guardianEmail":  req.GuardianEmail,
		"childFirstName": req.ChildFirstName,
		"childLastName":  req.ChildLastName,
		"locationId":     req.LocationID,
		"cancelledIds":   cancelledIDs,
		"skippedIds":     result.SkippedEnrollments,
		"errors":         result.Errors,
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("merge summary: %v", err))
		return
	}
	entry := &models.ActivityLogEntry{
		Actor:      actor,
		Action:     models.ActivityActionMergeDuplicates,
		EntityType: models.EntityEnrollment,
		EntityID:   keepID,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.activity.Create(ctx, entry); err != nil {
		s.logger.Error("failed to write merge summary", zap.String("kept_id", keepID), zap.Error(err))
		result.Errors = append(result.Errors, fmt.Sprintf("merge summary: %v", appErrors.Persistence(err, "failed to write audit entry")))
	}
}

func missingFieldsMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid merge request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, jsonFieldName(fe.Field()))
	}
	return "missing required fields: " + strings.Join(fields, ", ")
}

func jsonFieldName(field string) string {
	switch field {
	case "GuardianEmail":
		return "guardianEmail"
	case "ChildFirstName":
		return "childFirstName"
	case "ChildLastName":
		return "childLastName"
	case "LocationID":
		return "locationId"
	default:
		return field
	}
}

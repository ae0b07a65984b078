package service

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/enrollment-reconciler/internal/dto"
	"github.com/noah-isme/enrollment-reconciler/internal/models"
	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
)

type enrollmentReader interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
}

type activityReader interface {
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]models.ActivityLogEntry, error)
}

// EnrollmentService serves admin enrollment workflows.
type EnrollmentService struct {
	repo        enrollmentReader
	activity    activityReader
	transitions transitioner
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(repo enrollmentReader, activity activityReader, transitions transitioner, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{repo: repo, activity: activity, transitions: transitions, validator: validate, logger: logger}
}

// ChangeStatus applies an admin-requested status change through the authority.
func (s *EnrollmentService) ChangeStatus(ctx context.Context, id string, req dto.ChangeStatusRequest, actor string) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid status change payload")
	}
	result, err := s.transitions.Transition(ctx, TransitionRequest{
		EnrollmentID: id,
		Target:       models.EnrollmentStatus(req.Status),
		Actor:        actor,
		Reason:       req.Reason,
		Detail:       map[string]interface{}{"source": "admin"},
	})
	if err != nil {
		return nil, err
	}
	return result.Enrollment, nil
}

// ListActivity returns the audit trail of one enrollment, newest first.
func (s *EnrollmentService) ListActivity(ctx context.Context, id string, limit int) ([]models.ActivityLogEntry, error) {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Persistence(err, "failed to load enrollment")
	}
	entries, err := s.activity.ListByEntity(ctx, models.EntityEnrollment, id, limit)
	if err != nil {
		return nil, appErrors.Persistence(err, "failed to list activity")
	}
	return entries, nil
}

package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/enrollment-reconciler/internal/models"
	"github.com/noah-isme/enrollment-reconciler/internal/repository"
	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
)

// RoutingKeyStatusChanged is the broker routing key for committed transitions.
const RoutingKeyStatusChanged = "enrollment.status_changed"

type enrollmentStore interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	ApplyTransition(ctx context.Context, params repository.TransitionParams) (*models.Enrollment, error)
}

// TransitionPublisher receives committed status changes.
type TransitionPublisher interface {
	Publish(ctx context.Context, routingKey string, payload interface{}) error
}

// TransitionRequest asks the authority to move one enrollment to Target.
type TransitionRequest struct {
	EnrollmentID      string
	Target            models.EnrollmentStatus
	Actor             string
	Reason            string
	CheckoutReference *string
	Detail            map[string]interface{}
}

// TransitionResult describes the row after a transition request.
type TransitionResult struct {
	Enrollment *models.Enrollment
	Previous   models.EnrollmentStatus
	Changed    bool
}

// StatusChangedEvent is published after a transition commits.
type StatusChangedEvent struct {
	EnrollmentID string                  `json:"enrollmentId"`
	From         models.EnrollmentStatus `json:"from"`
	To           models.EnrollmentStatus `json:"to"`
	Actor        string                  `json:"actor"`
	OccurredAt   time.Time               `json:"occurredAt"`
}

// TransitionConfig tunes the authority.
type TransitionConfig struct {
	// QueryTimeout bounds the load and the write. Zero leaves the caller's deadline.
	QueryTimeout time.Duration
	// PublishTimeout bounds best-effort event publishing.
	PublishTimeout time.Duration
}

// TransitionService is the only writer of enrollment status. Every change is
// checked against the state machine and applied with a compare-and-set on the
// status and version the service read.
type TransitionService struct {
	store     enrollmentStore
	publisher TransitionPublisher
	metrics   *MetricsService
	logger    *zap.Logger
	config    TransitionConfig
	now       func() time.Time
}

// NewTransitionService constructs the authority. publisher and metrics may be nil.
func NewTransitionService(store enrollmentStore, publisher TransitionPublisher, metrics *MetricsService, logger *zap.Logger, config TransitionConfig) *TransitionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 3 * time.Second
	}
	return &TransitionService{
		store:     store,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Transition validates and applies a status change.
func (s *TransitionService) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if req.EnrollmentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "enrollment id is required")
	}
	if !req.Target.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %q", req.Target))
	}
	if req.Actor == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "actor is required")
	}

	if s.config.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.QueryTimeout)
		defer cancel()
	}

	current, err := s.store.FindByID(ctx, req.EnrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Persistence(err, "failed to load enrollment")
	}
	from := current.Status

	if from == req.Target {
		switch sameStatusOutcome(current, req) {
		case sameStatusNoop:
			s.metrics.RecordTransition(string(from), string(req.Target), transitionNoop)
			return &TransitionResult{Enrollment: current, Previous: from}, nil
		case sameStatusConflict:
			s.metrics.RecordTransition(string(from), string(req.Target), transitionRejected)
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("enrollment is already %s", from))
		}
	} else if !from.CanTransitionTo(req.Target) {
		s.metrics.RecordTransition(string(from), string(req.Target), transitionRejected)
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("cannot transition enrollment from %s to %s", from, req.Target))
	}

	params, err := s.buildParams(current, req)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to build audit entry")
	}

	updated, err := s.store.ApplyTransition(ctx, params)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordTransition(string(from), string(req.Target), transitionConflict)
			return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment was modified concurrently")
		}
		s.metrics.RecordTransition(string(from), string(req.Target), transitionFailed)
		return nil, appErrors.Persistence(err, "failed to apply enrollment transition")
	}

	s.metrics.RecordTransition(string(from), string(req.Target), transitionApplied)
	s.logger.Info("enrollment transitioned",
		zap.String("enrollment_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
		zap.String("actor", req.Actor),
	)

	if from != updated.Status {
		s.publish(ctx, StatusChangedEvent{
			EnrollmentID: updated.ID,
			From:         from,
			To:           updated.Status,
			Actor:        req.Actor,
			OccurredAt:   params.UpdatedAt,
		})
	}

	return &TransitionResult{Enrollment: updated, Previous: from, Changed: true}, nil
}

type sameStatus int

const (
	sameStatusNoop sameStatus = iota
	sameStatusAttach
	sameStatusConflict
)

// sameStatusOutcome decides a request whose target equals the current status.
// Only activation may repeat. A checkout reference arriving for an active row
// that has none is still written through the compare-and-set path.
func sameStatusOutcome(current *models.Enrollment, req TransitionRequest) sameStatus {
	if req.Target != models.EnrollmentStatusActive {
		return sameStatusConflict
	}
	switch {
	case req.CheckoutReference == nil:
		return sameStatusNoop
	case current.CheckoutReference == nil:
		return sameStatusAttach
	case *req.CheckoutReference == *current.CheckoutReference:
		return sameStatusNoop
	default:
		return sameStatusConflict
	}
}

func (s *TransitionService) buildParams(current *models.Enrollment, req TransitionRequest) (repository.TransitionParams, error) {
	now := s.now()
	params := repository.TransitionParams{
		ID:              current.ID,
		ExpectedStatus:  current.Status,
		ExpectedVersion: current.Version,
		Target:          req.Target,
		UpdatedAt:       now,
	}

	var reason *string
	if req.Reason != "" {
		r := req.Reason
		reason = &r
	}

	switch req.Target {
	case models.EnrollmentStatusActive:
		params.CheckoutReference = req.CheckoutReference
		params.MarkPaid = req.CheckoutReference != nil || current.CheckoutReference != nil
		if current.StudentID != nil && *current.StudentID != "" && current.LocationID != "" {
			params.Membership = &models.StudentLocationMembership{StudentID: *current.StudentID, LocationID: current.LocationID}
		}
	case models.EnrollmentStatusApproved:
		params.ReviewedBy = &req.Actor
		params.ReviewedAt = &now
	case models.EnrollmentStatusRejected:
		params.ReviewedBy = &req.Actor
		params.ReviewedAt = &now
		params.RejectionReason = reason
	case models.EnrollmentStatusCancelled:
		params.CancellationReason = reason
	}

	before, err := json.Marshal(map[string]interface{}{
		"status":            current.Status,
		"version":           current.Version,
		"checkoutReference": current.CheckoutReference,
	})
	if err != nil {
		return params, err
	}
	afterRef := current.CheckoutReference
	if params.CheckoutReference != nil {
		afterRef = params.CheckoutReference
	}
	after, err := json.Marshal(map[string]interface{}{
		"status":            req.Target,
		"version":           current.Version + 1,
		"checkoutReference": afterRef,
	})
	if err != nil {
		return params, err
	}

	detail := make(map[string]interface{}, len(req.Detail)+2)
	for k, v := range req.Detail {
		detail[k] = v
	}
	if req.Reason != "" {
		detail["reason"] = req.Reason
	}
	if req.CheckoutReference != nil {
		detail["checkoutReference"] = *req.CheckoutReference
	}
	var details []byte
	if len(detail) > 0 {
		if details, err = json.Marshal(detail); err != nil {
			return params, err
		}
	}

	params.Audit = &models.ActivityLogEntry{
		Actor:       req.Actor,
		Action:      models.ActivityActionStatusChange,
		EntityType:  models.EntityEnrollment,
		EntityID:    current.ID,
		BeforeState: before,
		AfterState:  after,
		Details:     details,
		CreatedAt:   now,
	}
	return params, nil
}

func (s *TransitionService) publish(ctx context.Context, event StatusChangedEvent) {
	if s.publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.PublishTimeout)
	defer cancel()
	if err := s.publisher.Publish(pubCtx, RoutingKeyStatusChanged, event); err != nil {
		s.logger.Warn("failed to publish status change",
			zap.String("enrollment_id", event.EnrollmentID),
			zap.Error(err),
		)
	}
}

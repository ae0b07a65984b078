package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/enrollment-reconciler/internal/billing"
	"github.com/noah-isme/enrollment-reconciler/internal/models"
	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
)

type webhookEventStore interface {
	Record(ctx context.Context, event *models.WebhookEvent) error
	FindByProviderEventID(ctx context.Context, providerEventID string) (*models.WebhookEvent, error)
	GetByID(ctx context.Context, id string) (*models.WebhookEvent, error)
	List(ctx context.Context, filter models.WebhookEventFilter) ([]models.WebhookEvent, error)
}

// EventDedup remembers provider event ids that were fully processed.
type EventDedup interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type transitioner interface {
	Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error)
}

// WebhookConfig configures webhook ingestion.
type WebhookConfig struct {
	Secret            string
	ProcessingTimeout time.Duration
	RecordTimeout     time.Duration
}

// WebhookService verifies billing deliveries and drives enrollments to active.
// Once a signature verifies, failures are recorded and left to the sweep.
type WebhookService struct {
	events      webhookEventStore
	dedup       EventDedup
	transitions transitioner
	metrics     *MetricsService
	logger      *zap.Logger
	config      WebhookConfig
	now         func() time.Time
}

// NewWebhookService constructs the receiver.
func NewWebhookService(events webhookEventStore, dedup EventDedup, transitions transitioner, metrics *MetricsService, logger *zap.Logger, config WebhookConfig) *WebhookService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ProcessingTimeout <= 0 {
		config.ProcessingTimeout = 10 * time.Second
	}
	if config.RecordTimeout <= 0 {
		config.RecordTimeout = 5 * time.Second
	}
	return &WebhookService{
		events:      events,
		dedup:       dedup,
		transitions: transitions,
		metrics:     metrics,
		logger:      logger,
		config:      config,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Receive handles one delivery. A nil error means the provider must be
// acknowledged; the returned outcome is informational.
func (s *WebhookService) Receive(ctx context.Context, payload []byte, signature string) (string, error) {
	if s.config.Secret == "" {
		s.logger.Error("webhook secret not configured")
		return "", appErrors.ErrWebhookNotConfigured
	}

	evt, err := billing.VerifyAndParse(payload, signature, s.config.Secret)
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			s.metrics.RecordWebhook("", WebhookOutcomeRejected)
			return "", appErrors.Wrap(err, appErrors.ErrInvalidSignature.Code, appErrors.ErrInvalidSignature.Status, appErrors.ErrInvalidSignature.Message)
		}
		// Verified but undecodable: keep it for inspection and acknowledge.
		s.logger.Warn("malformed webhook event", zap.Error(err))
		if evt != nil && evt.ID != "" {
			s.record(ctx, evt, payload, nil, err)
		}
		s.metrics.RecordWebhook(eventType(evt), WebhookOutcomeFailed)
		return WebhookOutcomeFailed, nil
	}

	procCtx, cancel := context.WithTimeout(ctx, s.config.ProcessingTimeout)
	defer cancel()

	if s.isDuplicate(procCtx, evt.ID) {
		s.logger.Info("duplicate webhook event dropped", zap.String("event_id", evt.ID), zap.String("type", evt.Type))
		s.metrics.RecordWebhook(evt.Type, WebhookOutcomeDuplicate)
		return WebhookOutcomeDuplicate, nil
	}

	outcome, related, procErr := s.process(procCtx, evt)
	s.record(ctx, evt, payload, related, procErr)
	if procErr == nil {
		if err := s.dedup.Mark(procCtx, evt.ID); err != nil {
			s.logger.Warn("failed to mark webhook event processed", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
	s.metrics.RecordWebhook(evt.Type, outcome)
	return outcome, nil
}

// Replay re-runs a stored event through the same processing path.
func (s *WebhookService) Replay(ctx context.Context, id string) (*models.WebhookEvent, error) {
	stored, err := s.events.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "webhook event not found")
		}
		return nil, appErrors.Persistence(err, "failed to load webhook event")
	}

	evt, err := billing.Decode(stored.Payload)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "stored payload cannot be decoded")
	}

	procCtx, cancel := context.WithTimeout(ctx, s.config.ProcessingTimeout)
	defer cancel()

	outcome, related, procErr := s.process(procCtx, evt)
	recorded := s.record(ctx, evt, stored.Payload, related, procErr)
	if procErr == nil {
		if err := s.dedup.Mark(procCtx, evt.ID); err != nil {
			s.logger.Warn("failed to mark replayed event processed", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
	s.metrics.RecordWebhook(evt.Type, outcome)
	s.logger.Info("webhook event replayed", zap.String("id", id), zap.String("outcome", outcome))
	return recorded, nil
}

// List returns recorded events for inspection.
func (s *WebhookService) List(ctx context.Context, filter models.WebhookEventFilter) ([]models.WebhookEvent, error) {
	if filter.Status != "" {
		switch filter.Status {
		case models.WebhookStatusPending, models.WebhookStatusSuccess, models.WebhookStatusFailed:
		default:
			return nil, appErrors.Clone(appErrors.ErrValidation, "status must be pending, success or failed")
		}
	}
	events, err := s.events.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Persistence(err, "failed to list webhook events")
	}
	return events, nil
}

// isDuplicate consults the dedup store and then the event table. Lookup
// failures are logged and treated as unseen; the authority keeps a retried
// activation idempotent.
func (s *WebhookService) isDuplicate(ctx context.Context, eventID string) bool {
	seen, err := s.dedup.Seen(ctx, eventID)
	if err != nil {
		s.logger.Warn("dedup lookup failed", zap.String("event_id", eventID), zap.Error(err))
	}
	if seen {
		return true
	}

	stored, err := s.events.FindByProviderEventID(ctx, eventID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("webhook event lookup failed", zap.String("event_id", eventID), zap.Error(err))
		}
		return false
	}
	if stored.ProcessingStatus == models.WebhookStatusSuccess {
		if err := s.dedup.Mark(ctx, eventID); err != nil {
			s.logger.Warn("failed to backfill dedup store", zap.String("event_id", eventID), zap.Error(err))
		}
		return true
	}
	return false
}

func (s *WebhookService) process(ctx context.Context, evt *billing.Event) (string, *string, error) {
	if evt.Kind != billing.KindCheckoutCompleted || evt.Checkout == nil {
		s.logger.Debug("ignoring webhook event", zap.String("event_id", evt.ID), zap.String("type", evt.Type))
		return WebhookOutcomeIgnored, nil, nil
	}

	checkout := evt.Checkout
	if checkout.EnrollmentID == "" {
		s.logger.Info("checkout without enrollment metadata", zap.String("event_id", evt.ID), zap.String("session_id", checkout.SessionID))
		return WebhookOutcomeIgnored, nil, nil
	}
	enrollmentID := checkout.EnrollmentID

	if !checkout.Paid() {
		s.logger.Info("checkout awaiting async payment", zap.String("event_id", evt.ID), zap.String("enrollment_id", enrollmentID))
		return WebhookOutcomeIgnored, &enrollmentID, nil
	}

	var ref *string
	if checkout.SessionID != "" {
		sessionID := checkout.SessionID
		ref = &sessionID
	}
	result, err := s.transitions.Transition(ctx, TransitionRequest{
		EnrollmentID:      enrollmentID,
		Target:            models.EnrollmentStatusActive,
		Actor:             models.ActorSystem,
		CheckoutReference: ref,
		Detail: map[string]interface{}{
			"source":    "webhook",
			"eventId":   evt.ID,
			"eventType": evt.Type,
		},
	})
	if err != nil {
		s.logger.Error("webhook activation failed",
			zap.String("event_id", evt.ID),
			zap.String("enrollment_id", enrollmentID),
			zap.Error(err),
		)
		return WebhookOutcomeFailed, &enrollmentID, err
	}
	if !result.Changed {
		s.logger.Info("enrollment already active", zap.String("enrollment_id", enrollmentID), zap.String("event_id", evt.ID))
	}
	return WebhookOutcomeProcessed, &enrollmentID, nil
}

// record persists the outcome on a context detached from the request so a
// timed-out delivery is still written down.
func (s *WebhookService) record(ctx context.Context, evt *billing.Event, payload []byte, related *string, procErr error) *models.WebhookEvent {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RecordTimeout)
	defer cancel()

	processed := s.now()
	event := &models.WebhookEvent{
		ProviderEventID:     evt.ID,
		EventType:           eventType(evt),
		Payload:             payload,
		ProcessingStatus:    models.WebhookStatusSuccess,
		RelatedEnrollmentID: related,
		ReceivedAt:          processed,
		ProcessedAt:         &processed,
	}
	if procErr != nil {
		msg := procErr.Error()
		event.ProcessingStatus = models.WebhookStatusFailed
		event.ErrorMessage = &msg
	}

	if err := s.events.Record(recordCtx, event); err != nil {
		s.logger.Error("failed to record webhook event",
			zap.String("event_id", evt.ID),
			zap.String("processing_status", string(event.ProcessingStatus)),
			zap.Error(err),
		)
	}
	return event
}

func eventType(evt *billing.Event) string {
	if evt == nil || evt.Type == "" {
		return "unknown"
	}
	return evt.Type
}

package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/enrollment-reconciler/internal/models"
)

const webhookEventColumns = `id, provider_event_id, event_type, payload, processing_status, related_enrollment_id,
	error_message, attempts, received_at, processed_at`

// WebhookEventRepository persists inbound billing events.
type WebhookEventRepository struct {
	db *sqlx.DB
}

// NewWebhookEventRepository constructs the repository.
func NewWebhookEventRepository(db *sqlx.DB) *WebhookEventRepository {
	return &WebhookEventRepository{db: db}
}

// Record inserts the event or, when the provider event id was seen before,
// overwrites its outcome and bumps the attempt counter.
func (r *WebhookEventRepository) Record(ctx context.Context, event *models.WebhookEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	const query = `INSERT INTO webhook_events
	(id, provider_event_id, event_type, payload, processing_status, related_enrollment_id, error_message, attempts, received_at, processed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)
	ON CONFLICT (provider_event_id) DO UPDATE SET
		processing_status = EXCLUDED.processing_status,
		related_enrollment_id = COALESCE(EXCLUDED.related_enrollment_id, webhook_events.related_enrollment_id),
		error_message = EXCLUDED.error_message,
		attempts = webhook_events.attempts + 1,
		processed_at = EXCLUDED.processed_at
	RETURNING id, attempts`
	var stored struct {
		ID       string `db:"id"`
		Attempts int    `db:"attempts"`
	}
	if err := r.db.GetContext(ctx, &stored, query,
		event.ID,
		event.ProviderEventID,
		event.EventType,
		nullableJSON(event.Payload),
		event.ProcessingStatus,
		event.RelatedEnrollmentID,
		event.ErrorMessage,
		event.ReceivedAt,
		event.ProcessedAt,
	); err != nil {
		return fmt.Errorf("record webhook event: %w", err)
	}
	event.ID = stored.ID
	event.Attempts = stored.Attempts
	return nil
}

// FindByProviderEventID returns the stored event for a provider id.
func (r *WebhookEventRepository) FindByProviderEventID(ctx context.Context, providerEventID string) (*models.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE provider_event_id = $1`
	var event models.WebhookEvent
	if err := r.db.GetContext(ctx, &event, query, providerEventID); err != nil {
		return nil, err
	}
	return &event, nil
}

// GetByID returns a stored event by its local id.
func (r *WebhookEventRepository) GetByID(ctx context.Context, id string) (*models.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE id = $1`
	var event models.WebhookEvent
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		return nil, err
	}
	return &event, nil
}

// List returns recorded events, newest first.
func (r *WebhookEventRepository) List(ctx context.Context, filter models.WebhookEventFilter) ([]models.WebhookEvent, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 2)
	builder.WriteString(`SELECT ` + webhookEventColumns + ` FROM webhook_events`)
	if filter.Status != "" {
		args = append(args, filter.Status)
		builder.WriteString(fmt.Sprintf(" WHERE processing_status = $%d", len(args)))
	}
	builder.WriteString(" ORDER BY received_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit)
	builder.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))

	var events []models.WebhookEvent
	if err := r.db.SelectContext(ctx, &events, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list webhook events: %w", err)
	}
	return events, nil
}

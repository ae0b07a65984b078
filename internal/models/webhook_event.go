package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// WebhookProcessingStatus tracks how far an inbound provider event got.
type WebhookProcessingStatus string

const (
	WebhookStatusPending WebhookProcessingStatus = "pending"
	WebhookStatusSuccess WebhookProcessingStatus = "success"
	WebhookStatusFailed  WebhookProcessingStatus = "failed"
)

// WebhookEvent is the durable record of one inbound billing event.
type WebhookEvent struct {
	ID                  string                  `db:"id" json:"id"`
	ProviderEventID     string                  `db:"provider_event_id" json:"providerEventId"`
	EventType           string                  `db:"event_type" json:"eventType"`
	Payload             types.JSONText          `db:"payload" json:"payload,omitempty"`
	ProcessingStatus    WebhookProcessingStatus `db:"processing_status" json:"processingStatus"`
	RelatedEnrollmentID *string                 `db:"related_enrollment_id" json:"relatedEnrollmentId,omitempty"`
	ErrorMessage        *string                 `db:"error_message" json:"errorMessage,omitempty"`
	Attempts            int                     `db:"attempts" json:"attempts"`
	ReceivedAt          time.Time               `db:"received_at" json:"receivedAt"`
	ProcessedAt         *time.Time              `db:"processed_at" json:"processedAt,omitempty"`
}

// WebhookEventFilter narrows webhook event listings.
type WebhookEventFilter struct {
	Status WebhookProcessingStatus
	Limit  int
}

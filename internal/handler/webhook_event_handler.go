package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/enrollment-reconciler/internal/models"
	"github.com/noah-isme/enrollment-reconciler/pkg/response"
)

type webhookEventLister interface {
	List(ctx context.Context, filter models.WebhookEventFilter) ([]models.WebhookEvent, error)
}

type replayEnqueuer interface {
	EnqueueReplay(ctx context.Context, id string) (string, error)
}

// WebhookEventHandler lets admins inspect and replay recorded deliveries.
type WebhookEventHandler struct {
	events webhookEventLister
	jobs   replayEnqueuer
}

// NewWebhookEventHandler constructs WebhookEventHandler.
func NewWebhookEventHandler(events webhookEventLister, jobs replayEnqueuer) *WebhookEventHandler {
	return &WebhookEventHandler{events: events, jobs: jobs}
}

// List godoc
// @Summary List recorded webhook events
// @Tags Webhooks
// @Produce json
// @Param status query string false "pending, success or failed"
// @Param limit query int false "Max entries"
// @Success 200 {object} response.Envelope
// @Router /webhook-events [get]
func (h *WebhookEventHandler) List(c *gin.Context) {
	filter := models.WebhookEventFilter{
		Status: models.WebhookProcessingStatus(c.Query("status")),
		Limit:  queryLimit(c, 50),
	}
	events, err := h.events.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, events, map[string]interface{}{"count": len(events)})
}

// Replay godoc
// @Summary Replay a recorded webhook event
// @Tags Webhooks
// @Produce json
// @Param id path string true "Webhook event ID"
// @Success 202 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /webhook-events/{id}/replay [post]
func (h *WebhookEventHandler) Replay(c *gin.Context) {
	jobID, err := h.jobs.EnqueueReplay(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, gin.H{"jobId": jobID, "eventId": c.Param("id")})
}

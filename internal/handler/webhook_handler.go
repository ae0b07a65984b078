package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/enrollment-reconciler/internal/dto"
	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
	"github.com/noah-isme/enrollment-reconciler/pkg/response"
)

// SignatureHeader carries the billing provider's payload signature.
const SignatureHeader = "Stripe-Signature"

const defaultMaxWebhookBytes = 256 << 10

type webhookReceiver interface {
	Receive(ctx context.Context, payload []byte, signature string) (string, error)
}

// WebhookHandler accepts billing provider deliveries.
type WebhookHandler struct {
	webhooks webhookReceiver
	maxBytes int64
}

// NewWebhookHandler constructs WebhookHandler. maxBytes <= 0 uses 256 KiB.
func NewWebhookHandler(webhooks webhookReceiver, maxBytes int64) *WebhookHandler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxWebhookBytes
	}
	return &WebhookHandler{webhooks: webhooks, maxBytes: maxBytes}
}

// Receive godoc
// @Summary Billing provider webhook
// @Description Verifies the payload signature and applies checkout events. Always 200 once the signature is valid.
// @Tags Webhooks
// @Accept json
// @Produce json
// @Param Stripe-Signature header string true "Payload signature"
// @Success 200 {object} dto.WebhookAck
// @Failure 400 {object} response.Envelope
// @Failure 500 {object} response.Envelope
// @Router /webhooks/billing [post]
func (h *WebhookHandler) Receive(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, appErrors.New(appErrors.ErrValidation.Code, http.StatusRequestEntityTooLarge, "payload too large"))
			return
		}
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unable to read payload"))
		return
	}

	if _, err := h.webhooks.Receive(c.Request.Context(), body, c.GetHeader(SignatureHeader)); err != nil {
		response.Error(c, err)
		return
	}
	response.Raw(c, http.StatusOK, dto.WebhookAck{Received: true})
}

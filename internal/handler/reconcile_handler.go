package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/enrollment-reconciler/internal/dto"
	"github.com/noah-isme/enrollment-reconciler/pkg/response"
)

type sweeper interface {
	Sweep(ctx context.Context) dto.ReconcileFixes
}

// ReconcileHandler exposes the scheduler-triggered sweep.
type ReconcileHandler struct {
	sweeper sweeper
	now     func() time.Time
}

// NewReconcileHandler constructs ReconcileHandler.
func NewReconcileHandler(s sweeper) *ReconcileHandler {
	return &ReconcileHandler{sweeper: s, now: func() time.Time { return time.Now().UTC() }}
}

// Sweep godoc
// @Summary Run the reconciliation sweep
// @Description Activates enrollments with payment evidence and flags stale pending ones. Per-row failures are listed in fixes.errors.
// @Tags Reconcile
// @Produce json
// @Security BearerAuth
// @Success 200 {object} dto.SweepResponse
// @Failure 401 {object} response.Envelope
// @Router /reconcile/sweep [post]
func (h *ReconcileHandler) Sweep(c *gin.Context) {
	fixes := h.sweeper.Sweep(c.Request.Context())
	response.Raw(c, http.StatusOK, dto.SweepResponse{Success: true, Fixes: fixes, Timestamp: h.now()})
}

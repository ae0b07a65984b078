package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/enrollment-reconciler/internal/dto"
	"github.com/noah-isme/enrollment-reconciler/internal/models"
	appErrors "github.com/noah-isme/enrollment-reconciler/pkg/errors"
	"github.com/noah-isme/enrollment-reconciler/pkg/response"
)

type enrollmentService interface {
	ChangeStatus(ctx context.Context, id string, req dto.ChangeStatusRequest, actor string) (*models.Enrollment, error)
	ListActivity(ctx context.Context, id string, limit int) ([]models.ActivityLogEntry, error)
}

type duplicateResolver interface {
	Resolve(ctx context.Context, req dto.MergeDuplicatesRequest, actor string) (*dto.MergeDuplicatesResult, error)
}

// EnrollmentHandler exposes admin enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentService
	duplicates  duplicateResolver
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(enrollments enrollmentService, duplicates duplicateResolver) *EnrollmentHandler {
	return &EnrollmentHandler{enrollments: enrollments, duplicates: duplicates}
}

// MergeDuplicates godoc
// @Summary Merge duplicate enrollments
// @Description Keeps the most recently submitted enrollment for a guardian, child and location and cancels the rest.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body dto.MergeDuplicatesRequest true "Natural key"
// @Success 200 {object} dto.MergeDuplicatesResult
// @Failure 400 {object} response.Envelope
// @Router /enrollments/merge-duplicates [post]
func (h *EnrollmentHandler) MergeDuplicates(c *gin.Context) {
	var req dto.MergeDuplicatesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.duplicates.Resolve(c.Request.Context(), req, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Raw(c, http.StatusOK, result)
}

// ChangeStatus godoc
// @Summary Change enrollment status
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body dto.ChangeStatusRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/{id}/status [post]
func (h *EnrollmentHandler) ChangeStatus(c *gin.Context) {
	var req dto.ChangeStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	enrollment, err := h.enrollments.ChangeStatus(c.Request.Context(), c.Param("id"), req, actorFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment)
}

// Activity godoc
// @Summary List enrollment audit trail
// @Tags Enrollments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param limit query int false "Max entries"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/activity [get]
func (h *EnrollmentHandler) Activity(c *gin.Context) {
	entries, err := h.enrollments.ListActivity(c.Request.Context(), c.Param("id"), queryLimit(c, 50))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, map[string]interface{}{"count": len(entries)})
}

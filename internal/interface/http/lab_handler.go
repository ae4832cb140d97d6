package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/internal/infrastructure/auth"
	"github.com/zerozero/octolab/internal/usecase"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
)

// LabHandler handles HTTP requests for lab sessions
type LabHandler struct {
	labUseCase usecase.LabUseCase
	log        logger.Logger
	now        func() time.Time
}

// NewLabHandler creates a new lab handler
func NewLabHandler(labUseCase usecase.LabUseCase, logger logger.Logger) *LabHandler {
	return &LabHandler{
		labUseCase: labUseCase,
		log:        logger,
		now:        time.Now,
	}
}

type denyRequest struct {
	Reason string `json:"reason"`
}

type endRequest struct {
	Notes string `json:"notes"`
}

type extendRequest struct {
	Minutes int `json:"minutes"`
}

type shareRequest struct {
	Kind   entity.DestinationKind `json:"kind"`
	Target string                 `json:"target"`
}

// principal returns the authenticated caller or writes a 401
func (h *LabHandler) principal(c *gin.Context) (entity.Principal, bool) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		h.handleError(c, errors.NewUnauthorized("Authentication required"))
		return entity.Principal{}, false
	}
	return p, true
}

// bindOptional decodes a JSON body when one was sent
func (h *LabHandler) bindOptional(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		h.handleError(c, errors.NewBadRequest("Invalid request body").WithDetails(err.Error()))
		return false
	}
	return true
}

// GetContext handles GET /api/labs/context
// Returns quick picks, guardrail limits, and the active lab
func (h *LabHandler) GetContext(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}

	lc, err := h.labUseCase.GetContext(c.Request.Context(), p)
	if err != nil {
		h.handleError(c, err)
		return
	}

	var active gin.H
	if lc.ActiveLab != nil {
		active = h.serializeSession(lc.ActiveLab)
	}
	c.JSON(http.StatusOK, gin.H{
		"quick_picks": lc.QuickPicks,
		"guardrails":  lc.Guardrails,
		"active_lab":  active,
		"principal":   lc.Principal,
	})
}

// List handles GET /api/labs
func (h *LabHandler) List(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	sessions, err := h.labUseCase.List(c.Request.Context(), p, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}

	out := make([]gin.H, len(sessions))
	for i, s := range sessions {
		out[i] = h.serializeSession(s)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// Submit handles POST /api/labs
func (h *LabHandler) Submit(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}

	var req usecase.SubmitLabInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, errors.NewBadRequest("Invalid request body").WithDetails(err.Error()))
		return
	}

	s, err := h.labUseCase.Submit(c.Request.Context(), p, &req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": h.serializeSession(s)})
}

// GetByID handles GET /api/labs/:id
func (h *LabHandler) GetByID(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}

	s, err := h.labUseCase.Get(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": h.serializeSession(s)})
}

// Approve handles POST /api/labs/:id/approve
func (h *LabHandler) Approve(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	h.respondSession(c)(h.labUseCase.Approve(c.Request.Context(), p, c.Param("id")))
}

// Deny handles POST /api/labs/:id/deny
func (h *LabHandler) Deny(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var req denyRequest
	if !h.bindOptional(c, &req) {
		return
	}
	h.respondSession(c)(h.labUseCase.Deny(c.Request.Context(), p, c.Param("id"), req.Reason))
}

// Cancel handles POST /api/labs/:id/cancel
func (h *LabHandler) Cancel(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	s, err := h.labUseCase.Cancel(c.Request.Context(), p, c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	// the session turns Cancelled once the running step acknowledges
	c.JSON(http.StatusAccepted, gin.H{"session": h.serializeSession(s)})
}

// End handles POST /api/labs/:id/end
func (h *LabHandler) End(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var req endRequest
	if !h.bindOptional(c, &req) {
		return
	}
	s, err := h.labUseCase.End(c.Request.Context(), p, c.Param("id"), req.Notes)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session": h.serializeSession(s)})
}

// Extend handles POST /api/labs/:id/extend
func (h *LabHandler) Extend(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var req extendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, errors.NewBadRequest("Invalid request body").WithDetails(err.Error()))
		return
	}
	h.respondSession(c)(h.labUseCase.Extend(c.Request.Context(), p, c.Param("id"), req.Minutes))
}

// RecordActivity handles POST /api/labs/:id/activity
func (h *LabHandler) RecordActivity(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var req usecase.RecordActivityInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, errors.NewBadRequest("Invalid request body").WithDetails(err.Error()))
		return
	}

	entry, err := h.labUseCase.RecordActivity(c.Request.Context(), p, c.Param("id"), &req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// Share handles POST /api/labs/:id/share
func (h *LabHandler) Share(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var req shareRequest
	if !h.bindOptional(c, &req) {
		return
	}

	d, err := h.labUseCase.Share(c.Request.Context(), p, c.Param("id"), entity.Destination{Kind: req.Kind, Target: req.Target})
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivery": d})
}

func (h *LabHandler) respondSession(c *gin.Context) func(*entity.LabSession, error) {
	return func(s *entity.LabSession, err error) {
		if err != nil {
			h.handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": h.serializeSession(s)})
	}
}

// serializeSession converts a session to its JSON response
func (h *LabHandler) serializeSession(s *entity.LabSession) gin.H {
	return gin.H{
		"id":                s.ID,
		"user_id":           s.Request.UserID,
		"request":           s.Request,
		"blueprint":         s.Blueprint,
		"tier":              s.Tier,
		"state":             s.State,
		"guardrail":         s.Guardrail,
		"steps":             s.Steps,
		"teardown_steps":    s.TeardownSteps,
		"active_since":      s.ActiveSince,
		"ttl_deadline":      s.TTLDeadline,
		"remaining_seconds": int64(s.Remaining(h.now()) / time.Second),
		"notes":             s.Notes,
		"activity_log":      s.ActivityLog,
		"activity_dropped":  s.ActivityDropped,
		"artifacts":         s.Artifacts,
		"evidence_package":  s.EvidencePackage,
		"deliveries":        s.Deliveries,
		"failure_step":      s.FailureStep,
		"failure_detail":    s.FailureDetail,
		"created_at":        s.CreatedAt,
		"updated_at":        s.UpdatedAt,
	}
}

// handleError handles errors and returns appropriate HTTP responses
func (h *LabHandler) handleError(c *gin.Context, err error) {
	if appErr, ok := errors.AsAppError(err); ok {
		if appErr.StatusCode >= http.StatusInternalServerError {
			h.log.Error("Request failed",
				logger.String("path", c.FullPath()),
				logger.String("code", string(appErr.Code)),
				logger.Error(err))
		}
		c.JSON(appErr.StatusCode, gin.H{
			"error": gin.H{
				"code":     appErr.Code,
				"message":  appErr.Message,
				"details":  appErr.Details,
				"metadata": appErr.Metadata,
			},
		})
		return
	}

	h.log.Error("Unexpected error", logger.String("path", c.FullPath()), logger.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    errors.ErrInternal,
			"message": "An unexpected error occurred",
		},
	})
}

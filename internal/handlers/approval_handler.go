package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"approval-engine/internal/cache"
	"approval-engine/internal/events"
	"approval-engine/internal/models"
	"approval-engine/internal/repository"
	"approval-engine/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// ApprovalHandler handles HTTP requests for approvals. It is the calling
// layer the engine expects: it supplies the acting identity, writes the
// audit sink after every state change, publishes lifecycle events and
// keeps the stats cache honest. The engine itself does none of that.
type ApprovalHandler struct {
	service    *services.ApprovalService
	auditSink  repository.AuditSink
	publisher  *events.Publisher
	statsCache *cache.StatsCache
	logger     *logrus.Logger
}

// NewApprovalHandler creates a new ApprovalHandler
func NewApprovalHandler(service *services.ApprovalService, auditSink repository.AuditSink, publisher *events.Publisher, statsCache *cache.StatsCache, logger *logrus.Logger) *ApprovalHandler {
	return &ApprovalHandler{
		service:    service,
		auditSink:  auditSink,
		publisher:  publisher,
		statsCache: statsCache,
		logger:     logger,
	}
}

// CreateRequest creates a new approval request
// @Summary Create approval request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param request body services.CreateRequestInput true "Create Request"
// @Success 201 {object} models.ApprovalRequest
// @Router /api/v1/approvals [post]
func (h *ApprovalHandler) CreateRequest(c *gin.Context) {
	userID, userName, ok := h.currentUser(c)
	if !ok {
		return
	}

	var input services.CreateRequestInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	request, err := h.service.CreateRequest(c.Request.Context(), userID, userName, input)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	h.writeAudit(c.Request.Context(), request, models.AuditEventCreated, userID, userName, "", models.StatusPending, nil)
	h.publisher.PublishRequested(request)
	h.invalidateStats(c.Request.Context())

	c.JSON(http.StatusCreated, request)
}

// GetRequest retrieves an approval request by ID
// @Summary Get approval request
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} models.ApprovalRequest
// @Router /api/v1/approvals/{id} [get]
func (h *ApprovalHandler) GetRequest(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}

	request, err := h.service.GetRequest(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, request)
}

// ListRequests lists approval requests with optional filters
// @Summary List approval requests
// @Tags Approvals
// @Produce json
// @Param type query string false "Type filter"
// @Param status query string false "Status filter"
// @Param priority query string false "Priority filter"
// @Param requestedBy query string false "Requester filter"
// @Param projectId query string false "Project filter"
// @Param limit query int false "Limit" default(20)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/approvals [get]
func (h *ApprovalHandler) ListRequests(c *gin.Context) {
	filter := repository.RequestFilter{
		Type:     c.Query("type"),
		Status:   c.Query("status"),
		Priority: c.Query("priority"),
	}
	if raw := c.Query("requestedBy"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid requestedBy"})
			return
		}
		filter.RequestedBy = &id
	}
	if raw := c.Query("projectId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid projectId"})
			return
		}
		filter.ProjectID = &id
	}

	limit, offset := pagination(c)

	requests, total, err := h.service.ListRequests(c.Request.Context(), filter, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   requests,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// ListPendingForApprover lists requests awaiting the current user's decision
// @Summary List requests where it is the caller's turn to decide
// @Tags Approvals
// @Produce json
// @Param limit query int false "Limit" default(20)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/approvals/pending [get]
func (h *ApprovalHandler) ListPendingForApprover(c *gin.Context) {
	userID, _, ok := h.currentUser(c)
	if !ok {
		return
	}

	limit, offset := pagination(c)

	requests, total, err := h.service.ListPendingForApprover(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   requests,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// ListMyRequests lists still-pending requests submitted by the current user
// @Summary List my pending submitted requests
// @Tags Approvals
// @Produce json
// @Param limit query int false "Limit" default(20)
// @Param offset query int false "Offset" default(0)
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/approvals/my-requests [get]
func (h *ApprovalHandler) ListMyRequests(c *gin.Context) {
	userID, _, ok := h.currentUser(c)
	if !ok {
		return
	}

	limit, offset := pagination(c)

	requests, total, err := h.service.ListPendingByRequester(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":   requests,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// GetRequestByEntity retrieves the approval request for a business entity
// @Summary Get approval request by entity
// @Tags Approvals
// @Produce json
// @Param entityType path string true "Entity Type"
// @Param entityId path string true "Entity ID"
// @Success 200 {object} models.ApprovalRequest
// @Router /api/v1/approvals/entity/{entityType}/{entityId} [get]
func (h *ApprovalHandler) GetRequestByEntity(c *gin.Context) {
	entityType := c.Param("entityType")
	entityID := c.Param("entityId")
	if entityType == "" || entityID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entityType and entityId are required"})
		return
	}

	request, err := h.service.GetRequestByEntity(c.Request.Context(), entityID, entityType)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, request)
}

// GetStats returns aggregate approval counts, served from the Redis cache
// when warm.
// @Summary Get approval statistics
// @Tags Approvals
// @Produce json
// @Success 200 {object} repository.RequestStats
// @Router /api/v1/approvals/stats [get]
func (h *ApprovalHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	if cached, err := h.statsCache.Get(ctx); err == nil && cached != nil {
		c.JSON(http.StatusOK, cached)
		return
	}

	stats, err := h.service.GetStats(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred"})
		return
	}

	if err := h.statsCache.Set(ctx, stats); err != nil {
		h.logger.WithError(err).Warn("Failed to cache stats")
	}

	c.JSON(http.StatusOK, stats)
}

// ApproveRequest approves an approval request
// @Summary Approve request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body map[string]string false "Comment"
// @Success 200 {object} models.ApprovalRequest
// @Router /api/v1/approvals/{id}/approve [post]
func (h *ApprovalHandler) ApproveRequest(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	userID, userName, ok := h.currentUser(c)
	if !ok {
		return
	}

	var body struct {
		Comment string `json:"comment"`
	}
	_ = c.ShouldBindJSON(&body)

	request, err := h.service.ApproveRequest(c.Request.Context(), id, userID, userName, body.Comment)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	h.writeAudit(c.Request.Context(), request, models.AuditEventApproved, userID, userName, models.StatusPending, request.Status, map[string]interface{}{
		"comment": body.Comment,
		"level":   request.CurrentApproverLevel,
	})
	h.publisher.PublishGranted(request, userID.String(), userName, body.Comment)
	h.invalidateStats(c.Request.Context())

	c.JSON(http.StatusOK, request)
}

// RejectRequest rejects an approval request
// @Summary Reject request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body map[string]string true "Reason"
// @Success 200 {object} models.ApprovalRequest
// @Router /api/v1/approvals/{id}/reject [post]
func (h *ApprovalHandler) RejectRequest(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	userID, userName, ok := h.currentUser(c)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required for rejection"})
		return
	}

	request, err := h.service.RejectRequest(c.Request.Context(), id, userID, userName, body.Reason)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	h.writeAudit(c.Request.Context(), request, models.AuditEventRejected, userID, userName, models.StatusPending, models.StatusRejected, map[string]interface{}{
		"reason": body.Reason,
	})
	h.publisher.PublishRejected(request, userID.String(), userName, body.Reason)
	h.invalidateStats(c.Request.Context())

	c.JSON(http.StatusOK, request)
}

// CancelRequest cancels a pending approval request
// @Summary Cancel request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} models.ApprovalRequest
// @Router /api/v1/approvals/{id} [delete]
func (h *ApprovalHandler) CancelRequest(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	userID, userName, ok := h.currentUser(c)
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	// Only the requester may withdraw their own request.
	existing, err := h.service.GetRequest(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}
	if existing.RequestedBy != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the requester can cancel the request"})
		return
	}

	request, err := h.service.CancelRequest(c.Request.Context(), id, userID, userName, body.Reason)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	h.writeAudit(c.Request.Context(), request, models.AuditEventCancelled, userID, userName, models.StatusPending, models.StatusCancelled, nil)
	h.publisher.PublishCancelled(request, userID.String(), userName)
	h.invalidateStats(c.Request.Context())

	c.JSON(http.StatusOK, request)
}

// AddComment appends an informational comment to a request's history
// @Summary Comment on a request
// @Tags Approvals
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param request body map[string]string true "Comment"
// @Success 200 {object} models.ApprovalRequest
// @Router /api/v1/approvals/{id}/comments [post]
func (h *ApprovalHandler) AddComment(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}
	userID, userName, ok := h.currentUser(c)
	if !ok {
		return
	}

	var body struct {
		Comment string `json:"comment" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "comment is required"})
		return
	}

	request, err := h.service.AddComment(c.Request.Context(), id, userID, userName, body.Comment)
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	h.writeAudit(c.Request.Context(), request, models.AuditEventCommented, userID, userName, "", "", map[string]interface{}{
		"comment": body.Comment,
	})
	h.publisher.PublishCommented(request, userID.String(), userName, body.Comment)

	c.JSON(http.StatusOK, request)
}

// GetAuditTrail retrieves the audit sink entries for a request
// @Summary Get request audit trail
// @Tags Approvals
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {array} models.ApprovalAuditLog
// @Router /api/v1/approvals/{id}/audit [get]
func (h *ApprovalHandler) GetAuditTrail(c *gin.Context) {
	id, ok := h.requestID(c)
	if !ok {
		return
	}

	logs, err := h.auditSink.GetAuditTrail(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An internal error occurred"})
		return
	}

	c.JSON(http.StatusOK, logs)
}

// --- Helpers ---

func (h *ApprovalHandler) requestID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *ApprovalHandler) currentUser(c *gin.Context) (uuid.UUID, string, bool) {
	userIDStr := c.GetString("user_id")
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return uuid.Nil, "", false
	}
	return userID, c.GetString("user_name"), true
}

// writeAudit records one audit sink entry. Failures are logged, never
// surfaced: the engine mutation already committed.
func (h *ApprovalHandler) writeAudit(ctx context.Context, request *models.ApprovalRequest, eventType string, actorID uuid.UUID, actorName, previousStatus, newStatus string, metadata map[string]interface{}) {
	var metadataJSON datatypes.JSON
	if metadata != nil {
		raw, _ := json.Marshal(metadata)
		metadataJSON = datatypes.JSON(raw)
	}

	entry := &models.ApprovalAuditLog{
		RequestID:      request.ID,
		EventType:      eventType,
		ActorID:        &actorID,
		ActorName:      actorName,
		PreviousStatus: previousStatus,
		NewStatus:      newStatus,
		Metadata:       metadataJSON,
	}

	if err := h.auditSink.CreateAuditLog(ctx, entry); err != nil {
		h.logger.WithError(err).WithField("requestId", request.ID).Error("Failed to write audit log")
	}
}

func (h *ApprovalHandler) invalidateStats(ctx context.Context) {
	if err := h.statsCache.Invalidate(ctx); err != nil {
		h.logger.WithError(err).Warn("Failed to invalidate stats cache")
	}
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, services.ErrNotAuthorizedApprover):
		return http.StatusForbidden
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

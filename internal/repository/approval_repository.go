package repository

import (
	"context"
	"errors"
	"time"

	"approval-engine/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict - record was modified by another request")
)

// RequestFilter holds the equality predicates supported by ListRequests.
// Zero values mean "no filter".
type RequestFilter struct {
	Type        string
	Status      string
	Priority    string
	RequestedBy *uuid.UUID
	ProjectID   *uuid.UUID
}

// RequestStats aggregates request counts by status and type.
type RequestStats struct {
	Total    int64            `json:"total"`
	Pending  int64            `json:"pending"`
	Approved int64            `json:"approved"`
	Rejected int64            `json:"rejected"`
	ByType   map[string]int64 `json:"byType"`
}

// ApprovalRepositoryInterface is the document store surface consumed by the
// approval engine: read-by-id, filtered reads, and an atomic conditional
// write keyed on the request's version.
type ApprovalRepositoryInterface interface {
	CreateRequest(ctx context.Context, request *models.ApprovalRequest) error
	GetRequestByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error)
	UpdateRequestWithVersion(ctx context.Context, request *models.ApprovalRequest) error
	ListRequests(ctx context.Context, filter RequestFilter, limit, offset int) ([]models.ApprovalRequest, int64, error)
	ListPendingForApprover(ctx context.Context, approverID uuid.UUID, limit, offset int) ([]models.ApprovalRequest, int64, error)
	ListPendingByRequester(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]models.ApprovalRequest, int64, error)
	GetRequestByEntity(ctx context.Context, entityID, entityType string) (*models.ApprovalRequest, error)
	GetRequestStats(ctx context.Context) (*RequestStats, error)
}

// AuditSink is the write-only audit collaborator. The engine never calls
// it; the handler layer composes engine call + audit write.
type AuditSink interface {
	CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error
	GetAuditTrail(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalAuditLog, error)
}

// ApprovalRepository handles database operations for approval requests
type ApprovalRepository struct {
	db *gorm.DB
}

// NewApprovalRepository creates a new ApprovalRepository
func NewApprovalRepository(db *gorm.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

var _ ApprovalRepositoryInterface = (*ApprovalRepository)(nil)
var _ AuditSink = (*ApprovalRepository)(nil)

// --- Request Methods ---

// CreateRequest creates a new approval request
func (r *ApprovalRepository) CreateRequest(ctx context.Context, request *models.ApprovalRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

// GetRequestByID retrieves a request by ID
func (r *ApprovalRepository) GetRequestByID(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&request).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &request, nil
}

// UpdateRequestWithVersion applies the request's mutable fields with
// optimistic locking. The write only lands if the stored version still
// matches the version the request was read at; otherwise ErrVersionConflict
// is returned and nothing is modified. Slot state, history, level and
// status travel in the same conditional write, so a lost race can never
// leave a partial transition behind.
func (r *ApprovalRepository) UpdateRequestWithVersion(ctx context.Context, request *models.ApprovalRequest) error {
	oldVersion := request.Version
	now := time.Now()

	result := r.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("id = ? AND version = ?", request.ID, oldVersion).
		Updates(map[string]interface{}{
			"status":                 request.Status,
			"current_approver_level": request.CurrentApproverLevel,
			"approvers":              request.Approvers,
			"approval_history":       request.ApprovalHistory,
			"completed_approver_ids": request.CompletedApproverIDs,
			"version":                oldVersion + 1,
			"updated_at":             now,
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}

	request.Version = oldVersion + 1
	request.UpdatedAt = now
	return nil
}

// ListRequests retrieves requests matching the filter, newest first
func (r *ApprovalRepository) ListRequests(ctx context.Context, filter RequestFilter, limit, offset int) ([]models.ApprovalRequest, int64, error) {
	var requests []models.ApprovalRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ApprovalRequest{})

	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Priority != "" {
		query = query.Where("priority = ?", filter.Priority)
	}
	if filter.RequestedBy != nil {
		query = query.Where("requested_by = ?", *filter.RequestedBy)
	}
	if filter.ProjectID != nil {
		query = query.Where("project_id = ?", *filter.ProjectID)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&requests).Error

	return requests, total, err
}

// ListPendingForApprover retrieves pending requests where it is the given
// user's turn: a slot with their id exists at the current approver level
// and is still undecided. Appearing at some other level does not qualify.
func (r *ApprovalRepository) ListPendingForApprover(ctx context.Context, approverID uuid.UUID, limit, offset int) ([]models.ApprovalRequest, int64, error) {
	var requests []models.ApprovalRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("status = ?", models.StatusPending).
		Where(`EXISTS (
			SELECT 1 FROM jsonb_array_elements(approvers) AS slot
			WHERE slot->>'userId' = ?
			  AND (slot->>'level')::int = current_approver_level
			  AND slot->>'status' = ?
		)`, approverID.String(), models.StatusPending)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&requests).Error

	return requests, total, err
}

// ListPendingByRequester retrieves still-pending requests submitted by a user
func (r *ApprovalRepository) ListPendingByRequester(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]models.ApprovalRequest, int64, error) {
	var requests []models.ApprovalRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Where("requested_by = ? AND status = ?", requesterID, models.StatusPending)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&requests).Error

	return requests, total, err
}

// GetRequestByEntity retrieves the approval request for a business entity.
// One active approval per entity is a convention, not a constraint, so the
// newest match wins.
func (r *ApprovalRepository) GetRequestByEntity(ctx context.Context, entityID, entityType string) (*models.ApprovalRequest, error) {
	var request models.ApprovalRequest
	err := r.db.WithContext(ctx).
		Where("entity_id = ? AND entity_type = ?", entityID, entityType).
		Order("created_at DESC").
		First(&request).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &request, nil
}

// GetRequestStats aggregates counts by status and type in the database
// rather than scanning rows in the application.
func (r *ApprovalRepository) GetRequestStats(ctx context.Context) (*RequestStats, error) {
	type bucket struct {
		Key   string
		Count int64
	}

	var statusCounts []bucket
	err := r.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Select("status AS key, COUNT(*) AS count").
		Group("status").
		Scan(&statusCounts).Error
	if err != nil {
		return nil, err
	}

	var typeCounts []bucket
	err = r.db.WithContext(ctx).Model(&models.ApprovalRequest{}).
		Select("type AS key, COUNT(*) AS count").
		Group("type").
		Scan(&typeCounts).Error
	if err != nil {
		return nil, err
	}

	stats := &RequestStats{ByType: make(map[string]int64)}
	for _, b := range statusCounts {
		stats.Total += b.Count
		switch b.Key {
		case models.StatusPending:
			stats.Pending = b.Count
		case models.StatusApproved:
			stats.Approved = b.Count
		case models.StatusRejected:
			stats.Rejected = b.Count
		}
	}
	for _, b := range typeCounts {
		stats.ByType[b.Key] = b.Count
	}

	return stats, nil
}

// --- Audit Methods ---

// CreateAuditLog creates an audit log entry
func (r *ApprovalRepository) CreateAuditLog(ctx context.Context, log *models.ApprovalAuditLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// GetAuditTrail retrieves audit log entries for a request
func (r *ApprovalRepository) GetAuditTrail(ctx context.Context, requestID uuid.UUID) ([]models.ApprovalAuditLog, error) {
	var logs []models.ApprovalAuditLog
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"approval-engine/internal/models"
	"approval-engine/internal/repository"

	"github.com/google/uuid"
)

var (
	ErrRequestNotFound        = errors.New("approval request not found")
	ErrInvalidState           = errors.New("operation not valid for the request's current status")
	ErrNotAuthorizedApprover  = errors.New("user is not a pending approver at the current level")
	ErrValidation             = errors.New("validation failed")
	ErrConcurrentModification = errors.New("request was modified concurrently, retries exhausted")
)

// maxWriteAttempts bounds the read-then-conditional-write retry loop. A
// conflict means another decision landed between our read and write; the
// transition is re-applied against the fresh document.
const maxWriteAttempts = 3

// ApprovalService is the approval workflow engine. It owns every state
// transition of an approval request and performs each one as a single
// atomic conditional write against the backing store. It never logs and
// never writes the audit sink; both belong to the calling layer.
type ApprovalService struct {
	repo repository.ApprovalRepositoryInterface
}

// NewApprovalService creates a new ApprovalService
func NewApprovalService(repo repository.ApprovalRepositoryInterface) *ApprovalService {
	return &ApprovalService{repo: repo}
}

// ApproverInput names one approver slot at creation time.
type ApproverInput struct {
	UserID   uuid.UUID `json:"userId" binding:"required"`
	UserName string    `json:"userName"`
	Level    int       `json:"level" binding:"required"`
}

// CreateRequestInput represents input for creating an approval request
type CreateRequestInput struct {
	Type        string                 `json:"type" binding:"required"`
	EntityID    string                 `json:"entityId" binding:"required"`
	EntityType  string                 `json:"entityType" binding:"required"`
	EntityName  string                 `json:"entityName"`
	Description string                 `json:"description" binding:"required"`
	Approvers   []ApproverInput        `json:"approvers" binding:"required"`
	Priority    string                 `json:"priority,omitempty"`
	Amount      *float64               `json:"amount,omitempty"`
	Currency    string                 `json:"currency,omitempty"`
	ProjectID   *uuid.UUID             `json:"projectId,omitempty"`
	DueDate     *time.Time             `json:"dueDate,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

var validTypes = map[string]bool{
	models.TypeExpense:       true,
	models.TypePurchaseOrder: true,
	models.TypeLeave:         true,
	models.TypeDocument:      true,
	models.TypeProject:       true,
	models.TypeOther:         true,
}

var validPriorities = map[string]bool{
	models.PriorityLow:    true,
	models.PriorityMedium: true,
	models.PriorityHigh:   true,
	models.PriorityUrgent: true,
}

// CreateRequest creates a new approval request in pending status with a
// single "submitted" history entry. The approver slot list, levels and
// requester identity are immutable from here on.
func (s *ApprovalService) CreateRequest(ctx context.Context, requestedBy uuid.UUID, requestedByName string, input CreateRequestInput) (*models.ApprovalRequest, error) {
	if !validTypes[input.Type] {
		return nil, fmt.Errorf("%w: unknown request type %q", ErrValidation, input.Type)
	}
	if strings.TrimSpace(input.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if input.EntityID == "" || input.EntityType == "" {
		return nil, fmt.Errorf("%w: entity reference is required", ErrValidation)
	}
	if requestedBy == uuid.Nil {
		return nil, fmt.Errorf("%w: requester identity is required", ErrValidation)
	}
	if len(input.Approvers) == 0 {
		return nil, fmt.Errorf("%w: at least one approver is required", ErrValidation)
	}
	for _, a := range input.Approvers {
		if a.UserID == uuid.Nil {
			return nil, fmt.Errorf("%w: approver userId is required", ErrValidation)
		}
		if a.Level <= 0 {
			return nil, fmt.Errorf("%w: approver level must be a positive integer", ErrValidation)
		}
	}

	priority := input.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	if !validPriorities[priority] {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrValidation, priority)
	}

	now := time.Now()

	slots := make([]models.ApproverSlot, 0, len(input.Approvers))
	for _, a := range input.Approvers {
		slots = append(slots, models.ApproverSlot{
			UserID:   a.UserID,
			UserName: a.UserName,
			Level:    a.Level,
			Status:   models.StatusPending,
		})
	}

	request := &models.ApprovalRequest{
		Type:            input.Type,
		EntityID:        input.EntityID,
		EntityType:      input.EntityType,
		EntityName:      input.EntityName,
		Description:     input.Description,
		RequestedBy:     requestedBy,
		RequestedByName: requestedByName,
		RequestedAt:     now,
		Status:          models.StatusPending,
		Priority:        priority,
		Amount:          input.Amount,
		Currency:        input.Currency,
		ProjectID:       input.ProjectID,
		DueDate:         input.DueDate,
		Metadata:        input.Metadata,
		Approvers:       slots,
		Version:         1,
	}
	request.CurrentApproverLevel = request.MinApproverLevel()
	request.ApprovalHistory = append(request.ApprovalHistory, models.HistoryEntry{
		Action:          models.ActionSubmitted,
		PerformedBy:     requestedBy,
		PerformedByName: requestedByName,
		PerformedAt:     now,
		NewStatus:       strPtr(models.StatusPending),
	})

	if err := s.repo.CreateRequest(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	return request, nil
}

// ApproveRequest records an approval from the given user. The user must
// hold an undecided slot at the request's current approver level. When the
// level becomes unanimously approved the request either advances to the
// next populated level or, at the highest level, resolves to approved.
func (s *ApprovalService) ApproveRequest(ctx context.Context, requestID uuid.UUID, approverID uuid.UUID, approverName string, comments string) (*models.ApprovalRequest, error) {
	return s.mutate(ctx, requestID, func(request *models.ApprovalRequest) error {
		if request.Status != models.StatusPending {
			return ErrInvalidState
		}

		idx := findPendingSlot(request, approverID)
		if idx < 0 {
			return ErrNotAuthorizedApprover
		}

		now := time.Now()
		request.Approvers[idx].Status = models.StatusApproved
		request.Approvers[idx].DecidedAt = &now
		request.Approvers[idx].Comments = optStr(comments)

		newStatus := models.StatusPending
		if request.LevelFullyApproved(request.CurrentApproverLevel) {
			if next := request.NextApproverLevel(request.CurrentApproverLevel); next != 0 {
				request.CurrentApproverLevel = next
			} else {
				newStatus = models.StatusApproved
			}
		}
		request.Status = newStatus

		appendHistory(request, models.HistoryEntry{
			Action:          models.ActionApproved,
			PerformedBy:     approverID,
			PerformedByName: approverName,
			PerformedAt:     now,
			Comments:        optStr(comments),
			PreviousStatus:  strPtr(models.StatusPending),
			NewStatus:       strPtr(newStatus),
		})
		return nil
	})
}

// RejectRequest records a rejection from the given user. A single
// rejection at any level terminates the whole request immediately; other
// pending approvers at the level are not consulted. The reason is required.
func (s *ApprovalService) RejectRequest(ctx context.Context, requestID uuid.UUID, rejecterID uuid.UUID, rejecterName string, reason string) (*models.ApprovalRequest, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}

	return s.mutate(ctx, requestID, func(request *models.ApprovalRequest) error {
		if request.Status != models.StatusPending {
			return ErrInvalidState
		}

		idx := findPendingSlot(request, rejecterID)
		if idx < 0 {
			return ErrNotAuthorizedApprover
		}

		now := time.Now()
		request.Approvers[idx].Status = models.StatusRejected
		request.Approvers[idx].DecidedAt = &now
		request.Approvers[idx].Comments = strPtr(reason)

		// currentApproverLevel is left where it was; the request is terminal.
		request.Status = models.StatusRejected

		appendHistory(request, models.HistoryEntry{
			Action:          models.ActionRejected,
			PerformedBy:     rejecterID,
			PerformedByName: rejecterName,
			PerformedAt:     now,
			Comments:        strPtr(reason),
			PreviousStatus:  strPtr(models.StatusPending),
			NewStatus:       strPtr(models.StatusRejected),
		})
		return nil
	})
}

// CancelRequest cancels a pending request. Approver slots are left
// untouched; only the status and history change.
func (s *ApprovalService) CancelRequest(ctx context.Context, requestID uuid.UUID, cancelledBy uuid.UUID, cancelledByName string, reason string) (*models.ApprovalRequest, error) {
	return s.mutate(ctx, requestID, func(request *models.ApprovalRequest) error {
		if request.Status != models.StatusPending {
			return ErrInvalidState
		}

		request.Status = models.StatusCancelled

		appendHistory(request, models.HistoryEntry{
			Action:          models.ActionCancelled,
			PerformedBy:     cancelledBy,
			PerformedByName: cancelledByName,
			PerformedAt:     time.Now(),
			Comments:        optStr(reason),
			PreviousStatus:  strPtr(models.StatusPending),
			NewStatus:       strPtr(models.StatusCancelled),
		})
		return nil
	})
}

// AddComment appends an informational history entry. Allowed in any
// status, including terminal ones; status, level and slots are unchanged.
func (s *ApprovalService) AddComment(ctx context.Context, requestID uuid.UUID, userID uuid.UUID, userName string, comment string) (*models.ApprovalRequest, error) {
	if strings.TrimSpace(comment) == "" {
		return nil, fmt.Errorf("%w: comment is required", ErrValidation)
	}

	return s.mutate(ctx, requestID, func(request *models.ApprovalRequest) error {
		appendHistory(request, models.HistoryEntry{
			Action:          models.ActionCommented,
			PerformedBy:     userID,
			PerformedByName: userName,
			PerformedAt:     time.Now(),
			Comments:        strPtr(comment),
		})
		return nil
	})
}

// --- Query Operations (read-only) ---

// GetRequest retrieves a request by ID
func (s *ApprovalService) GetRequest(ctx context.Context, requestID uuid.UUID) (*models.ApprovalRequest, error) {
	request, err := s.repo.GetRequestByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return request, nil
}

// ListRequests lists requests matching the filter, newest first
func (s *ApprovalService) ListRequests(ctx context.Context, filter repository.RequestFilter, limit, offset int) ([]models.ApprovalRequest, int64, error) {
	return s.repo.ListRequests(ctx, filter, limit, offset)
}

// ListPendingForApprover lists requests where it is the given user's turn
// to decide at the current level.
func (s *ApprovalService) ListPendingForApprover(ctx context.Context, approverID uuid.UUID, limit, offset int) ([]models.ApprovalRequest, int64, error) {
	return s.repo.ListPendingForApprover(ctx, approverID, limit, offset)
}

// ListPendingByRequester lists still-pending requests a user submitted
func (s *ApprovalService) ListPendingByRequester(ctx context.Context, requesterID uuid.UUID, limit, offset int) ([]models.ApprovalRequest, int64, error) {
	return s.repo.ListPendingByRequester(ctx, requesterID, limit, offset)
}

// GetRequestByEntity retrieves the approval request tracking a business entity
func (s *ApprovalService) GetRequestByEntity(ctx context.Context, entityID, entityType string) (*models.ApprovalRequest, error) {
	request, err := s.repo.GetRequestByEntity(ctx, entityID, entityType)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return request, nil
}

// GetStats returns aggregate request counts
func (s *ApprovalService) GetStats(ctx context.Context) (*repository.RequestStats, error) {
	return s.repo.GetRequestStats(ctx)
}

// --- Helpers ---

// mutate runs one read-guard-apply-write cycle with optimistic locking.
// On a version conflict the document is re-read and the transition
// re-applied against the fresh state, so concurrent decisions at the same
// level are merged rather than overwritten. Guard failures abort without
// writing anything.
func (s *ApprovalService) mutate(ctx context.Context, requestID uuid.UUID, apply func(*models.ApprovalRequest) error) (*models.ApprovalRequest, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		request, err := s.repo.GetRequestByID(ctx, requestID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrRequestNotFound
			}
			return nil, err
		}

		if err := apply(request); err != nil {
			return nil, err
		}
		request.CompletedApproverIDs = request.DecidedApproverIDs()

		err = s.repo.UpdateRequestWithVersion(ctx, request)
		if err == nil {
			return request, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, fmt.Errorf("failed to update request: %w", err)
		}
	}
	return nil, ErrConcurrentModification
}

// findPendingSlot returns the index of the undecided slot held by userID
// at the request's current approver level, or -1 when the user is not the
// pending approver whose turn it is.
func findPendingSlot(request *models.ApprovalRequest, userID uuid.UUID) int {
	for i, slot := range request.Approvers {
		if slot.UserID == userID &&
			slot.Level == request.CurrentApproverLevel &&
			slot.Status == models.StatusPending {
			return i
		}
	}
	return -1
}

func appendHistory(request *models.ApprovalRequest, entry models.HistoryEntry) {
	request.ApprovalHistory = append(request.ApprovalHistory, entry)
}

func strPtr(s string) *string {
	return &s
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

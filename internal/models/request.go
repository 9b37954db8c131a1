package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// ApprovalRequest tracks the approval lifecycle of a single business entity.
// The approver slot list and embedded history are stored as JSONB alongside
// the scalar columns so that every mutation is a single-row conditional write.
type ApprovalRequest struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Type    string    `gorm:"type:varchar(30);not null;index" json:"type"`
	Version int       `gorm:"not null;default:1" json:"version"` // Optimistic locking

	// Business entity under approval (immutable after creation)
	EntityID   string `gorm:"type:varchar(255);not null;index:idx_approval_requests_entity" json:"entityId"`
	EntityType string `gorm:"type:varchar(50);not null;index:idx_approval_requests_entity" json:"entityType"`
	EntityName string `gorm:"type:varchar(255);not null" json:"entityName"`

	Description string `gorm:"type:text;not null" json:"description"`

	// Requester identity, set once at creation
	RequestedBy     uuid.UUID `gorm:"type:uuid;not null;index" json:"requestedBy"`
	RequestedByName string    `gorm:"type:varchar(255)" json:"requestedByName"`
	RequestedAt     time.Time `gorm:"not null" json:"requestedAt"`

	Status   string `gorm:"type:varchar(30);not null;default:'pending';index" json:"status"`
	Priority string `gorm:"type:varchar(20);not null;default:'medium'" json:"priority"`

	// Optional monetary context, opaque to the engine
	Amount   *float64 `json:"amount,omitempty"`
	Currency string   `gorm:"type:varchar(10)" json:"currency,omitempty"`

	ProjectID *uuid.UUID `gorm:"type:uuid;index" json:"projectId,omitempty"`

	// Approval chain tracking
	Approvers            datatypes.JSONSlice[ApproverSlot] `gorm:"type:jsonb;not null" json:"approvers"`
	CurrentApproverLevel int                               `gorm:"not null;default:1" json:"currentApproverLevel"`
	CompletedApproverIDs pq.StringArray                    `gorm:"type:uuid[]" json:"completedApproverIds"`

	// Append-only audit trail embedded in the request itself
	ApprovalHistory datatypes.JSONSlice[HistoryEntry] `gorm:"type:jsonb;not null" json:"approvalHistory"`

	DueDate  *time.Time        `json:"dueDate,omitempty"`
	Metadata datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

// TableName returns the table name for ApprovalRequest
func (ApprovalRequest) TableName() string {
	return "approval_requests"
}

// ApproverSlot records one (user, level) pairing and that user's decision.
// Slot membership and level assignments never change after creation.
type ApproverSlot struct {
	UserID    uuid.UUID  `json:"userId"`
	UserName  string     `json:"userName"`
	Level     int        `json:"level"`
	Status    string     `json:"status"` // pending, approved, rejected
	DecidedAt *time.Time `json:"decidedAt"`
	Comments  *string    `json:"comments"`
}

// ApprovalStatus constants. StatusEscalated is reserved in the persisted
// shape; no transition currently produces it.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusCancelled = "cancelled"
	StatusEscalated = "escalated"
)

// Priority constants
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Request type constants (classification only, no behavioral effect)
const (
	TypeExpense       = "expense"
	TypePurchaseOrder = "purchase_order"
	TypeLeave         = "leave"
	TypeDocument      = "document"
	TypeProject       = "project"
	TypeOther         = "other"
)

// IsTerminal returns true if the status is a terminal state
func (r *ApprovalRequest) IsTerminal() bool {
	return r.Status == StatusApproved ||
		r.Status == StatusRejected ||
		r.Status == StatusCancelled
}

// MinApproverLevel returns the lowest level present among the approver
// slots, or 1 when the list is empty.
func (r *ApprovalRequest) MinApproverLevel() int {
	min := 0
	for _, slot := range r.Approvers {
		if min == 0 || slot.Level < min {
			min = slot.Level
		}
	}
	if min == 0 {
		return 1
	}
	return min
}

// MaxApproverLevel returns the highest level present among the approver slots.
func (r *ApprovalRequest) MaxApproverLevel() int {
	max := 0
	for _, slot := range r.Approvers {
		if slot.Level > max {
			max = slot.Level
		}
	}
	return max
}

// NextApproverLevel returns the smallest level strictly greater than the
// given level that has at least one approver slot, or 0 if none exists.
// Levels need not be contiguous.
func (r *ApprovalRequest) NextApproverLevel(after int) int {
	next := 0
	for _, slot := range r.Approvers {
		if slot.Level > after && (next == 0 || slot.Level < next) {
			next = slot.Level
		}
	}
	return next
}

// LevelFullyApproved reports whether every slot at the given level has
// been approved.
func (r *ApprovalRequest) LevelFullyApproved(level int) bool {
	for _, slot := range r.Approvers {
		if slot.Level == level && slot.Status != StatusApproved {
			return false
		}
	}
	return true
}

// DecidedApproverIDs returns the ids of all approvers whose slot has been
// decided, in slot order. Persisted denormalized for query convenience.
func (r *ApprovalRequest) DecidedApproverIDs() pq.StringArray {
	var ids pq.StringArray
	for _, slot := range r.Approvers {
		if slot.Status != StatusPending {
			ids = append(ids, slot.UserID.String())
		}
	}
	return ids
}

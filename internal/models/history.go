package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// HistoryEntry is one immutable record in a request's embedded audit trail.
// Entries are only ever appended, never mutated or truncated.
type HistoryEntry struct {
	Action          string    `json:"action"` // submitted, approved, rejected, cancelled, commented
	PerformedBy     uuid.UUID `json:"performedBy"`
	PerformedByName string    `json:"performedByName"`
	PerformedAt     time.Time `json:"performedAt"`
	Comments        *string   `json:"comments"`
	PreviousStatus  *string   `json:"previousStatus"`
	NewStatus       *string   `json:"newStatus"`
}

// History action constants
const (
	ActionSubmitted = "submitted"
	ActionApproved  = "approved"
	ActionRejected  = "rejected"
	ActionCancelled = "cancelled"
	ActionCommented = "commented"
)

// ApprovalAuditLog is the write-only audit sink row. It is written by the
// handler layer after every state-changing engine call, never by the engine.
type ApprovalAuditLog struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	RequestID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"requestId"`
	EventType      string         `gorm:"type:varchar(50);not null;index" json:"eventType"`
	ActorID        *uuid.UUID     `gorm:"type:uuid" json:"actorId,omitempty"`
	ActorName      string         `gorm:"type:varchar(255)" json:"actorName,omitempty"`
	PreviousStatus string         `gorm:"type:varchar(30)" json:"previousStatus,omitempty"`
	NewStatus      string         `gorm:"type:varchar(30)" json:"newStatus,omitempty"`
	Metadata       datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName returns the table name for ApprovalAuditLog
func (ApprovalAuditLog) TableName() string {
	return "approval_audit_log"
}

// AuditEventType constants
const (
	AuditEventCreated   = "created"
	AuditEventApproved  = "approved"
	AuditEventRejected  = "rejected"
	AuditEventCancelled = "cancelled"
	AuditEventCommented = "commented"
)

package models

import "time"

type AuditAction string

const (
	AuditActionCreate   AuditAction = "create"
	AuditActionUpdate   AuditAction = "update"
	AuditActionRestock  AuditAction = "restock"
	AuditActionTransfer AuditAction = "transfer"
	AuditActionAdjust   AuditAction = "adjust"
	AuditActionCheckout AuditAction = "checkout"
)

type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

const (
	ResourceProduct        = "product"
	ResourceDailyOperation = "daily_operation"
)

// AuditEvent is an append-only record of a mutating action. Rows are never
// updated; EventID makes re-inserting a retried batch harmless.
type AuditEvent struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	EventID      string        `gorm:"size:36;not null;uniqueIndex" json:"event_id"`
	Action       AuditAction   `gorm:"size:20;not null" json:"action"`
	ResourceType string        `gorm:"size:50;not null;index" json:"resource_type"`
	ResourceID   string        `gorm:"size:80;not null;index" json:"resource_id"`
	Field        string        `gorm:"size:50" json:"field"`
	OldValue     string        `gorm:"size:255" json:"old_value"`
	NewValue     string        `gorm:"size:255" json:"new_value"`
	ActorID      string        `gorm:"size:36;index" json:"actor_id"`
	Severity     AuditSeverity `gorm:"size:10;not null" json:"severity"`
	Timestamp    time.Time     `gorm:"not null;index" json:"timestamp"`
	CreatedAt    time.Time     `json:"created_at"`
}

func (AuditEvent) TableName() string { return "audit_logs" }

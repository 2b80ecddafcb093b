package model

import (
	"time"

	"gorm.io/datatypes"
)

// WorkflowInstance represents one durable orchestration run
type WorkflowInstance struct {
	ID         string         `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	ParentID   *string        `gorm:"column:parent_id;type:varchar(36);index" json:"parentId"`
	Kind       string         `gorm:"column:kind;type:varchar(40);not null;index" json:"kind"`
	Input      datatypes.JSON `gorm:"column:input;type:json;not null" json:"input"`
	Status     string         `gorm:"column:status;type:varchar(20);not null;default:pending;index" json:"status"` // pending|running|completed|failed
	Result     datatypes.JSON `gorm:"column:result;type:json" json:"result"`
	LastError  *string        `gorm:"column:last_error;type:varchar(500)" json:"lastError"`
	ClaimedBy  string         `gorm:"column:claimed_by;type:varchar(64)" json:"claimedBy"`
	LeaseUntil *time.Time     `gorm:"column:lease_until;index" json:"leaseUntil"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for WorkflowInstance
func (WorkflowInstance) TableName() string {
	return "workflow_instances"
}

// WorkflowInstance status constants
const (
	WorkflowStatusPending   = "pending"
	WorkflowStatusRunning   = "running"
	WorkflowStatusCompleted = "completed"
	WorkflowStatusFailed    = "failed"
)

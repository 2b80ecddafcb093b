package model

import (
	"time"

	"gorm.io/datatypes"
)

// WorkflowEvent is one entry of the append-only progress feed
type WorkflowEvent struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string         `gorm:"column:instance_id;type:varchar(36);not null;index" json:"instanceId"`
	EventType  string         `gorm:"column:event_type;type:varchar(40);not null" json:"eventType"`
	Payload    datatypes.JSON `gorm:"column:payload;type:json" json:"payload"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

// TableName specifies the table name for WorkflowEvent
func (WorkflowEvent) TableName() string {
	return "workflow_events"
}

// WorkflowEvent type constants
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventStepCompleted     = "step_completed"
	EventStepFailed        = "step_failed"
)

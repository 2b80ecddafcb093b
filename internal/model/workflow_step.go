package model

import (
	"time"

	"gorm.io/datatypes"
)

// WorkflowStep is one record of the persisted step log. A completed
// step is never re-executed: replay returns its recorded result.
type WorkflowStep struct {
	ID         int            `gorm:"primaryKey;autoIncrement" json:"id"`
	InstanceID string         `gorm:"column:instance_id;type:varchar(36);not null;uniqueIndex:uk_instance_step,priority:1" json:"instanceId"`
	StepIndex  int            `gorm:"column:step_index;not null;uniqueIndex:uk_instance_step,priority:2" json:"stepIndex"`
	Name       string         `gorm:"column:name;type:varchar(80);not null" json:"name"`
	Kind       string         `gorm:"column:kind;type:varchar(20);not null" json:"kind"` // activity|timer|child
	InputHash  string         `gorm:"column:input_hash;type:char(64);not null" json:"inputHash"`
	Status     string         `gorm:"column:status;type:varchar(20);not null;default:running" json:"status"` // running|completed|failed
	Result     datatypes.JSON `gorm:"column:result;type:json" json:"result"`
	Attempts   int            `gorm:"not null;default:0" json:"attempts"`
	LastError  *string        `gorm:"column:last_error;type:varchar(500)" json:"lastError"`
	CreatedAt  time.Time      `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt  time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// TableName specifies the table name for WorkflowStep
func (WorkflowStep) TableName() string {
	return "workflow_steps"
}

// WorkflowStep status constants
const (
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// WorkflowStep kind constants
const (
	StepKindActivity = "activity"
	StepKindTimer    = "timer"
	StepKindChild    = "child"
)

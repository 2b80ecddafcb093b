package workflow

import (
	"fmt"
	"time"

	"go_certops/internal/model"

	"gorm.io/gorm"
)

// Store persists workflow instances and their step logs. The engine
// only ever talks to this interface; Service is the MySQL-backed
// implementation and MemoryStore backs tests.
type Store interface {
	CreateInstance(inst *model.WorkflowInstance) error
	GetInstance(id string) (*model.WorkflowInstance, error)
	ListInstances(status, kind string, page, pageSize int) ([]model.WorkflowInstance, int64, error)
	ClaimDue(workerID string, limit int, lease time.Duration) ([]model.WorkflowInstance, error)
	RenewLease(id string, lease time.Duration) error
	CompleteInstance(id string, result []byte) error
	FailInstance(id string, lastError string) error

	GetStep(instanceID string, stepIndex int) (*model.WorkflowStep, error)
	ListSteps(instanceID string) ([]model.WorkflowStep, error)
	BeginStep(step *model.WorkflowStep) error
	CompleteStep(instanceID string, stepIndex int, result []byte, attempts int) error
	FailStep(instanceID string, stepIndex int, lastError string, attempts int) error
}

// Service provides workflow database operations
type Service struct {
	db *gorm.DB
}

// NewService creates a new workflow service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// CreateInstance persists a new workflow instance
func (s *Service) CreateInstance(inst *model.WorkflowInstance) error {
	return s.db.Create(inst).Error
}

// GetInstance returns a workflow instance by id
func (s *Service) GetInstance(id string) (*model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	err := s.db.Where("id = ?", id).First(&inst).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances returns a paginated list of workflow instances
func (s *Service) ListInstances(status, kind string, page, pageSize int) ([]model.WorkflowInstance, int64, error) {
	var instances []model.WorkflowInstance
	var total int64

	query := s.db.Model(&model.WorkflowInstance{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if kind != "" {
		query = query.Where("kind = ?", kind)
	}

	// Count total
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	// Get paginated results
	offset := (page - 1) * pageSize
	if err := query.Order("created_at DESC").Offset(offset).Limit(pageSize).Find(&instances).Error; err != nil {
		return nil, 0, err
	}

	return instances, total, nil
}

// ClaimDue claims up to limit runnable root instances for workerID:
// pending ones, plus running ones whose lease expired (crash recovery).
// Child instances are executed inline by their parent and never claimed.
// Claiming uses an optimistic conditional UPDATE so two workers cannot
// both own one instance.
func (s *Service) ClaimDue(workerID string, limit int, lease time.Duration) ([]model.WorkflowInstance, error) {
	now := time.Now()

	var candidates []model.WorkflowInstance
	err := s.db.
		Where("parent_id IS NULL").
		Where("status = ? OR (status = ? AND lease_until < ?)",
			model.WorkflowStatusPending, model.WorkflowStatusRunning, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	var claimed []model.WorkflowInstance
	for _, inst := range candidates {
		result := s.db.
			Model(&model.WorkflowInstance{}).
			Where("id = ?", inst.ID).
			Where("status = ? OR (status = ? AND lease_until < ?)",
				model.WorkflowStatusPending, model.WorkflowStatusRunning, now).
			Updates(map[string]interface{}{
				"status":      model.WorkflowStatusRunning,
				"claimed_by":  workerID,
				"lease_until": now.Add(lease),
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Another worker claimed it first
			continue
		}
		inst.Status = model.WorkflowStatusRunning
		inst.ClaimedBy = workerID
		claimed = append(claimed, inst)
	}

	return claimed, nil
}

// RenewLease extends the claim on a running instance
func (s *Service) RenewLease(id string, lease time.Duration) error {
	return s.db.
		Model(&model.WorkflowInstance{}).
		Where("id = ?", id).
		Update("lease_until", time.Now().Add(lease)).Error
}

// CompleteInstance marks an instance completed with its result. The
// first terminal outcome wins: an instance another worker already
// finished is left untouched.
func (s *Service) CompleteInstance(id string, result []byte) error {
	return s.db.
		Model(&model.WorkflowInstance{}).
		Where("id = ? AND status IN ?", id,
			[]string{model.WorkflowStatusPending, model.WorkflowStatusRunning}).
		Updates(map[string]interface{}{
			"status":     model.WorkflowStatusCompleted,
			"result":     result,
			"last_error": nil,
		}).Error
}

// FailInstance marks an instance failed with a truncated error. Like
// CompleteInstance it never overwrites a terminal status.
func (s *Service) FailInstance(id string, lastError string) error {
	msg := truncateError(lastError)
	return s.db.
		Model(&model.WorkflowInstance{}).
		Where("id = ? AND status IN ?", id,
			[]string{model.WorkflowStatusPending, model.WorkflowStatusRunning}).
		Updates(map[string]interface{}{
			"status":     model.WorkflowStatusFailed,
			"last_error": msg,
		}).Error
}

// GetStep returns one step record, or nil if the step never ran
func (s *Service) GetStep(instanceID string, stepIndex int) (*model.WorkflowStep, error) {
	var step model.WorkflowStep
	err := s.db.
		Where("instance_id = ? AND step_index = ?", instanceID, stepIndex).
		First(&step).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// ListSteps returns all step records of an instance in schedule order
func (s *Service) ListSteps(instanceID string) ([]model.WorkflowStep, error) {
	var steps []model.WorkflowStep
	err := s.db.
		Where("instance_id = ?", instanceID).
		Order("step_index ASC").
		Find(&steps).Error
	return steps, err
}

// BeginStep persists a fresh running step record
func (s *Service) BeginStep(step *model.WorkflowStep) error {
	if err := s.db.Create(step).Error; err != nil {
		return fmt.Errorf("failed to create step record: %w", err)
	}
	return nil
}

// CompleteStep marks a running step completed with its result. A step
// another execution already finished keeps its first outcome.
func (s *Service) CompleteStep(instanceID string, stepIndex int, result []byte, attempts int) error {
	return s.db.
		Model(&model.WorkflowStep{}).
		Where("instance_id = ? AND step_index = ? AND status = ?",
			instanceID, stepIndex, model.StepStatusRunning).
		Updates(map[string]interface{}{
			"status":   model.StepStatusCompleted,
			"result":   result,
			"attempts": attempts,
		}).Error
}

// FailStep marks a running step failed with a truncated error. A step
// another execution already finished keeps its first outcome.
func (s *Service) FailStep(instanceID string, stepIndex int, lastError string, attempts int) error {
	msg := truncateError(lastError)
	return s.db.
		Model(&model.WorkflowStep{}).
		Where("instance_id = ? AND step_index = ? AND status = ?",
			instanceID, stepIndex, model.StepStatusRunning).
		Updates(map[string]interface{}{
			"status":     model.StepStatusFailed,
			"last_error": msg,
			"attempts":   attempts,
		}).Error
}

// truncateError bounds error text to the last_error column width
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}

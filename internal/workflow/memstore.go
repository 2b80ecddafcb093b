package workflow

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go_certops/internal/model"
)

// MemoryStore is an in-memory Store for tests and single-process
// development runs. It mirrors Service semantics, including the
// optimistic claim behavior.
type MemoryStore struct {
	mu        sync.Mutex
	instances map[string]*model.WorkflowInstance
	steps     map[string]map[int]*model.WorkflowStep
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*model.WorkflowInstance),
		steps:     make(map[string]map[int]*model.WorkflowStep),
	}
}

// CreateInstance persists a new workflow instance
func (s *MemoryStore) CreateInstance(inst *model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("instance %s already exists", inst.ID)
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

// GetInstance returns a workflow instance by id, or nil
func (s *MemoryStore) GetInstance(id string) (*model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	cp := *inst
	return &cp, nil
}

// ListInstances returns a paginated list of workflow instances
func (s *MemoryStore) ListInstances(status, kind string, page, pageSize int) ([]model.WorkflowInstance, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.WorkflowInstance
	for _, inst := range s.instances {
		if status != "" && inst.Status != status {
			continue
		}
		if kind != "" && inst.Kind != kind {
			continue
		}
		all = append(all, *inst)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	start := (page - 1) * pageSize
	if start < 0 {
		start = 0
	}
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

// ClaimDue claims runnable root instances, oldest first
func (s *MemoryStore) ClaimDue(workerID string, limit int, lease time.Duration) ([]model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*model.WorkflowInstance
	for _, inst := range s.instances {
		if inst.ParentID != nil {
			continue
		}
		expired := inst.LeaseUntil != nil && inst.LeaseUntil.Before(now)
		if inst.Status == model.WorkflowStatusPending ||
			(inst.Status == model.WorkflowStatusRunning && expired) {
			due = append(due, inst)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })

	var claimed []model.WorkflowInstance
	for _, inst := range due {
		if len(claimed) >= limit {
			break
		}
		until := now.Add(lease)
		inst.Status = model.WorkflowStatusRunning
		inst.ClaimedBy = workerID
		inst.LeaseUntil = &until
		claimed = append(claimed, *inst)
	}
	return claimed, nil
}

// RenewLease extends the claim on a running instance
func (s *MemoryStore) RenewLease(id string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	until := time.Now().Add(lease)
	inst.LeaseUntil = &until
	return nil
}

// CompleteInstance marks an instance completed with its result. The
// first terminal outcome wins, as in Service.
func (s *MemoryStore) CompleteInstance(id string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	switch inst.Status {
	case model.WorkflowStatusCompleted, model.WorkflowStatusFailed:
		return nil
	}
	inst.Status = model.WorkflowStatusCompleted
	inst.Result = append([]byte(nil), result...)
	inst.LastError = nil
	return nil
}

// FailInstance marks an instance failed. The first terminal outcome
// wins, as in Service.
func (s *MemoryStore) FailInstance(id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("instance %s not found", id)
	}
	switch inst.Status {
	case model.WorkflowStatusCompleted, model.WorkflowStatusFailed:
		return nil
	}
	msg := truncateError(lastError)
	inst.Status = model.WorkflowStatusFailed
	inst.LastError = &msg
	return nil
}

// GetStep returns one step record, or nil if the step never ran
func (s *MemoryStore) GetStep(instanceID string, stepIndex int) (*model.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[instanceID][stepIndex]
	if !ok {
		return nil, nil
	}
	cp := *step
	return &cp, nil
}

// ListSteps returns all step records of an instance in schedule order
func (s *MemoryStore) ListSteps(instanceID string) ([]model.WorkflowStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WorkflowStep
	for _, step := range s.steps[instanceID] {
		out = append(out, *step)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

// BeginStep persists a fresh running step record
func (s *MemoryStore) BeginStep(step *model.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[step.InstanceID] == nil {
		s.steps[step.InstanceID] = make(map[int]*model.WorkflowStep)
	}
	if _, ok := s.steps[step.InstanceID][step.StepIndex]; ok {
		return fmt.Errorf("step %d of instance %s already exists", step.StepIndex, step.InstanceID)
	}
	cp := *step
	s.steps[step.InstanceID][step.StepIndex] = &cp
	return nil
}

// CompleteStep marks a running step completed with its result. A step
// another execution already finished keeps its first outcome.
func (s *MemoryStore) CompleteStep(instanceID string, stepIndex int, result []byte, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[instanceID][stepIndex]
	if !ok {
		return fmt.Errorf("step %d of instance %s not found", stepIndex, instanceID)
	}
	if step.Status != model.StepStatusRunning {
		return nil
	}
	step.Status = model.StepStatusCompleted
	step.Result = append([]byte(nil), result...)
	step.Attempts = attempts
	return nil
}

// FailStep marks a running step failed. A step another execution
// already finished keeps its first outcome.
func (s *MemoryStore) FailStep(instanceID string, stepIndex int, lastError string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[instanceID][stepIndex]
	if !ok {
		return fmt.Errorf("step %d of instance %s not found", stepIndex, instanceID)
	}
	if step.Status != model.StepStatusRunning {
		return nil
	}
	msg := truncateError(lastError)
	step.Status = model.StepStatusFailed
	step.LastError = &msg
	step.Attempts = attempts
	return nil
}

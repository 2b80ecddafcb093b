package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"go_certops/internal/model"
)

// OrchestrationFunc is a registered workflow body. Bodies must be
// deterministic; every side effect goes through a Context step.
type OrchestrationFunc func(*Context) (any, error)

// ActivityFunc executes one side-effecting step. Implementations
// return FatalError (via Fatal or Fatalf) for failures that must not
// be retried; every other error is retried within the step policy.
type ActivityFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// EventSink receives workflow progress events
type EventSink interface {
	Publish(instanceID, eventType string, payload any)
}

// Sinks fans every event out to each sink in order
type Sinks []EventSink

// Publish implements EventSink
func (s Sinks) Publish(instanceID, eventType string, payload any) {
	for _, sink := range s {
		sink.Publish(instanceID, eventType, payload)
	}
}

// Engine executes registered workflows against the persisted step log
type Engine struct {
	store      Store
	workflows  map[string]OrchestrationFunc
	activities map[string]ActivityFunc
	events     EventSink
	logger     *logrus.Entry
	lease      time.Duration
}

// NewEngine creates an engine on the given store. logger and events
// may be nil.
func NewEngine(store Store, logger *logrus.Entry, events EventSink, lease time.Duration) *Engine {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &Engine{
		store:      store,
		workflows:  make(map[string]OrchestrationFunc),
		activities: make(map[string]ActivityFunc),
		events:     events,
		logger:     logger.WithField("component", "workflow"),
		lease:      lease,
	}
}

// RegisterWorkflow registers an orchestration body under a kind.
// Registration is not safe for concurrent use; wire everything up
// before starting workers.
func (e *Engine) RegisterWorkflow(kind string, fn OrchestrationFunc) {
	e.workflows[kind] = fn
}

// RegisterActivityFunc registers a raw activity under a name
func (e *Engine) RegisterActivityFunc(name string, fn ActivityFunc) {
	e.activities[name] = fn
}

// RegisterActivity registers a typed activity, wrapping JSON encoding
// of the input and result around fn.
func RegisterActivity[In, Out any](e *Engine, name string, fn func(context.Context, In) (Out, error)) {
	e.RegisterActivityFunc(name, func(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, Fatalf("decode input for activity %s: %v", name, err)
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, Fatalf("encode result of activity %s: %v", name, err)
		}
		return data, nil
	})
}

// Start persists a new root instance in pending state. A worker picks
// it up on its next claim cycle. The returned id identifies the
// instance for status queries and progress events.
func (e *Engine) Start(kind string, input any) (string, error) {
	if _, ok := e.workflows[kind]; !ok {
		return "", fmt.Errorf("unknown workflow kind %s", kind)
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode workflow input: %w", err)
	}
	inst := &model.WorkflowInstance{
		ID:     uuid.New().String(),
		Kind:   kind,
		Input:  datatypes.JSON(raw),
		Status: model.WorkflowStatusPending,
	}
	if err := e.store.CreateInstance(inst); err != nil {
		return "", err
	}
	e.publish(inst.ID, model.EventWorkflowStarted, map[string]string{"kind": kind})
	e.logger.WithFields(logrus.Fields{"instance": inst.ID, "workflow": kind}).Info("workflow started")
	return inst.ID, nil
}

// Execute runs a claimed instance until it completes, fails, or is
// interrupted. A background heartbeat renews the lease for as long as
// the execution is live, so slow steps, retry loops and timer sleeps
// never outlast the claim. Interrupted instances keep their running
// status and are re-claimed once the lease expires.
func (e *Engine) Execute(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(instanceID)
	if err != nil {
		return err
	}
	if inst == nil {
		return fmt.Errorf("instance %s not found", instanceID)
	}
	switch inst.Status {
	case model.WorkflowStatusCompleted, model.WorkflowStatusFailed:
		return nil
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx, inst.ID)

	result, err := e.run(ctx, inst)
	if err != nil {
		if interrupted(err) {
			e.logger.WithField("instance", inst.ID).Warnf("execution interrupted: %v", err)
			return err
		}
		if ferr := e.store.FailInstance(inst.ID, err.Error()); ferr != nil {
			e.logger.WithField("instance", inst.ID).Errorf("record workflow failure: %v", ferr)
		}
		e.publish(inst.ID, model.EventWorkflowFailed, map[string]string{"error": err.Error()})
		e.logger.WithFields(logrus.Fields{"instance": inst.ID, "workflow": inst.Kind}).
			Errorf("workflow failed: %v", err)
		return err
	}
	if cerr := e.store.CompleteInstance(inst.ID, result); cerr != nil {
		return cerr
	}
	e.publish(inst.ID, model.EventWorkflowCompleted, nil)
	e.logger.WithFields(logrus.Fields{"instance": inst.ID, "workflow": inst.Kind}).Info("workflow completed")
	return nil
}

// heartbeat extends the lease of the executing root instance until its
// context is canceled. Children run inline, so one heartbeat covers the
// whole tree.
func (e *Engine) heartbeat(ctx context.Context, instanceID string) {
	ticker := time.NewTicker(e.lease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.RenewLease(instanceID, e.lease); err != nil {
				e.logger.WithField("instance", instanceID).Warnf("renew lease: %v", err)
			}
		}
	}
}

// run executes the orchestration body of an instance
func (e *Engine) run(ctx context.Context, inst *model.WorkflowInstance) (json.RawMessage, error) {
	fn, ok := e.workflows[inst.Kind]
	if !ok {
		return nil, Fatalf("unknown workflow kind %s", inst.Kind)
	}
	c := &Context{ctx: ctx, engine: e, inst: inst}
	out, err := fn(c)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, Fatalf("encode workflow result: %v", err)
	}
	return raw, nil
}

// executeStep runs one scheduled step, consulting the step log first.
// A completed record short-circuits to its result, a failed record
// short-circuits to a fatal error, and a running record means the
// previous execution died mid-step, so the step runs again.
func (e *Engine) executeStep(ctx context.Context, c *Context, f *Future) (json.RawMessage, error) {
	inst := c.inst
	hash := hashInput(f.input)

	rec, err := e.store.GetStep(inst.ID, f.index)
	if err != nil {
		return nil, fmt.Errorf("load step %d: %w", f.index, err)
	}
	prevAttempts := 0
	if rec != nil {
		if rec.Name != f.name || rec.InputHash != hash {
			return nil, Fatalf("non-deterministic replay at step %d: recorded %s/%s, scheduled %s/%s",
				f.index, rec.Name, rec.InputHash[:8], f.name, hash[:8])
		}
		switch rec.Status {
		case model.StepStatusCompleted:
			return json.RawMessage(rec.Result), nil
		case model.StepStatusFailed:
			msg := "no error recorded"
			if rec.LastError != nil {
				msg = *rec.LastError
			}
			return nil, Fatalf("step %s failed in a previous execution: %s", f.name, msg)
		}
		prevAttempts = rec.Attempts
	} else {
		begin := &model.WorkflowStep{
			InstanceID: inst.ID,
			StepIndex:  f.index,
			Name:       f.name,
			Kind:       f.kind,
			InputHash:  hash,
			Status:     model.StepStatusRunning,
		}
		if err := e.store.BeginStep(begin); err != nil {
			return nil, fmt.Errorf("begin step %s: %w", f.name, err)
		}
	}

	var result json.RawMessage
	var attempts int
	if f.kind == model.StepKindChild {
		result, err = e.executeChild(ctx, c, f)
		attempts = prevAttempts + 1
	} else {
		result, attempts, err = e.executeActivity(ctx, f)
		attempts += prevAttempts
	}
	if err != nil {
		// An interrupted step keeps its running record so the next
		// execution retries it instead of replaying a failure.
		if interrupted(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("step %s interrupted: %w", f.name, err)
		}
		if serr := e.store.FailStep(inst.ID, f.index, err.Error(), attempts); serr != nil {
			e.logger.WithField("instance", inst.ID).Errorf("record step failure: %v", serr)
		}
		e.publish(inst.ID, model.EventStepFailed, map[string]any{
			"step": f.name, "index": f.index, "error": err.Error(),
		})
		return nil, fmt.Errorf("step %s: %w", f.name, err)
	}

	if serr := e.store.CompleteStep(inst.ID, f.index, result, attempts); serr != nil {
		return nil, fmt.Errorf("record step %s result: %w", f.name, serr)
	}
	e.publish(inst.ID, model.EventStepCompleted, map[string]any{"step": f.name, "index": f.index})
	return result, nil
}

// executeActivity dispatches to the registered activity with the step
// retry policy. Fatal errors stop the retry loop immediately.
func (e *Engine) executeActivity(ctx context.Context, f *Future) (json.RawMessage, int, error) {
	fn, ok := e.activities[f.name]
	if !ok {
		return nil, 0, Fatalf("unknown activity %s", f.name)
	}
	policy := f.policy.normalized()
	attempts := 0
	op := func() (json.RawMessage, error) {
		attempts++
		out, err := fn(ctx, f.input)
		if err != nil {
			if IsFatal(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return out, nil
	}
	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts)))
	return result, attempts, err
}

// childResult is the envelope recorded for a child workflow step
type childResult struct {
	InstanceID string          `json:"instanceId"`
	Result     json.RawMessage `json:"result"`
}

// executeChild creates the child instance if needed and runs it inline
// under the parent's lease. A child that already finished in a prior
// execution contributes its recorded outcome without running again.
func (e *Engine) executeChild(ctx context.Context, c *Context, f *Future) (json.RawMessage, error) {
	childID := childInstanceID(c.inst.ID, f.index)
	child, err := e.store.GetInstance(childID)
	if err != nil {
		return nil, fmt.Errorf("load child instance: %w", err)
	}
	if child == nil {
		child = &model.WorkflowInstance{
			ID:       childID,
			ParentID: &c.inst.ID,
			Kind:     f.childKind,
			Input:    datatypes.JSON(f.input),
			Status:   model.WorkflowStatusRunning,
		}
		if err := e.store.CreateInstance(child); err != nil {
			return nil, fmt.Errorf("create child instance: %w", err)
		}
		e.publish(childID, model.EventWorkflowStarted, map[string]string{"kind": f.childKind})
	}
	switch child.Status {
	case model.WorkflowStatusCompleted:
		return json.Marshal(childResult{InstanceID: childID, Result: json.RawMessage(child.Result)})
	case model.WorkflowStatusFailed:
		msg := "no error recorded"
		if child.LastError != nil {
			msg = *child.LastError
		}
		return nil, Fatalf("child workflow %s failed: %s", childID, msg)
	}

	result, err := e.run(ctx, child)
	if err != nil {
		if interrupted(err) || ctx.Err() != nil {
			return nil, err
		}
		if ferr := e.store.FailInstance(childID, err.Error()); ferr != nil {
			e.logger.WithField("instance", childID).Errorf("record child failure: %v", ferr)
		}
		e.publish(childID, model.EventWorkflowFailed, map[string]string{"error": err.Error()})
		return nil, err
	}
	if cerr := e.store.CompleteInstance(childID, result); cerr != nil {
		return nil, cerr
	}
	e.publish(childID, model.EventWorkflowCompleted, nil)
	return json.Marshal(childResult{InstanceID: childID, Result: result})
}

// executeTimer runs a durable timer step. Completed timers are skipped
// on replay; an interrupted timer keeps its running record and sleeps
// the full duration again on the next execution.
func (e *Engine) executeTimer(c *Context, index int, input json.RawMessage, d time.Duration) error {
	inst := c.inst
	hash := hashInput(input)

	rec, err := e.store.GetStep(inst.ID, index)
	if err != nil {
		return fmt.Errorf("load step %d: %w", index, err)
	}
	if rec != nil {
		if rec.Name != "sleep" || rec.InputHash != hash {
			return Fatalf("non-deterministic replay at step %d: recorded %s/%s, scheduled sleep/%s",
				index, rec.Name, rec.InputHash[:8], hash[:8])
		}
		if rec.Status == model.StepStatusCompleted {
			return nil
		}
	} else {
		begin := &model.WorkflowStep{
			InstanceID: inst.ID,
			StepIndex:  index,
			Name:       "sleep",
			Kind:       model.StepKindTimer,
			InputHash:  hash,
			Status:     model.StepStatusRunning,
		}
		if err := e.store.BeginStep(begin); err != nil {
			return fmt.Errorf("begin timer step: %w", err)
		}
	}

	select {
	case <-time.After(d):
	case <-c.ctx.Done():
		return fmt.Errorf("sleep interrupted: %w", c.ctx.Err())
	}
	if err := e.store.CompleteStep(inst.ID, index, nil, 1); err != nil {
		return fmt.Errorf("record timer step: %w", err)
	}
	return nil
}

func (e *Engine) publish(instanceID, eventType string, payload any) {
	if e.events == nil {
		return
	}
	e.events.Publish(instanceID, eventType, payload)
}

// childInstanceID derives a stable child id from the parent id and the
// step index, so replays resume rather than respawn
func childInstanceID(parentID string, stepIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(parentID+"/"+strconv.Itoa(stepIndex))).String()
}

func hashInput(input []byte) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

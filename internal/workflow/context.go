package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go_certops/internal/model"
)

// Context is handed to orchestration functions. It schedules steps
// against the persisted step log, so a re-executed instance replays
// recorded results instead of repeating side effects.
//
// Orchestration bodies must be deterministic: schedule steps in the
// same order on every execution and derive every decision from the
// workflow input and prior step results. StartStep, RunChild and
// Sleep must only be called from the orchestration goroutine.
type Context struct {
	ctx    context.Context
	engine *Engine
	inst   *model.WorkflowInstance
	next   int
}

// Future is a scheduled step. Its result becomes available once it has
// been passed through AwaitAll.
type Future struct {
	name      string
	index     int
	kind      string
	childKind string
	input     json.RawMessage
	policy    RetryPolicy

	result json.RawMessage
	err    error
}

// InstanceID returns the id of the executing instance
func (c *Context) InstanceID() string {
	return c.inst.ID
}

// Kind returns the workflow kind of the executing instance
func (c *Context) Kind() string {
	return c.inst.Kind
}

// ParentInstanceID returns the id of the parent instance, or the
// empty string for a root instance
func (c *Context) ParentInstanceID() string {
	if c.inst.ParentID == nil {
		return ""
	}
	return *c.inst.ParentID
}

// GetInput decodes the workflow input into out
func (c *Context) GetInput(out any) error {
	if err := json.Unmarshal(c.inst.Input, out); err != nil {
		return Fatalf("decode workflow input: %v", err)
	}
	return nil
}

// Logger returns a log entry scoped to this instance
func (c *Context) Logger() *logrus.Entry {
	return c.engine.logger.WithFields(logrus.Fields{
		"instance": c.inst.ID,
		"workflow": c.inst.Kind,
	})
}

// StartStep schedules an activity and returns its future. The activity
// does not run until the future is passed to AwaitAll.
func (c *Context) StartStep(name string, input any, policy RetryPolicy) *Future {
	f := &Future{
		name:   name,
		index:  c.next,
		kind:   model.StepKindActivity,
		policy: policy,
	}
	c.next++
	raw, err := json.Marshal(input)
	if err != nil {
		f.err = Fatalf("encode input for step %s: %v", name, err)
		return f
	}
	f.input = raw
	return f
}

// startChild schedules a child workflow and returns its future. The
// child instance id is derived from the parent id and the step index,
// so a replayed parent resumes the same child instead of spawning a
// new one.
func (c *Context) startChild(kind string, input any) *Future {
	f := &Future{
		name:      "child:" + kind,
		index:     c.next,
		kind:      model.StepKindChild,
		childKind: kind,
	}
	c.next++
	raw, err := json.Marshal(input)
	if err != nil {
		f.err = Fatalf("encode input for child %s: %v", kind, err)
		return f
	}
	f.input = raw
	return f
}

// AwaitAll executes the given futures in parallel and waits for every
// one of them. The first error cancels the retry loops of the
// remaining futures and is returned.
func (c *Context) AwaitAll(futures ...*Future) error {
	for _, f := range futures {
		if f.err != nil {
			return f.err
		}
	}
	g, gctx := errgroup.WithContext(c.ctx)
	for _, f := range futures {
		g.Go(func() error {
			f.result, f.err = c.engine.executeStep(gctx, c, f)
			return f.err
		})
	}
	return g.Wait()
}

// Step schedules an activity, waits for it, and decodes its result
// into out. out may be nil when the result is not needed.
func (c *Context) Step(name string, input, out any, policy RetryPolicy) error {
	f := c.StartStep(name, input, policy)
	if err := c.AwaitAll(f); err != nil {
		return err
	}
	return f.Get(out)
}

// RunChild starts a child workflow, waits for it to finish, and
// decodes the child result into out. Children run one at a time: the
// next child is scheduled only after the previous one reached a
// terminal state.
func (c *Context) RunChild(kind string, input, out any) error {
	f := c.startChild(kind, input)
	if err := c.AwaitAll(f); err != nil {
		return err
	}
	return f.Get(out)
}

// Sleep pauses the workflow as a durable timer step. A timer that
// already fired is skipped on replay; an interrupted timer restarts
// from the beginning on the next execution.
func (c *Context) Sleep(d time.Duration) error {
	index := c.next
	c.next++
	input, _ := json.Marshal(map[string]string{"duration": d.String()})
	return c.engine.executeTimer(c, index, input, d)
}

// Get decodes the step result into out. It must only be called after
// AwaitAll has returned.
func (f *Future) Get(out any) error {
	if f.err != nil {
		return f.err
	}
	raw := f.result
	if f.kind == model.StepKindChild {
		var env childResult
		if err := json.Unmarshal(f.result, &env); err != nil {
			return Fatalf("decode result of child %s: %v", f.childKind, err)
		}
		raw = env.Result
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return Fatalf("decode result of step %s: %v", f.name, err)
	}
	return nil
}

// Err returns the execution error of the future, if any
func (f *Future) Err() error {
	return f.err
}

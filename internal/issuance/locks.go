package issuance

import (
	"context"
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"

	"go_certops/internal/model"
	"go_certops/internal/workflow"
)

// ReleaseFunc drops a submission dedup lock if owner still holds it
type ReleaseFunc func(ctx context.Context, key, owner string) error

// LockReleaser frees the submission dedup lock of a site issuance as
// soon as its workflow reaches a terminal state. A failed issuance can
// then be resubmitted right away instead of waiting out the lock TTL;
// the TTL remains the backstop for runs whose terminal event was lost.
type LockReleaser struct {
	store   workflow.Store
	release ReleaseFunc
	logger  *logrus.Entry
}

// NewLockReleaser creates a releaser over the workflow store. logger
// may be nil.
func NewLockReleaser(store workflow.Store, release ReleaseFunc, logger *logrus.Entry) *LockReleaser {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &LockReleaser{
		store:   store,
		release: release,
		logger:  logger.WithField("component", "lock-releaser"),
	}
}

// Publish implements workflow.EventSink. Only terminal events of site
// issuances carry a lock; every other event is ignored. The lock is
// released under the instance id, which submitters assign to the lock
// once the workflow is started, so a lock re-acquired by a later
// submission is never dropped by a stale terminal event.
func (r *LockReleaser) Publish(instanceID, eventType string, payload any) {
	switch eventType {
	case model.EventWorkflowCompleted, model.EventWorkflowFailed:
	default:
		return
	}
	inst, err := r.store.GetInstance(instanceID)
	if err != nil || inst == nil {
		r.logger.Warnf("Load instance %s: %v", instanceID, err)
		return
	}
	if inst.Kind != WorkflowIssueCertificate {
		return
	}
	var req CertificateRequest
	if err := json.Unmarshal(inst.Input, &req); err != nil {
		r.logger.Warnf("Decode input of instance %s: %v", instanceID, err)
		return
	}
	// Validate normalizes the request the same way the submitter did, so
	// the lock key matches the one taken at submission.
	if err := req.Validate(); err != nil {
		return
	}
	if err := r.release(context.Background(), req.LockKey(), instanceID); err != nil {
		r.logger.Warnf("Release dedup lock of instance %s: %v", instanceID, err)
	}
}

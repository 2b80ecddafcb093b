package certificates

import (
	"context"
	"time"

	"go_certops/internal/cache"
	"go_certops/internal/httpx"
	"go_certops/internal/issuance"
	"go_certops/internal/workflow"

	"github.com/gin-gonic/gin"
)

// submitLockTTL bounds how long a submission suppresses duplicates if
// nothing else frees the lock. The workflow's terminal state normally
// releases it much earlier, so a failed issuance can be resubmitted
// immediately.
const submitLockTTL = 30 * time.Minute

// submitLockOwner marks a lock between acquisition and the handoff to
// the started workflow instance
const submitLockOwner = "api"

// Handler accepts certificate requests and hands them to the workflow
// engine. Handlers only validate and enqueue; they never wait for the
// issuance itself.
type Handler struct {
	engine *workflow.Engine

	// dedup lock plumbing; swapped in tests
	acquire func(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	assign  func(ctx context.Context, key, owner string) error
	release func(ctx context.Context, key, owner string) error
}

// NewHandler creates a new certificates handler
func NewHandler(engine *workflow.Engine) *Handler {
	return &Handler{
		engine:  engine,
		acquire: cache.AcquireLock,
		assign:  cache.AssignLockOwner,
		release: cache.ReleaseLock,
	}
}

// CreateResponse carries the instance id of the enqueued workflow.
// Progress is observed through GET /workflows/:id, never by blocking
// this call.
type CreateResponse struct {
	InstanceID string `json:"instanceId"`
}

// Create enqueues one certificate issuance for a site.
// POST /api/v1/certificates
func (h *Handler) Create(c *gin.Context) {
	var req issuance.CertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	key := req.LockKey()
	ok, err := h.acquire(c.Request.Context(), key, submitLockOwner, submitLockTTL)
	if err != nil {
		httpx.FailErr(c, httpx.ErrExternalError("dedup lock unavailable", err))
		return
	}
	if !ok {
		httpx.FailErr(c, httpx.ErrDuplicateRequest("an issuance for this site and domain set is already in flight"))
		return
	}

	id, err := h.engine.Start(issuance.WorkflowIssueCertificate, req)
	if err != nil {
		// Nothing is in flight, so the lock must not block a retry.
		_ = h.release(c.Request.Context(), key, submitLockOwner)
		httpx.FailErr(c, httpx.ErrInternalError("failed to start workflow", err))
		return
	}
	// Hand the lock to the instance; its terminal state releases it. If
	// the handoff fails the TTL still bounds the lock.
	_ = h.assign(c.Request.Context(), key, id)
	httpx.OK(c, CreateResponse{InstanceID: id})
}

// CreateZoneBatch enqueues one batch issuance: a certificate per bare
// domain, each covering the domain and its wildcard, without touching
// any site.
// POST /api/v1/certificates/zones
func (h *Handler) CreateZoneBatch(c *gin.Context) {
	var req issuance.ZoneBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	id, err := h.engine.Start(issuance.WorkflowIssueZoneBatch, req)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to start workflow", err))
		return
	}
	httpx.OK(c, CreateResponse{InstanceID: id})
}

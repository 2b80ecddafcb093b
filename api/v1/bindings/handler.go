package bindings

import (
	"go_certops/internal/httpx"
	"go_certops/internal/issuance"
	"go_certops/internal/workflow"

	"github.com/gin-gonic/gin"
)

// Handler accepts binding requests for already-installed certificates
type Handler struct {
	engine *workflow.Engine
}

// NewHandler creates a new bindings handler
func NewHandler(engine *workflow.Engine) *Handler {
	return &Handler{engine: engine}
}

// CreateResponse carries the instance id of the enqueued workflow
type CreateResponse struct {
	InstanceID string `json:"instanceId"`
}

// Create enqueues a binding workflow: look the certificate up by
// thumbprint and attach it to every listed site/domain target.
// POST /api/v1/bindings
func (h *Handler) Create(c *gin.Context) {
	var req issuance.BindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid request body"))
		return
	}
	if err := req.Validate(); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid(err.Error()))
		return
	}

	id, err := h.engine.Start(issuance.WorkflowBindCertificate, req)
	if err != nil {
		httpx.FailErr(c, httpx.ErrInternalError("failed to start workflow", err))
		return
	}
	httpx.OK(c, CreateResponse{InstanceID: id})
}

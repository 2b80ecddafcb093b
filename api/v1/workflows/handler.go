package workflows

import (
	"time"

	"go_certops/internal/httpx"
	"go_certops/internal/model"
	"go_certops/internal/workflow"

	"github.com/gin-gonic/gin"
)

// Handler serves workflow status queries. Submitting returns only an
// instance id; this is where callers observe what happened to it.
type Handler struct {
	store workflow.Store
}

// NewHandler creates a new workflows handler
func NewHandler(store workflow.Store) *Handler {
	return &Handler{store: store}
}

// ListRequest represents the list query parameters
type ListRequest struct {
	Page     int    `form:"page"`
	PageSize int    `form:"pageSize"`
	Status   string `form:"status"`
	Kind     string `form:"kind"`
}

// StepDTO is one step of an instance as reported to callers. Raw step
// results stay internal: finalization steps record key material that
// must never leave the step log.
type StepDTO struct {
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError *string   `json:"lastError,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DetailResponse is one instance with its ordered step log
type DetailResponse struct {
	Instance *model.WorkflowInstance `json:"instance"`
	Steps    []StepDTO               `json:"steps"`
}

// Get returns one instance with its step summaries.
// GET /api/v1/workflows/:id
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")
	inst, err := h.store.GetInstance(id)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query workflow", err))
		return
	}
	if inst == nil {
		httpx.FailErr(c, httpx.ErrNotFound("workflow not found"))
		return
	}

	steps, err := h.store.ListSteps(id)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query workflow steps", err))
		return
	}
	dtos := make([]StepDTO, 0, len(steps))
	for _, s := range steps {
		dtos = append(dtos, StepDTO{
			Index:     s.StepIndex,
			Name:      s.Name,
			Kind:      s.Kind,
			Status:    s.Status,
			Attempts:  s.Attempts,
			LastError: s.LastError,
			UpdatedAt: s.UpdatedAt,
		})
	}

	httpx.OK(c, DetailResponse{Instance: inst, Steps: dtos})
}

// List returns a paginated instance list, newest first.
// GET /api/v1/workflows
func (h *Handler) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		httpx.FailErr(c, httpx.ErrParamInvalid("invalid query parameters"))
		return
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.PageSize <= 0 {
		req.PageSize = 15
	}

	instances, total, err := h.store.ListInstances(req.Status, req.Kind, req.Page, req.PageSize)
	if err != nil {
		httpx.FailErr(c, httpx.ErrDatabaseError("failed to query workflows", err))
		return
	}
	httpx.OKItems(c, instances, total, req.Page, req.PageSize)
}

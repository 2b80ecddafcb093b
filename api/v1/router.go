package v1

import (
	"go_certops/api/v1/auth"
	"go_certops/api/v1/bindings"
	"go_certops/api/v1/certificates"
	"go_certops/api/v1/middleware"
	"go_certops/api/v1/workflows"
	"go_certops/internal/config"
	"go_certops/internal/httpx"
	"go_certops/internal/workflow"

	"github.com/gin-gonic/gin"
)

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, cfg *config.Config, engine *workflow.Engine, store workflow.Store) {
	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", auth.TokenHandler(cfg))
		}

		// Protected routes (authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/me", meHandler)

			// Certificate issuance routes
			certsHandler := certificates.NewHandler(engine)
			certsGroup := protected.Group("/certificates")
			{
				certsGroup.POST("", certsHandler.Create)
				certsGroup.POST("/zones", certsHandler.CreateZoneBatch)
			}

			// Binding routes
			bindingsHandler := bindings.NewHandler(engine)
			protected.POST("/bindings", bindingsHandler.Create)

			// Workflow status routes
			workflowsHandler := workflows.NewHandler(store)
			workflowsGroup := protected.Group("/workflows")
			{
				workflowsGroup.GET("", workflowsHandler.List)
				workflowsGroup.GET("/:id", workflowsHandler.Get)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns the calling service identity
func meHandler(c *gin.Context) {
	service, _ := c.Get("service")
	role, _ := c.Get("role")

	httpx.OK(c, gin.H{
		"service": service,
		"role":    role,
	})
}

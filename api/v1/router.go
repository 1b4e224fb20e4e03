package v1

import (
	"go_fiskal/api/v1/certificates"
	"go_fiskal/api/v1/fiscalrequests"
	"go_fiskal/api/v1/middleware"
	"go_fiskal/internal/cert"
	"go_fiskal/internal/httpx"
	"go_fiskal/internal/invoicing"
	"go_fiskal/internal/queue"

	"github.com/gin-gonic/gin"
)

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, certService *cert.Service, queueService *queue.Service, invoicingService *invoicing.Service) {
	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		// Protected routes (company-scoped token required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			// Certificate routes
			certHandler := certificates.NewHandler(certService)
			certGroup := protected.Group("/certificates")
			{
				certGroup.GET("", certHandler.List)
				certGroup.POST("", certHandler.Upload)
				certGroup.POST("/parse", certHandler.Parse)
				certGroup.POST("/:id/revoke", certHandler.Revoke)
				certGroup.POST("/:id/delete", certHandler.Delete)
			}

			// Fiscal request routes
			reqHandler := fiscalrequests.NewHandler(queueService, invoicingService)
			reqGroup := protected.Group("/fiscal-requests")
			{
				reqGroup.GET("", reqHandler.List)
				reqGroup.GET("/:id", reqHandler.Get)
				reqGroup.POST("/trigger", reqHandler.Trigger)
				reqGroup.POST("/verify", reqHandler.Verify)
				reqGroup.POST("/:id/retry", reqHandler.Retry)
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

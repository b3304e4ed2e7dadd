package admin

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/searchbroker/searchbroker/internal/auth"
)

// SetupRoutes mounts the admin surface under /admin behind basic auth, with
// CORS open for the dashboard.
func SetupRoutes(router *gin.Engine, handler *Handler, adminPassword string) {
	adminGroup := router.Group("/admin")
	adminGroup.Use(cors.Default())
	adminGroup.Use(auth.AdminAuthMiddleware(adminPassword))
	{
		keysGroup := adminGroup.Group("/keys")
		{
			keysGroup.GET("", handler.ListKeysHandler)
			keysGroup.POST("", handler.AddKeysHandler)
			keysGroup.DELETE("/:id", handler.keyTransitionHandler(handler.registry.DeleteKey))
			keysGroup.POST("/:id/restore", handler.keyTransitionHandler(handler.registry.RestoreKey))
			keysGroup.POST("/:id/disable", handler.keyTransitionHandler(handler.registry.DisableKey))
			keysGroup.POST("/:id/enable", handler.keyTransitionHandler(handler.registry.EnableKey))
			keysGroup.GET("/:id/secret", handler.RevealKeySecretHandler)
			keysGroup.POST("/:id/sync", handler.SyncKeyHandler)
		}

		tokensGroup := adminGroup.Group("/tokens")
		{
			tokensGroup.GET("", handler.ListTokensHandler)
			tokensGroup.POST("", handler.CreateTokensHandler)
			tokensGroup.PATCH("/:id", handler.UpdateTokenHandler)
			tokensGroup.DELETE("/:id", handler.DeleteTokenHandler)
			tokensGroup.POST("/:id/rotate", handler.RotateTokenHandler)
			tokensGroup.GET("/:id/secret", handler.RevealTokenSecretHandler)
			tokensGroup.GET("/:id/usage", handler.TokenUsageHandler)
		}

		adminGroup.GET("/logs", handler.ListLogsHandler)

		jobsGroup := adminGroup.Group("/jobs")
		{
			jobsGroup.GET("", handler.ListJobsHandler)
			jobsGroup.POST("", handler.EnqueueJobHandler)
			jobsGroup.GET("/:id", handler.GetJobHandler)
		}

		adminGroup.GET("/summary", handler.SummaryHandler)
		adminGroup.GET("/events", handler.EventsHandler)
	}
}

package api

import (
	"github.com/gin-gonic/gin"

	"github.com/sparkhq/spark-notify/internal/handlers"
)

func registerNotificationRoutes(api *gin.RouterGroup, handler *handlers.NotificationHandler) {
	group := api.Group("/notifications")
	{
		group.GET("", handler.List)
		group.POST("", handler.Create)
		group.PUT("/read-all", handler.MarkAllRead)
		group.PUT("/:id/read", handler.MarkRead)
		group.DELETE("/all", handler.DeleteAll)
		group.DELETE("/:id", handler.Delete)
	}
}

package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	iauth "github.com/sparkhq/spark-notify/internal/auth"
	"github.com/sparkhq/spark-notify/internal/handlers"
	"github.com/sparkhq/spark-notify/internal/hub"
	"github.com/sparkhq/spark-notify/internal/middleware"
)

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(db *gorm.DB, h *hub.Hub, jwt *iauth.JWTService) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if h == nil {
		return nil, fmt.Errorf("hub must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}

	r := gin.New()

	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler, err := handlers.NewAuthHandler(db, jwt)
	if err != nil {
		return nil, err
	}

	notificationHandler, err := handlers.NewNotificationHandler(db, h, jwt)
	if err != nil {
		return nil, err
	}

	// The websocket endpoint authenticates via token query parameter inside
	// the handler, so it sits outside the bearer-auth group.
	r.GET("/ws/notifications", notificationHandler.Stream)

	v1 := r.Group("/api/v1")

	v1.POST("/auth/login", authHandler.Login)

	registerNotificationRoutes(v1.Group("", middleware.Auth(jwt)), notificationHandler)

	return r, nil
}

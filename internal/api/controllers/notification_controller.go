package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/millpulse/backend/internal/services"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NotificationController upgrades clients to the notification websocket
type NotificationController struct {
	notificationService *services.NotificationService
	logger              *utils.Logger
}

// NewNotificationController creates a new notification controller
func NewNotificationController(notificationService *services.NotificationService, logger *utils.Logger) *NotificationController {
	return &NotificationController{
		notificationService: notificationService,
		logger:              logger.Named("notification_controller"),
	}
}

// RegisterRoutes registers the websocket route
func (c *NotificationController) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/ws", c.Connect)
}

// Connect upgrades the request. Clients then send {"action":"subscribe","topic":"mill:<mill>"}.
// @Summary Notification websocket
// @Tags notifications
// @Success 101
// @Router /ws [get]
func (c *NotificationController) Connect(ctx *gin.Context) {
	conn, err := upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		// Upgrade has already written the error response
		c.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	client := c.notificationService.RegisterClient(conn)
	c.logger.Debug("Websocket client connected", zap.String("client_id", client.ID))
}

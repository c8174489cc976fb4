package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/millpulse/backend/internal/api/controllers"
	"github.com/millpulse/backend/internal/api/middleware"
	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/services"
	"github.com/millpulse/backend/internal/utils"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Router manages the API routes and controllers
type Router struct {
	engine                 *gin.Engine
	logger                 *utils.Logger
	config                 *config.Config
	serviceProvider        *services.ServiceProvider
	apiV1                  *gin.RouterGroup
	analyticsController    *controllers.AnalyticsController
	eventController        *controllers.EventController
	notificationController *controllers.NotificationController
}

// NewRouter creates a new Router instance
func NewRouter(
	config *config.Config,
	logger *utils.Logger,
	serviceProvider *services.ServiceProvider,
) *Router {
	// Set Gin mode based on environment
	switch {
	case config.Server.IsProduction():
		gin.SetMode(gin.ReleaseMode)
	case config.Server.IsTest():
		gin.SetMode(gin.TestMode)
	}

	engine := gin.New()

	engine.Use(gin.Recovery())
	engine.Use(middleware.LoggingMiddleware(logger.Named("http")))
	engine.Use(middleware.MetricsMiddleware(serviceProvider.GetStats()))

	// Configure CORS
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Content-Type", "Origin"}
	corsConfig.ExposeHeaders = []string{"Content-Disposition"}
	engine.Use(cors.New(corsConfig))

	return &Router{
		engine:          engine,
		logger:          logger.Named("router"),
		config:          config,
		serviceProvider: serviceProvider,
	}
}

// SetupRoutes configures all API routes
func (r *Router) SetupRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.engine.GET("/metrics", gin.WrapH(r.serviceProvider.GetStats().Handler()))

	// API version group - all main API routes are under /api/v1
	r.apiV1 = r.engine.Group("/api/v1")

	r.analyticsController = controllers.NewAnalyticsController(r.serviceProvider.GetAnalyticsService(), r.logger)
	r.eventController = controllers.NewEventController(
		r.serviceProvider.GetIngestService(),
		r.serviceProvider.GetEventRepository(),
		r.logger,
	)
	r.notificationController = controllers.NewNotificationController(r.serviceProvider.GetNotificationService(), r.logger)

	r.analyticsController.RegisterRoutes(r.apiV1.Group("/analytics"))
	r.eventController.RegisterRoutes(r.apiV1)
	r.notificationController.RegisterRoutes(r.apiV1)

	// Add Swagger documentation if not in production
	if !r.config.Server.IsProduction() {
		r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	r.logger.Info("API routes setup completed")
}

// GetEngine returns the Gin engine
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}

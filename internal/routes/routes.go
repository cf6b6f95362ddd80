// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rtu-gateway/internal/channel"
	"rtu-gateway/internal/config"
	"rtu-gateway/internal/handler"
	"rtu-gateway/internal/middleware"
	"rtu-gateway/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config   *config.Config
	logger   *zap.Logger
	registry *channel.Registry

	health    *handler.HealthHandler
	websocket *handler.WebSocketHandler
}

// NewRouter creates a new router instance
func NewRouter(config *config.Config, logger *zap.Logger, registry *channel.Registry) *Router {
	return &Router{
		config:    config,
		logger:    logger,
		registry:  registry,
		health:    handler.NewHealthHandler(registry, config, logger),
		websocket: handler.NewWebSocketHandler(registry, config.Server.AllowedOrigins, logger),
	}
}

// Health exposes the health handler so the caller can flip readiness
func (r *Router) Health() *handler.HealthHandler { return r.health }

// WebSocket exposes the websocket handler so the caller can run its event
// forwarder
func (r *Router) WebSocket() *handler.WebSocketHandler { return r.websocket }

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else if r.config.IsDebugEnabled() {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)

	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	router.Use(middleware.CORSMiddleware(&r.config.Server))

	r.logger.Debug("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	channelHandler := handler.NewChannelHandler(r.registry, r.logger)

	r.addHealthRoutes(router)

	apiV1 := router.Group("/api/v1")
	r.addChannelRoutes(apiV1, channelHandler)
	apiV1.GET("/ports", channelHandler.ListSerialPorts)
	apiV1.GET("/usb-devices", channelHandler.ListUSBDevices)
	apiV1.GET("/websocket/stats", func(c *gin.Context) {
		utils.SuccessResponse(c, http.StatusOK, "WebSocket statistics", r.websocket.GetConnectionStats())
	})

	r.addWebSocketRoutes(router)

	r.logger.Debug("All routes configured")
}

// addHealthRoutes sets up health check routes
func (r *Router) addHealthRoutes(router *gin.Engine) {
	health := router.Group("")
	{
		health.GET("/health", r.health.HealthCheck)
		health.GET("/ready", r.health.ReadinessCheck)
		health.GET("/live", r.health.LivenessCheck)
	}
}

// addChannelRoutes sets up channel management and frame I/O routes
func (r *Router) addChannelRoutes(api *gin.RouterGroup, h *handler.ChannelHandler) {
	channels := api.Group("/channels")
	{
		channels.GET("", h.ListChannels)
		channels.POST("", h.OpenChannel)

		ch := channels.Group("/:id")
		{
			ch.GET("", h.GetChannel)
			ch.DELETE("", h.CloseChannel)
			ch.POST("/frames", h.SendFrame)
			ch.POST("/meter", h.SendMeterFrame)
			ch.POST("/header", h.SendHeaderFrame)
			ch.POST("/requests", h.SendConfirmedRequest)
		}
	}
}

// addWebSocketRoutes sets up WebSocket routes
func (r *Router) addWebSocketRoutes(router *gin.Engine) {
	ws := router.Group("/ws")
	{
		ws.GET("/events", r.websocket.HandleEventConnection)
		ws.GET("/channels/:id", r.websocket.HandleChannelConnection)
	}
}

package handlers

import (
	"mcm_daemon/internal/logger"
	"mcm_daemon/internal/service"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	log      *logger.Logger
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger) *Handler {
	return &Handler{services: services, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/health", h.health)

	auth := router.Group("/auth")
	{
		auth.POST("/sign-in", h.signIn)
	}

	api := router.Group("/api/v1", h.subjectMiddleware)
	{
		fan := api.Group("/fan")
		{
			fan.GET("/state", h.getState)
			// Body example: {"mode":"on"}
			fan.POST("/mode", h.setMode)
		}
		// Body example: {"command":"GetTemperature"}
		api.POST("/command", h.runCommand)
	}

	// state stream on the same port; token via Authorization header or ?token=
	router.GET("/ws", h.subjectMiddleware, h.wsConnect)

	return router
}

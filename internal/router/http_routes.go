package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httphandler "github.com/zerozero/octolab/internal/interface/http"
	"github.com/zerozero/octolab/internal/router/middleware"
	"github.com/zerozero/octolab/pkg/logger"
)

const healthPingTimeout = 2 * time.Second

// RegisterHTTPRoutes sets up all HTTP/REST API routes
func RegisterHTTPRoutes(router *gin.Engine, deps *Dependencies) {
	// Health check and metrics endpoints (no auth required)
	router.GET("/health", healthCheckHandler(deps))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API routes with authentication
	api := router.Group("/api")
	api.Use(deps.Auth.Middleware())
	{
		// Lab routes
		registerLabRoutes(api, deps)
	}
}

// healthCheckHandler returns server health status
func healthCheckHandler(deps *Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.DB != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
			defer cancel()
			if err := deps.DB.Ping(ctx); err != nil {
				deps.Logger.Warn("Health check failed", logger.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"time":   time.Now(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now(),
		})
	}
}

// registerLabRoutes sets up lab session routes
func registerLabRoutes(api *gin.RouterGroup, deps *Dependencies) {
	labHandler := httphandler.NewLabHandler(deps.LabUseCase, deps.Logger)

	rl := deps.RateLimiter
	if rl == nil {
		rl = middleware.NewRateLimiter(deps.Config.RateLimit.ActivityPerSecond, deps.Config.RateLimit.ActivityBurst)
	}

	labs := api.Group("/labs")
	{
		labs.GET("/context", labHandler.GetContext)
		labs.GET("", labHandler.List)
		labs.POST("", labHandler.Submit)
		labs.GET("/:id", labHandler.GetByID)

		// Reviewer actions
		labs.POST("/:id/approve", labHandler.Approve)
		labs.POST("/:id/deny", labHandler.Deny)

		// Lifecycle
		labs.POST("/:id/cancel", labHandler.Cancel)
		labs.POST("/:id/end", labHandler.End)
		labs.POST("/:id/extend", labHandler.Extend)

		// Telemetry and evidence
		labs.POST("/:id/activity", middleware.RateLimitByParam(rl, "id"), labHandler.RecordActivity)
		labs.POST("/:id/share", labHandler.Share)
	}
}

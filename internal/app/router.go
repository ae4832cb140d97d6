package app

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zerozero/octolab/internal/router"
	"github.com/zerozero/octolab/internal/router/middleware"
	"github.com/zerozero/octolab/pkg/config"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
)

// SetupRouter builds the API engine with recovery, CORS and request logging
func SetupRouter(cfg *config.Config, deps *router.Dependencies) *gin.Engine {
	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(recovery(deps.Logger))
	r.Use(middleware.CORS(cfg.Server.CorsOrigins))
	r.Use(middleware.Logging(deps.Logger))

	router.RegisterRoutes(r, deps)

	return r
}

// recovery turns handler panics into the standard error envelope
func recovery(log logger.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Error("Recovered from panic",
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.Any("panic", recovered))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": errors.NewInternal("An unexpected error occurred"),
		})
	})
}

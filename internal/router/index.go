package router

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/zerozero/octolab/internal/infrastructure/auth"
	"github.com/zerozero/octolab/internal/router/middleware"
	"github.com/zerozero/octolab/internal/usecase"
	"github.com/zerozero/octolab/pkg/config"
	"github.com/zerozero/octolab/pkg/logger"
)

// Pinger reports whether a backing store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies holds all dependencies needed for routing
type Dependencies struct {
	LabUseCase  usecase.LabUseCase
	Auth        auth.Authenticator
	Logger      logger.Logger
	Config      *config.Config
	RateLimiter *middleware.RateLimiter
	// DB is optional; when set /health reports its reachability
	DB Pinger
}

// RegisterRoutes sets up all application routes
func RegisterRoutes(router *gin.Engine, deps *Dependencies) {
	// Register HTTP routes
	RegisterHTTPRoutes(router, deps)
}

package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/errors"
	"github.com/zerozero/octolab/pkg/logger"
)

const (
	principalKey = "auth_principal"

	HeaderUserID = "X-User-ID"
	HeaderTier   = "X-User-Tier"
	HeaderEmail  = "X-User-Email"
)

// Authenticator resolves the caller of a request into a Principal
type Authenticator interface {
	Middleware() gin.HandlerFunc
}

// SetPrincipal stores the authenticated principal on the request context
func SetPrincipal(c *gin.Context, p entity.Principal) {
	c.Set(principalKey, p)
}

// GetPrincipal retrieves the authenticated principal from the request context
func GetPrincipal(c *gin.Context) (entity.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return entity.Principal{}, false
	}
	p, ok := v.(entity.Principal)
	return p, ok
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errors.NewUnauthorized(message)})
}

// HeaderAuth trusts identity headers set by a fronting proxy or a developer.
// It performs no verification.
type HeaderAuth struct {
	log logger.Logger
}

// NewHeaderAuth creates a header-trusting authenticator
func NewHeaderAuth(log logger.Logger) *HeaderAuth {
	return &HeaderAuth{log: log}
}

// Middleware requires X-User-ID and maps X-User-Tier onto the principal
func (h *HeaderAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			h.log.Warn("Request missing user header", logger.String("ip", c.ClientIP()))
			abortUnauthorized(c, HeaderUserID+" header required")
			return
		}
		SetPrincipal(c, entity.Principal{
			UserID: userID,
			Tier:   entity.ParseTier(strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderTier)))),
			Email:  c.GetHeader(HeaderEmail),
		})
		c.Next()
	}
}

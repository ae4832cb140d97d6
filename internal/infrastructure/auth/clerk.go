package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/user"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/logger"
)

const (
	// JWKCacheDuration is how long to cache JWKs before refetching
	JWKCacheDuration = 1 * time.Hour
	// JWKFetchTimeout is the timeout for fetching JWKs
	JWKFetchTimeout = 10 * time.Second
	// TierCacheDuration is how long a tier looked up from Clerk is trusted
	TierCacheDuration = 5 * time.Minute
)

// ClerkAuth verifies Clerk session tokens and maps them to a Principal
type ClerkAuth struct {
	jwksURL   string
	jwkSet    jwk.Set
	jwkMutex  sync.RWMutex
	lastFetch time.Time
	log       logger.Logger

	// lookupTier fetches the tier from the Clerk user API when the token has none
	lookupTier func(ctx context.Context, userID string) (entity.Tier, error)
	tierMu     sync.Mutex
	tiers      map[string]cachedTier
}

type cachedTier struct {
	tier    entity.Tier
	expires time.Time
}

// NewClerkAuth creates a new Clerk auth handler
func NewClerkAuth(secretKey string, jwksURL string, log logger.Logger) (*ClerkAuth, error) {
	if secretKey == "" {
		return nil, fmt.Errorf("clerk secret key is required")
	}
	if jwksURL == "" {
		return nil, fmt.Errorf("clerk JWKS URL is required")
	}

	clerk.SetKey(secretKey)

	return &ClerkAuth{
		jwksURL:    jwksURL,
		log:        log,
		lookupTier: fetchClerkTier,
		tiers:      make(map[string]cachedTier),
	}, nil
}

func (ca *ClerkAuth) fetchJWKS() (jwk.Set, error) {
	ctx, cancel := context.WithTimeout(context.Background(), JWKFetchTimeout)
	defer cancel()

	set, err := jwk.Fetch(ctx, ca.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", ca.jwksURL, err)
	}
	return set, nil
}

// getJWKSet retrieves the JWK set, fetching from Clerk if cache is stale
func (ca *ClerkAuth) getJWKSet() (jwk.Set, error) {
	ca.jwkMutex.RLock()
	if ca.jwkSet != nil && time.Since(ca.lastFetch) <= JWKCacheDuration {
		defer ca.jwkMutex.RUnlock()
		return ca.jwkSet, nil
	}
	ca.jwkMutex.RUnlock()

	ca.jwkMutex.Lock()
	defer ca.jwkMutex.Unlock()

	// Double-check after acquiring write lock
	if ca.jwkSet != nil && time.Since(ca.lastFetch) <= JWKCacheDuration {
		return ca.jwkSet, nil
	}

	set, err := ca.fetchJWKS()
	if err != nil {
		return nil, err
	}
	ca.jwkSet = set
	ca.lastFetch = time.Now()
	ca.log.Debug("JWK set refreshed from Clerk")
	return ca.jwkSet, nil
}

// VerifyToken verifies a Clerk JWT and returns the principal it names
func (ca *ClerkAuth) VerifyToken(ctx context.Context, tokenString string) (*entity.Principal, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))

	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token missing 'kid' in header")
	}

	keySet, err := ca.getJWKSet()
	if err != nil {
		return nil, fmt.Errorf("failed to get JWK set: %w", err)
	}
	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("JWK with kid '%s' not found", kid)
	}
	var publicKey interface{}
	if err := key.Raw(&publicKey); err != nil {
		return nil, fmt.Errorf("failed to extract public key: %w", err)
	}

	token, err = jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return publicKey, nil
	}, jwt.WithValidMethods([]string{"RS256", "ES256", "EdDSA"}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims format")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("token missing 'sub' claim")
	}
	p := &entity.Principal{UserID: sub, Tier: entity.TierStandard}
	if email, ok := claims["email"].(string); ok {
		p.Email = email
	}

	if tier, ok := tierFromClaims(claims); ok {
		p.Tier = tier
	} else if ca.lookupTier != nil {
		p.Tier = ca.cachedTier(ctx, sub)
	}
	return p, nil
}

// tierFromClaims reads "tier" at the top level or inside Clerk's metadata claims
func tierFromClaims(claims jwt.MapClaims) (entity.Tier, bool) {
	if s, ok := claims["tier"].(string); ok {
		return entity.ParseTier(s), true
	}
	for _, k := range []string{"public_metadata", "metadata"} {
		if m, ok := claims[k].(map[string]interface{}); ok {
			if s, ok := m["tier"].(string); ok {
				return entity.ParseTier(s), true
			}
		}
	}
	return "", false
}

func (ca *ClerkAuth) cachedTier(ctx context.Context, userID string) entity.Tier {
	ca.tierMu.Lock()
	if c, ok := ca.tiers[userID]; ok && time.Now().Before(c.expires) {
		ca.tierMu.Unlock()
		return c.tier
	}
	ca.tierMu.Unlock()

	tier, err := ca.lookupTier(ctx, userID)
	if err != nil {
		ca.log.Warn("Failed to look up user tier, defaulting to standard",
			logger.String("user_id", userID), logger.Error(err))
		return entity.TierStandard
	}

	ca.tierMu.Lock()
	ca.tiers[userID] = cachedTier{tier: tier, expires: time.Now().Add(TierCacheDuration)}
	ca.tierMu.Unlock()
	return tier
}

// fetchClerkTier reads {"tier": "..."} from the user's Clerk public metadata
func fetchClerkTier(ctx context.Context, userID string) (entity.Tier, error) {
	u, err := user.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to get user from Clerk: %w", err)
	}
	var meta struct {
		Tier string `json:"tier"`
	}
	if len(u.PublicMetadata) > 0 {
		if err := json.Unmarshal(u.PublicMetadata, &meta); err != nil {
			return "", fmt.Errorf("failed to decode public metadata: %w", err)
		}
	}
	return entity.ParseTier(meta.Tier), nil
}

// Middleware creates a Gin middleware for JWT authentication
func (ca *ClerkAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			ca.log.Warn("Request missing Authorization header")
			abortUnauthorized(c, "Authorization header required")
			return
		}

		p, err := ca.VerifyToken(c.Request.Context(), authHeader)
		if err != nil {
			ca.log.Error("Token verification failed",
				logger.Error(err),
				logger.String("ip", c.ClientIP()),
			)
			abortUnauthorized(c, "Invalid token")
			return
		}

		ca.log.Debug("User authenticated",
			logger.String("user_id", p.UserID),
			logger.String("tier", string(p.Tier)),
		)
		SetPrincipal(c, *p)
		c.Next()
	}
}

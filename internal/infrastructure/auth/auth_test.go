package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerozero/octolab/internal/domain/entity"
	"github.com/zerozero/octolab/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestClerkAuth(t *testing.T) (*ClerkAuth, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.FromRaw(&priv.PublicKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, "kid-1"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))

	return &ClerkAuth{
		jwksURL:   "http://unused",
		jwkSet:    set,
		lastFetch: time.Now(),
		log:       logger.NewNop(),
		tiers:     make(map[string]cachedTier),
	}, priv
}

func signToken(t *testing.T, priv *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func TestVerifyToken_MapsClaims(t *testing.T) {
	ca, priv := newTestClerkAuth(t)

	token := signToken(t, priv, "kid-1", jwt.MapClaims{
		"sub":             "user_123",
		"email":           "alice@example.com",
		"public_metadata": map[string]interface{}{"tier": "admin"},
		"exp":             time.Now().Add(time.Hour).Unix(),
	})
	p, err := ca.VerifyToken(context.Background(), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "user_123", p.UserID)
	assert.Equal(t, entity.TierAdmin, p.Tier)
	assert.Equal(t, "alice@example.com", p.Email)
}

func TestVerifyToken_LooksUpTierWhenAbsent(t *testing.T) {
	ca, priv := newTestClerkAuth(t)
	calls := 0
	ca.lookupTier = func(_ context.Context, userID string) (entity.Tier, error) {
		calls++
		return entity.TierAdmin, nil
	}

	token := signToken(t, priv, "kid-1", jwt.MapClaims{"sub": "user_9", "exp": time.Now().Add(time.Hour).Unix()})
	for i := 0; i < 2; i++ {
		p, err := ca.VerifyToken(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, entity.TierAdmin, p.Tier)
	}
	assert.Equal(t, 1, calls, "tier lookups are cached")
}

func TestVerifyToken_Rejects(t *testing.T) {
	ca, priv := newTestClerkAuth(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"unknown kid", signToken(t, priv, "kid-2", jwt.MapClaims{"sub": "u"})},
		{"wrong key", signToken(t, other, "kid-1", jwt.MapClaims{"sub": "u"})},
		{"expired", signToken(t, priv, "kid-1", jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()})},
		{"no subject", signToken(t, priv, "kid-1", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ca.VerifyToken(context.Background(), tt.token)
			assert.Error(t, err)
		})
	}
}

func serve(mw gin.HandlerFunc, req *http.Request) (*httptest.ResponseRecorder, entity.Principal) {
	var got entity.Principal
	r := gin.New()
	r.GET("/", mw, func(c *gin.Context) {
		got, _ = GetPrincipal(c)
		c.Status(http.StatusOK)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w, got
}

func TestClerkMiddleware(t *testing.T) {
	ca, priv := newTestClerkAuth(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w, _ := serve(ca.Middleware(), req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "UNAUTHORIZED")

	token := signToken(t, priv, "kid-1", jwt.MapClaims{"sub": "user_1", "tier": "standard", "exp": time.Now().Add(time.Hour).Unix()})
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w, p := serve(ca.Middleware(), req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entity.Principal{UserID: "user_1", Tier: entity.TierStandard}, p)
}

func TestHeaderAuth(t *testing.T) {
	mw := NewHeaderAuth(logger.NewNop()).Middleware()

	w, _ := serve(mw, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "alice")
	req.Header.Set(HeaderTier, "Admin")
	w, p := serve(mw, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", p.UserID)
	assert.True(t, p.IsAdmin())

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderUserID, "bob")
	req.Header.Set(HeaderTier, "root")
	_, p = serve(mw, req)
	assert.Equal(t, entity.TierStandard, p.Tier)
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EternisAI/silo-link/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("admin-key"), bcrypt.MinCost)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/admin", APIKeyAuth(string(hash)), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req, _ := http.NewRequest(http.MethodGet, "/admin", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req.Header.Set("X-API-Key", "wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req.Header.Set("X-API-Key", "admin-key")
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
}

func TestAPIKeyAuthNotConfigured(t *testing.T) {
	r := gin.New()
	r.GET("/admin", APIKeyAuth(""), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req, _ := http.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-API-Key", "anything")
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, req).Code)
}

func TestHashAPIKeyMatchesMiddleware(t *testing.T) {
	hash, err := auth.HashAPIKey("k")
	require.NoError(t, err)

	r := gin.New()
	r.GET("/admin", APIKeyAuth(hash), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	req, _ := http.NewRequest(http.MethodGet, "/admin", nil)
	req.Header.Set("X-API-Key", "k")
	assert.Equal(t, http.StatusNoContent, serve(r, req).Code)
}

func TestBearerToken(t *testing.T) {
	r := gin.New()
	r.GET("/t", BearerToken(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(BearerTokenKey))
	})

	req, _ := http.NewRequest(http.MethodGet, "/t", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(r, req).Code)

	req.Header.Set("Authorization", "Bearer abc")
	w := serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc", w.Body.String())
}

func TestRateLimiterPerClient(t *testing.T) {
	rejected := 0
	rl, err := NewRateLimiter(rate.Every(1<<62), 2, 16, func() { rejected++ })
	require.NoError(t, err)

	r := gin.New()
	r.POST("/verify", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	call := func(ip string) int {
		req, _ := http.NewRequest(http.MethodPost, "/verify", nil)
		req.RemoteAddr = ip + ":1234"
		return serve(r, req).Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1"))
	assert.Equal(t, http.StatusOK, call("10.0.0.2"))
	assert.Equal(t, 1, rejected)
}

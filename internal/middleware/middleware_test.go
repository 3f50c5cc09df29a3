package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"mailflow/internal/config"
	appmetrics "mailflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newTestRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(handlers...)
	ok := func(c *gin.Context) { c.Status(http.StatusOK) }
	router.GET("/test", ok)
	router.POST("/api/v1/projects/:project/track", ok)
	return router
}

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	req.Header.Set("Origin", "https://app.example.com")
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	cfg := &config.Config{}
	router := newTestRouter(RateLimitMiddleware(cfg))

	// 应该允许所有请求
	for i := 0; i < 50; i++ {
		if w := serve(router, "GET", "/test"); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected status 200, got %d", i, w.Code)
		}
	}
}

func TestRateLimitMiddleware_BurstThenReject(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{RateLimiting: config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Burst:             3,
	}}}
	router := newTestRouter(RateLimitMiddleware(cfg))
	before, _ := appmetrics.RateLimitSnapshot()

	allowed := 0
	for i := 0; i < 6; i++ {
		if serve(router, "GET", "/test").Code == http.StatusOK {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	after, by := appmetrics.RateLimitSnapshot()
	assert.Equal(t, before+3, after)
	assert.NotZero(t, by["global"])
}

func TestRateLimitMiddleware_PathOverride(t *testing.T) {
	cfg := &config.Config{Security: config.SecurityConfig{RateLimiting: config.RateLimitingConfig{
		Enabled:           true,
		RequestsPerMinute: 1,
		Burst:             100,
		Paths: []config.PathRateLimitConfig{
			{Enabled: true, Prefix: "/api/v1/projects", RequestsPerMinute: 1, Burst: 1},
		},
	}}}
	router := newTestRouter(RateLimitMiddleware(cfg))

	assert.Equal(t, http.StatusOK, serve(router, "POST", "/api/v1/projects/p1/track").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(router, "POST", "/api/v1/projects/p1/track").Code)
	// 其他路径走全局限流
	assert.Equal(t, http.StatusOK, serve(router, "GET", "/test").Code)
}

func TestCORSMiddleware(t *testing.T) {
	cfg := config.GetDefaultConfig()
	router := newTestRouter(CORSMiddleware(cfg))

	w := serve(router, "GET", "/test")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "OPTIONS")

	w = serve(router, "OPTIONS", "/test")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORSMiddleware_Allowlist(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Security.CORS.AllowedOrigins = []string{"https://other.example.com"}
	router := newTestRouter(CORSMiddleware(cfg))

	w := serve(router, "GET", "/test")
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	cfg.Security.CORS.AllowedOrigins = []string{"https://app.example.com"}
	router = newTestRouter(CORSMiddleware(cfg))
	w = serve(router, "GET", "/test")
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

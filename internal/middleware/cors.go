package middleware

import (
	"net/http"
	"strings"

	"mailflow/internal/config"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware CORS 中间件
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	cc := cfg.Security.CORS
	if !cc.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	methods := strings.Join(orDefault(cc.AllowedMethods, []string{"GET", "POST", "PUT", "DELETE"}), ", ")
	if !strings.Contains(methods, "OPTIONS") {
		methods += ", OPTIONS"
	}
	headers := strings.Join(orDefault(cc.AllowedHeaders, []string{"Origin", "Content-Type", "Accept", "Authorization"}), ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowed := allowOrigin(cc.AllowedOrigins, origin); allowed != "" {
			c.Header("Access-Control-Allow-Origin", allowed)
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Access-Control-Allow-Headers", headers)
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func allowOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"

	appmetrics "mailflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

// HealthHandler 健康检查处理器
type HealthHandler struct {
	version string
	checks  map[string]Checker
	logger  *logrus.Logger
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(version string, checks map[string]Checker, logger *logrus.Logger) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if checks == nil {
		checks = map[string]Checker{}
	}
	return &HealthHandler{version: version, checks: checks, logger: logger}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime         string `json:"uptime"`
	GoVersion      string `json:"go_version"`
	RateLimitDrops uint64 `json:"rate_limit_drops"`
}

var startTime = time.Now()

// Health 健康检查端点；依赖不可用时返回 degraded，状态码仍为 200
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	drops, _ := appmetrics.RateLimitSnapshot()
	response := HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  h.probe(ctx),
		System: SystemInfo{
			Uptime:         time.Since(startTime).Round(time.Second).String(),
			GoVersion:      runtime.Version(),
			RateLimitDrops: drops,
		},
	}
	for _, s := range response.Services {
		if s.Status != "healthy" {
			response.Status = "degraded"
		}
	}
	c.JSON(http.StatusOK, response)
}

// Ready 就绪检查端点：所有依赖可用才返回 200
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	ready := true
	services := make(map[string]string)
	for name, info := range h.probe(ctx) {
		if info.Status == "healthy" {
			services[name] = "ready"
			continue
		}
		services[name] = "not_ready"
		ready = false
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, gin.H{
		"ready":     ready,
		"timestamp": time.Now(),
		"services":  services,
	})
}

func (h *HealthHandler) probe(ctx context.Context) map[string]ServiceInfo {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]ServiceInfo, len(names))
	for _, name := range names {
		start := time.Now()
		err := h.checks[name](ctx)
		info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
		if err != nil {
			info.Status = "unhealthy"
			info.Error = err.Error()
			h.logger.WithError(err).WithField("service", name).Warn("health check failed")
		}
		out[name] = info
	}
	return out
}

// RegisterSystemRoutes 注册健康检查与 Prometheus 指标路由
func RegisterSystemRoutes(r *gin.Engine, h *HealthHandler, metricsPath string) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
	if metricsPath != "" {
		r.GET(metricsPath, gin.WrapH(promhttp.Handler()))
	}
}

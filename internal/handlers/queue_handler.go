package handlers

import (
	"context"
	"net/http"

	"mailflow/pkg/taskqueue"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// QueueStatusSource reports task queue depth.
type QueueStatusSource interface {
	GetQueueStatus(ctx context.Context) (*taskqueue.Status, error)
}

// QueueHandler 任务队列状态
type QueueHandler struct {
	source QueueStatusSource
	logger *logrus.Logger
}

func NewQueueHandler(source QueueStatusSource, logger *logrus.Logger) *QueueHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &QueueHandler{source: source, logger: logger}
}

// Status 返回近似的队列深度
// @Router /api/v1/queue/status [get]
func (h *QueueHandler) Status(c *gin.Context) {
	st, err := h.source.GetQueueStatus(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Warn("queue status unavailable")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Queue unavailable", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

// RegisterQueueRoutes 注册队列路由
func RegisterQueueRoutes(r *gin.RouterGroup, h *QueueHandler) {
	r.GET("/queue/status", h.Status)
}

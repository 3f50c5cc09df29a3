package handlers

import (
	"net/http"

	"mailflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EventHandler 事件上报与投递回调处理器
type EventHandler struct {
	events *services.EventService
	logger *logrus.Logger
}

// NewEventHandler 创建事件处理器
func NewEventHandler(events *services.EventService, logger *logrus.Logger) *EventHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EventHandler{events: events, logger: logger}
}

// Track 上报自定义事件
// @Summary 上报自定义事件
// @Tags 事件
// @Accept json
// @Produce json
// @Param project path string true "项目 ID"
// @Param event body services.TrackRequest true "事件"
// @Success 201 {object} services.TrackResult
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/projects/{project}/track [post]
func (h *EventHandler) Track(c *gin.Context) {
	var req services.TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	res, err := h.events.Track(c.Request.Context(), c.Param("project"), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Delivery 投递状态回调
// @Summary 投递状态回调
// @Tags 事件
// @Accept json
// @Produce json
// @Param delivery body services.DeliveryRequest true "投递通知"
// @Success 202 {object} models.Event
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/v1/webhooks/delivery [post]
func (h *EventHandler) Delivery(c *gin.Context) {
	var req services.DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	ev, err := h.events.HandleDelivery(c.Request.Context(), req)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, ev)
}

// ListEvents 分页列出项目事件
// @Router /api/v1/projects/{project}/events [get]
func (h *EventHandler) ListEvents(c *gin.Context) {
	cursor, err := decodeCursor(c.Query("cursor"))
	if err != nil {
		badRequest(c, "Invalid cursor", err)
		return
	}
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		badRequest(c, "Invalid limit", err)
		return
	}
	page, err := h.events.ListEvents(c.Request.Context(), c.Param("project"), c.Query("contact"), cursor, limit)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, CursorResponse{
		Data:    page.Items,
		Cursor:  encodeCursor(page.Cursor),
		HasMore: page.HasMore,
	})
}

// RegisterEventRoutes 注册事件路由
func RegisterEventRoutes(r *gin.RouterGroup, h *EventHandler) {
	r.POST("/projects/:project/track", h.Track)
	r.GET("/projects/:project/events", h.ListEvents)
	r.POST("/webhooks/delivery", h.Delivery)
}

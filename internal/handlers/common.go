package handlers

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"

	"mailflow/internal/services"
	"mailflow/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// 分页上限
const maxPageSize = 100

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// CursorResponse 游标分页响应结构
type CursorResponse struct {
	Data    interface{} `json:"data"`
	Cursor  string      `json:"cursor,omitempty"`
	HasMore bool        `json:"has_more"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// writeError maps service and store errors onto HTTP statuses.
func writeError(c *gin.Context, logger *logrus.Logger, err error) {
	switch {
	case store.IsValidation(err), store.IsUnsupported(err),
		errors.Is(err, store.ErrMalformedCursor), errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found", Message: err.Error()})
	default:
		logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal error", Message: err.Error()})
	}
}

func badRequest(c *gin.Context, msg string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: msg, Message: err.Error()})
}

// encodeCursor makes a store cursor safe for a query string.
func encodeCursor(cur store.Cursor) string {
	if len(cur) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(cur)
}

func decodeCursor(s string) (store.Cursor, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("malformed cursor")
	}
	return store.Cursor(b), nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxPageSize {
		n = maxPageSize
	}
	return n, nil
}

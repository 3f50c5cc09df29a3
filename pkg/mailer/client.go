package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-2xx answer from the mail API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mail API error [%d]: %s (code: %s)", e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("mail API error [%d]: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client 邮件发送 HTTP 客户端
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
	config     *Config
}

// NewClient 创建邮件客户端
func NewClient(config *Config, logger *logrus.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:     logger,
		config:     config,
	}
}

// Send 发送一封邮件，返回服务商的消息 ID
func (c *Client) Send(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if req.To == "" {
		return nil, errors.New("recipient is required")
	}
	if req.From == "" {
		req.From = c.config.From
	}

	var resp SendResponse
	if err := c.doRequestWithRetry(ctx, http.MethodPost, "/v1/messages", req, &resp); err != nil {
		return nil, err
	}
	if resp.MessageID == "" {
		return nil, errors.New("mail API returned no message id")
	}
	return &resp, nil
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.createRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, nil)
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body interface{}) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	req.Header.Set("User-Agent", "mailflow/1.0")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	c.logger.Debugf("mail API %s %s -> %d", req.Method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(body)}
		var errResp ErrorResponse
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
			apiErr.Message = errResp.Error
			apiErr.Code = errResp.ErrorCode
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doRequestWithRetry 网络错误与 5xx/429 重试，其余错误直接返回
func (c *Client) doRequestWithRetry(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.config.RetryDelay
	eb.MaxElapsedTime = 0
	retries := c.config.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithMaxRetries(eb, uint64(retries))

	attempt := 0
	return backoff.Retry(func() error {
		if attempt > 0 {
			c.logger.Warnf("mail API retry attempt %d/%d", attempt, c.config.MaxRetries)
		}
		attempt++

		req, err := c.createRequest(ctx, method, endpoint, body)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = c.doRequest(req, result)
		if err == nil || shouldRetry(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

func shouldRetry(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

package taskqueue

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrDuplicateExecution is returned when an execution name is already scheduled.
var ErrDuplicateExecution = errors.New("taskqueue: execution name already scheduled")

// Message 队列消息
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempts   int             `json:"attempts,omitempty"`

	// raw is the exact encoded form, needed to ack a popped message.
	raw string
}

// Status 队列状态（近似值，最终一致）
type Status struct {
	Depth    int64 `json:"depth"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"inFlight"`
}

// Config Redis 队列配置
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	Prefix       string        `yaml:"prefix"`
	PromoteBatch int           `yaml:"promote_batch"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`

	// 已弹出但未确认的消息超过该时长后重新入队
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		Prefix:       "mailflow:tasks",
		PromoteBatch: 100,
		DialTimeout:  5 * time.Second,

		VisibilityTimeout: 5 * time.Minute,
	}
}

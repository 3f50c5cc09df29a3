package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// 延迟任务：名称写入 hash，到期时间写入 zset；名称已存在时拒绝。
var scheduleScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// 将到期任务搬到就绪队列
var promoteScript = redis.NewScript(`
local names = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, name in ipairs(names) do
  local payload = redis.call('HGET', KEYS[2], name)
  if payload then
    redis.call('LPUSH', KEYS[3], payload)
  end
  redis.call('HDEL', KEYS[2], name)
  redis.call('ZREM', KEYS[1], name)
end
return #names
`)

// 回收超时未确认的消息。processing 中没有弹出时间的条目（Pop 与记录时间之间崩溃）
// 先补记为当前时间，下一轮再回收。
var reclaimScript = redis.NewScript(`
local raws = redis.call('LRANGE', KEYS[1], 0, -1)
for _, raw in ipairs(raws) do
  if not redis.call('ZSCORE', KEYS[2], raw) then
    redis.call('ZADD', KEYS[2], ARGV[2], raw)
  end
end
local stale = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
local n = 0
for _, raw in ipairs(stale) do
  if redis.call('LREM', KEYS[1], 1, raw) > 0 then
    redis.call('RPUSH', KEYS[3], raw)
    n = n + 1
  end
  redis.call('ZREM', KEYS[2], raw)
end
return n
`)

const defaultSchedulerInterval = time.Second

// Client is a Redis-backed task queue with a delayed-execution facility.
//
// Keys under the configured prefix:
//
//	<prefix>:ready       list of messages ready for workers
//	<prefix>:processing  list of messages popped but not acked
//	<prefix>:inflight    zset of popped messages scored by pop time (unix ms)
//	<prefix>:delayed     zset of execution names scored by due time (unix ms)
//	<prefix>:executions  hash of execution name to message
type Client struct {
	rdb    *redis.Client
	cfg    *Config
	logger *logrus.Logger
}

// NewClient 创建 Redis 队列客户端
func NewClient(cfg *Config, logger *logrus.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultConfig().Prefix
	}
	if cfg.PromoteBatch <= 0 {
		cfg.PromoteBatch = DefaultConfig().PromoteBatch
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultConfig().VisibilityTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
	})
	return &Client{rdb: rdb, cfg: cfg, logger: logger}
}

// NewClientFromURL parses a redis:// URL.
func NewClientFromURL(url, prefix string, logger *logrus.Logger) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	cfg.Addr = opt.Addr
	cfg.Password = opt.Password
	cfg.DB = opt.DB
	if prefix != "" {
		cfg.Prefix = prefix
	}
	return NewClient(cfg, logger), nil
}

func (c *Client) key(name string) string { return c.cfg.Prefix + ":" + name }

// Ping 检查连接
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

func encode(msg Message) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("taskqueue: encode %s: %w", msg.ID, err)
	}
	return string(raw), nil
}

// Push makes msg visible to workers after delay. A zero delay pushes straight
// onto the ready list; a positive one parks it in the delayed set.
func (c *Client) Push(ctx context.Context, msg Message, delay time.Duration) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	if delay <= 0 {
		return c.rdb.LPush(ctx, c.key("ready"), raw).Err()
	}
	return c.schedule(ctx, "msg-"+msg.ID, raw, time.Now().Add(delay))
}

// Schedule registers a uniquely named execution due at `at`. Reusing a name
// fails with ErrDuplicateExecution instead of being silently merged.
func (c *Client) Schedule(ctx context.Context, name string, msg Message, at time.Time) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	return c.schedule(ctx, name, raw, at)
}

func (c *Client) schedule(ctx context.Context, name, raw string, at time.Time) error {
	ok, err := scheduleScript.Run(ctx, c.rdb,
		[]string{c.key("executions"), c.key("delayed")},
		name, raw, at.UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateExecution, name)
	}
	return nil
}

// Promote moves up to one batch of due executions onto the ready list.
func (c *Client) Promote(ctx context.Context, now time.Time) (int, error) {
	return promoteScript.Run(ctx, c.rdb,
		[]string{c.key("delayed"), c.key("executions"), c.key("ready")},
		strconv.FormatInt(now.UnixMilli(), 10), c.cfg.PromoteBatch,
	).Int()
}

// Reclaim moves messages popped before `before` and never acked back onto
// the ready list, so a crashed worker's tasks run again.
func (c *Client) Reclaim(ctx context.Context, before time.Time) (int, error) {
	return reclaimScript.Run(ctx, c.rdb,
		[]string{c.key("processing"), c.key("inflight"), c.key("ready")},
		strconv.FormatInt(before.UnixMilli(), 10),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
		c.cfg.PromoteBatch,
	).Int()
}

// RunScheduler promotes due executions and reclaims expired in-flight
// messages every interval until ctx is done.
func (c *Client) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				n, err := c.Promote(ctx, time.Now())
				if err != nil {
					if ctx.Err() == nil {
						c.logger.Warnf("taskqueue: promote failed: %v", err)
					}
					break
				}
				if n > 0 {
					c.logger.Debugf("taskqueue: promoted %d executions", n)
				}
				if n < c.cfg.PromoteBatch {
					break
				}
			}
			c.reclaimExpired(ctx)
		}
	}
}

func (c *Client) reclaimExpired(ctx context.Context) {
	n, err := c.Reclaim(ctx, time.Now().Add(-c.cfg.VisibilityTimeout))
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warnf("taskqueue: reclaim failed: %v", err)
		}
		return
	}
	if n > 0 {
		c.logger.Warnf("taskqueue: reclaimed %d unacked messages", n)
	}
}

// Pop blocks up to timeout for a ready message and moves it to the
// processing list. It returns (nil, nil) on timeout.
func (c *Client) Pop(ctx context.Context, timeout time.Duration) (*Message, error) {
	raw, err := c.rdb.BLMove(ctx, c.key("ready"), c.key("processing"), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// 丢弃无法解析的消息，避免阻塞队列
		if lerr := c.rdb.LRem(ctx, c.key("processing"), 1, raw).Err(); lerr != nil {
			c.logger.Errorf("taskqueue: drop undecodable message: %v", lerr)
		}
		return nil, fmt.Errorf("taskqueue: decode message: %w", err)
	}
	// 记录弹出时间；失败时由 Reclaim 补记
	if err := c.rdb.ZAdd(ctx, c.key("inflight"), redis.Z{Score: float64(time.Now().UnixMilli()), Member: raw}).Err(); err != nil {
		c.logger.Warnf("taskqueue: record pop time of %s: %v", msg.ID, err)
	}
	msg.raw = raw
	return &msg, nil
}

// Ack removes a popped message from the processing list.
func (c *Client) Ack(ctx context.Context, msg *Message) error {
	if msg == nil || msg.raw == "" {
		return errors.New("taskqueue: ack of a message that was not popped")
	}
	pipe := c.rdb.TxPipeline()
	pipe.LRem(ctx, c.key("processing"), 1, msg.raw)
	pipe.ZRem(ctx, c.key("inflight"), msg.raw)
	_, err := pipe.Exec(ctx)
	return err
}

// Status 返回近似的队列深度
func (c *Client) Status(ctx context.Context) (*Status, error) {
	pipe := c.rdb.Pipeline()
	ready := pipe.LLen(ctx, c.key("ready"))
	delayed := pipe.ZCard(ctx, c.key("delayed"))
	processing := pipe.LLen(ctx, c.key("processing"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return &Status{
		Depth:    ready.Val(),
		Delayed:  delayed.Val(),
		InFlight: processing.Val(),
	}, nil
}

package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationClient(t *testing.T) *Client {
	t.Helper()
	url := os.Getenv("MAILFLOW_TEST_REDIS_URL")
	if url == "" {
		t.Skip("set MAILFLOW_TEST_REDIS_URL to run Redis integration tests")
	}
	prefix := fmt.Sprintf("mailflow:test:%s:%d", t.Name(), time.Now().UnixNano())
	c, err := NewClientFromURL(url, prefix, nil)
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
	t.Cleanup(func() {
		ctx := context.Background()
		c.rdb.Del(ctx, c.key("ready"), c.key("processing"), c.key("delayed"), c.key("executions"), c.key("inflight"))
		_ = c.Close()
	})
	return c
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost:6379", cfg.Addr)
	assert.Equal(t, "mailflow:tasks", cfg.Prefix)
	assert.Equal(t, 100, cfg.PromoteBatch)

	c := NewClient(&Config{Addr: "localhost:6379"}, nil)
	assert.Equal(t, "mailflow:tasks:ready", c.key("ready"))
	assert.Equal(t, 100, c.cfg.PromoteBatch)
	assert.Equal(t, 5*time.Minute, c.cfg.VisibilityTimeout)
}

func TestRunSchedulerDefaultsInterval(t *testing.T) {
	c := NewClient(&Config{Addr: "127.0.0.1:1", DialTimeout: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.RunScheduler(ctx, 0)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestNewClientFromURL(t *testing.T) {
	c, err := NewClientFromURL("redis://:secret@cache.internal:6380/3", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", c.cfg.Addr)
	assert.Equal(t, "secret", c.cfg.Password)
	assert.Equal(t, 3, c.cfg.DB)

	_, err = NewClientFromURL("http://nope", "", nil)
	assert.Error(t, err)
}

func TestAckRequiresPoppedMessage(t *testing.T) {
	c := NewClient(nil, nil)
	assert.Error(t, c.Ack(context.Background(), &Message{ID: "x"}))
}

func TestIntegrationPushPopAck(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()

	msg := Message{ID: "m1", Type: "sendEmail", Payload: json.RawMessage(`{"action":"a"}`), EnqueuedAt: time.Now().UTC()}
	require.NoError(t, c.Push(ctx, msg, 0))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Depth)

	got, err := c.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "m1", got.ID)
	assert.JSONEq(t, `{"action":"a"}`, string(got.Payload))

	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.Depth)
	assert.Equal(t, int64(1), st.InFlight)

	require.NoError(t, c.Ack(ctx, got))
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.InFlight)

	none, err := c.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestIntegrationScheduleAndPromote(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()
	due := time.Now().Add(time.Hour)

	require.NoError(t, c.Schedule(ctx, "sendEmail-1", Message{ID: "1", Type: "sendEmail"}, due))
	require.NoError(t, c.Schedule(ctx, "sendEmail-2", Message{ID: "2", Type: "sendEmail"}, due))
	err := c.Schedule(ctx, "sendEmail-1", Message{ID: "3", Type: "sendEmail"}, due)
	assert.ErrorIs(t, err, ErrDuplicateExecution)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Delayed)

	n, err := c.Promote(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.Promote(ctx, due.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Depth)
	assert.Equal(t, int64(0), st.Delayed)
}

func TestIntegrationReclaimUnacked(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()

	require.NoError(t, c.Push(ctx, Message{ID: "r1", Type: "sendEmail"}, 0))
	got, err := c.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)

	// 未超时不回收
	n, err := c.Reclaim(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = c.Reclaim(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Depth)
	assert.Equal(t, int64(0), st.InFlight)

	again, err := c.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, "r1", again.ID)
	require.NoError(t, c.Ack(ctx, again))

	// 已确认的消息不会被回收
	n, err = c.Reclaim(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(0), c.rdb.ZCard(ctx, c.key("inflight")).Val())
}

func TestIntegrationReclaimAdoptsUntrackedEntries(t *testing.T) {
	c := newIntegrationClient(t)
	ctx := context.Background()

	// processing 中没有弹出时间的条目
	raw, err := encode(Message{ID: "orphan", Type: "sendEmail"})
	require.NoError(t, err)
	require.NoError(t, c.rdb.LPush(ctx, c.key("processing"), raw).Err())

	n, err := c.Reclaim(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(1), c.rdb.ZCard(ctx, c.key("inflight")).Val())

	n, err = c.Reclaim(ctx, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

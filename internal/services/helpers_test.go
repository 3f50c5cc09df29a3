package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"mailflow/internal/metrics"
	"mailflow/internal/models"
	"mailflow/internal/repository"
	"mailflow/pkg/taskqueue"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestRepos(t *testing.T) *repository.Repositories {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:svc_"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 单连接：并发测试串行化到同一个内存库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repos, err := repository.NewGorm(context.Background(), db, true)
	require.NoError(t, err)
	return repos
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// recordingDispatcher 记录提交的任务
type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []models.Task
	err   error
}

func (d *recordingDispatcher) AddTask(ctx context.Context, task models.Task) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.tasks = append(d.tasks, task)
	return fmt.Sprintf("%s-%d", task.Type, len(d.tasks)), nil
}

func (d *recordingDispatcher) Tasks() []models.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]models.Task(nil), d.tasks...)
}

// memoryQueue is an in-process stand-in for the Redis queue.
type memoryQueue struct {
	mu        sync.Mutex
	ready     []taskqueue.Message
	pushes    []time.Duration
	scheduled map[string]time.Time
	acked     []string
	status    *taskqueue.Status
	err       error
}

func newMemoryQueue() *memoryQueue {
	return &memoryQueue{scheduled: map[string]time.Time{}}
}

func (q *memoryQueue) Push(ctx context.Context, msg taskqueue.Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ready = append(q.ready, msg)
	q.pushes = append(q.pushes, delay)
	return nil
}

func (q *memoryQueue) Schedule(ctx context.Context, name string, msg taskqueue.Message, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if _, ok := q.scheduled[name]; ok {
		return taskqueue.ErrDuplicateExecution
	}
	q.scheduled[name] = at
	return nil
}

func (q *memoryQueue) Status(ctx context.Context) (*taskqueue.Status, error) {
	if q.status == nil {
		return nil, errors.New("status unavailable")
	}
	return q.status, nil
}

func (q *memoryQueue) Pop(ctx context.Context, timeout time.Duration) (*taskqueue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		q.mu.Unlock()
		time.Sleep(timeout)
		q.mu.Lock()
		return nil, nil
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	return &msg, nil
}

func (q *memoryQueue) Ack(ctx context.Context, msg *taskqueue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, msg.ID)
	return nil
}

// automationFixture 一个项目及其引擎
type automationFixture struct {
	ctx        context.Context
	repos      *repository.Repositories
	dispatcher *recordingDispatcher
	engine     *AutomationService
	project    *models.Project

	mu    sync.Mutex
	stats []statsCall
}

type statsCall struct {
	metrics.AutomationStats
	err error
}

func newAutomationFixture(t *testing.T) *automationFixture {
	t.Helper()
	f := &automationFixture{ctx: context.Background(), repos: newTestRepos(t), dispatcher: &recordingDispatcher{}}
	projects := NewProjectService(f.repos, f.dispatcher, quietLogger())
	f.engine = NewAutomationService(f.repos, projects, f.dispatcher, quietLogger())
	f.engine.observe = func(st metrics.AutomationStats, err error) {
		f.mu.Lock()
		f.stats = append(f.stats, statsCall{AutomationStats: st, err: err})
		f.mu.Unlock()
	}
	var err error
	f.project, err = f.repos.Projects.Create(f.ctx, &models.Project{Name: "acme"})
	require.NoError(t, err)
	return f
}

func (f *automationFixture) contact(t *testing.T, email string, subscribed bool) *models.Contact {
	t.Helper()
	c, err := f.repos.Contacts.Create(f.ctx, &models.Contact{Project: f.project.ID, Email: email, Subscribed: subscribed})
	require.NoError(t, err)
	return c
}

func (f *automationFixture) template(t *testing.T, kind string) *models.Template {
	t.Helper()
	tpl, err := f.repos.Templates.Create(f.ctx, &models.Template{Project: f.project.ID, Subject: "hi", TemplateType: kind})
	require.NoError(t, err)
	return tpl
}

func (f *automationFixture) action(t *testing.T, a models.Action) *models.Action {
	t.Helper()
	a.Project = f.project.ID
	if a.Name == "" {
		a.Name = strings.Join(a.Events, "+")
	}
	created, err := f.repos.Actions.Create(f.ctx, &a)
	require.NoError(t, err)
	return created
}

// record 只写入事件，不触发
func (f *automationFixture) record(t *testing.T, c *models.Contact, eventType string) {
	t.Helper()
	_, err := f.repos.Events.Create(f.ctx, &models.Event{Project: f.project.ID, EventType: eventType, Contact: c.ID})
	require.NoError(t, err)
}

// track 写入事件并触发引擎
func (f *automationFixture) track(t *testing.T, c *models.Contact, eventType string) {
	t.Helper()
	f.record(t, c, eventType)
	require.NoError(t, f.engine.Trigger(f.ctx, eventType, c, f.project))
}

func (f *automationFixture) lastStats(t *testing.T) statsCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.stats)
	return f.stats[len(f.stats)-1]
}

func (f *automationFixture) auditEvents(t *testing.T, actionID string) []*models.Event {
	t.Helper()
	events, err := f.repos.Events.FindAllBy(f.ctx, repository.ByRelation, actionID, nil)
	require.NoError(t, err)
	return events
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mailflow/internal/models"
	"mailflow/internal/repository"
	"mailflow/internal/store"
	"mailflow/pkg/taskqueue"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TaskConsumer is the worker side of pkg/taskqueue.
type TaskConsumer interface {
	Push(ctx context.Context, msg taskqueue.Message, delay time.Duration) error
	Pop(ctx context.Context, timeout time.Duration) (*taskqueue.Message, error)
	Ack(ctx context.Context, msg *taskqueue.Message) error
}

// TaskHandler executes one task payload.
type TaskHandler func(ctx context.Context, payload json.RawMessage) error

// OutgoingEmail is what an EmailSender transmits.
type OutgoingEmail struct {
	To           string
	Subject      string
	Body         string
	TemplateType string
}

// EmailSender transmits rendered email and returns the provider message id.
type EmailSender interface {
	Send(ctx context.Context, msg OutgoingEmail) (string, error)
}

// LogSender only logs outgoing email; used when no provider is configured.
type LogSender struct {
	Logger *logrus.Logger
}

func (s LogSender) Send(ctx context.Context, msg OutgoingEmail) (string, error) {
	id := uuid.NewString()
	if s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"to":         msg.To,
			"subject":    msg.Subject,
			"message_id": id,
		}).Info("email send (log only)")
	}
	return id, nil
}

const (
	defaultMaxAttempts = 5
	retryBaseDelay     = 30 * time.Second
)

// TaskWorker pops tasks and runs the handler registered for their type.
// Delivery is at-least-once; handlers tolerate repeats.
type TaskWorker struct {
	queue       TaskConsumer
	handlers    map[string]TaskHandler
	logger      *logrus.Logger
	popTimeout  time.Duration
	maxAttempts int
}

func NewTaskWorker(queue TaskConsumer, popTimeout time.Duration, logger *logrus.Logger) *TaskWorker {
	if logger == nil {
		logger = logrus.New()
	}
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &TaskWorker{
		queue:       queue,
		handlers:    map[string]TaskHandler{},
		logger:      logger,
		popTimeout:  popTimeout,
		maxAttempts: defaultMaxAttempts,
	}
}

// Handle registers h for taskType.
func (w *TaskWorker) Handle(taskType string, h TaskHandler) {
	w.handlers[taskType] = h
}

// RegisterDefaultHandlers wires the built-in task types.
func (w *TaskWorker) RegisterDefaultHandlers(repos *repository.Repositories, sender EmailSender) {
	w.Handle(models.TaskSendEmail, SendEmailHandler(repos, sender, w.logger))
	w.Handle(models.TaskBatchDeleteRelated, BatchDeleteRelatedHandler(repos))
}

// Run starts n consumers and blocks until ctx is done.
func (w *TaskWorker) Run(ctx context.Context, n int) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for ctx.Err() == nil {
				if _, err := w.ProcessOne(ctx); err != nil && ctx.Err() == nil {
					w.logger.WithError(err).WithField("worker", worker).Warn("task worker: pop failed")
					select {
					case <-ctx.Done():
					case <-time.After(time.Second):
					}
				}
			}
		}(i)
	}
	wg.Wait()
}

// ProcessOne pops at most one message and handles it. It reports whether a
// message was consumed; handler failures are retried through the queue and
// do not surface as errors.
func (w *TaskWorker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.queue.Pop(ctx, w.popTimeout)
	if err != nil || msg == nil {
		return false, err
	}
	entry := w.logger.WithFields(logrus.Fields{"task": msg.Type, "id": msg.ID, "attempt": msg.Attempts + 1})

	if herr := w.handle(ctx, msg); herr != nil {
		if msg.Attempts+1 < w.maxAttempts {
			retry := *msg
			retry.Attempts++
			delay := retryBaseDelay * time.Duration(1<<msg.Attempts)
			if err := w.queue.Push(ctx, retry, delay); err != nil {
				// 不确认；超过可见性超时后由队列回收重新投递
				return true, fmt.Errorf("requeue %s: %w", msg.ID, err)
			}
			entry.WithError(herr).Warnf("task failed, retrying in %s", delay)
		} else {
			entry.WithError(herr).Error("task failed, giving up")
		}
	} else {
		entry.Debug("task done")
	}
	return true, w.queue.Ack(ctx, msg)
}

func (w *TaskWorker) handle(ctx context.Context, msg *taskqueue.Message) error {
	h, ok := w.handlers[msg.Type]
	if !ok {
		return fmt.Errorf("no handler for task type %q", msg.Type)
	}
	return h(ctx, msg.Payload)
}

// SendEmailHandler sends the action's template to the contact and records
// the sent Email. Subscription is checked again since it may have changed
// while the task waited.
func SendEmailHandler(repos *repository.Repositories, sender EmailSender, logger *logrus.Logger) TaskHandler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p models.SendEmailPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		action, err := repos.Actions.Get(ctx, p.Action)
		if errors.Is(err, store.ErrNotFound) {
			logger.WithField("action", p.Action).Warn("send email: action deleted")
			return nil
		}
		if err != nil {
			return err
		}
		contact, err := repos.Contacts.Get(ctx, p.Contact)
		if errors.Is(err, store.ErrNotFound) {
			logger.WithField("contact", p.Contact).Warn("send email: contact deleted")
			return nil
		}
		if err != nil {
			return err
		}
		tpl, err := repos.Templates.Get(ctx, action.Template)
		if errors.Is(err, store.ErrNotFound) {
			logger.WithField("template", action.Template).Warn("send email: template deleted")
			return nil
		}
		if err != nil {
			return err
		}
		if !contact.Subscribed && tpl.TemplateType == models.TemplateMarketing {
			return nil
		}

		messageID, err := sender.Send(ctx, OutgoingEmail{
			To:           contact.Email,
			Subject:      tpl.Subject,
			Body:         tpl.Body,
			TemplateType: tpl.TemplateType,
		})
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		_, err = repos.Emails.Create(ctx, &models.Email{
			Project:      p.Project,
			Contact:      contact.ID,
			Relation:     action.ID,
			RelationType: models.RelationAction,
			Subject:      tpl.Subject,
			MessageID:    messageID,
			Status:       "sent",
		})
		return err
	}
}

// BatchDeleteRelatedHandler removes everything a project owns.
func BatchDeleteRelatedHandler(repos *repository.Repositories) TaskHandler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p struct {
			Project string `json:"project"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.Project == "" {
			return fmt.Errorf("%w: project is required", ErrInvalidInput)
		}
		return repos.DeleteProjectData(ctx, p.Project)
	}
}

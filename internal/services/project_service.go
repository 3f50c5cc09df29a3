package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mailflow/internal/models"
	"mailflow/internal/repository"
	"mailflow/internal/store"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ProjectService owns project-level registries.
type ProjectService struct {
	repos      *repository.Repositories
	dispatcher Dispatcher
	logger     *logrus.Logger
	retry      store.RetryPolicy
}

func NewProjectService(repos *repository.Repositories, dispatcher Dispatcher, logger *logrus.Logger) *ProjectService {
	if logger == nil {
		logger = logrus.New()
	}
	return &ProjectService{repos: repos, dispatcher: dispatcher, logger: logger, retry: store.DefaultRetryPolicy()}
}

// SetRetryPolicy bounds the compare-and-put loop of RegisterEventType.
func (s *ProjectService) SetRetryPolicy(p store.RetryPolicy) { s.retry = p }

// Get 获取项目
func (s *ProjectService) Get(ctx context.Context, id string) (*models.Project, error) {
	return s.repos.Projects.Get(ctx, id)
}

// Create 创建项目
func (s *ProjectService) Create(ctx context.Context, name string) (*models.Project, error) {
	return s.repos.Projects.Create(ctx, &models.Project{Name: name})
}

// Delete removes the project and hands the removal of everything it owns to
// a batchDeleteRelated task.
func (s *ProjectService) Delete(ctx context.Context, id string) (string, error) {
	if _, err := s.repos.Projects.Get(ctx, id); err != nil {
		return "", err
	}
	if err := s.repos.Projects.Delete(ctx, id); err != nil {
		return "", err
	}
	payload, err := json.Marshal(map[string]string{"project": id})
	if err != nil {
		return "", err
	}
	taskID, err := s.dispatcher.AddTask(ctx, models.Task{Type: models.TaskBatchDeleteRelated, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("schedule cleanup of %s: %w", id, err)
	}
	s.logger.WithFields(logrus.Fields{"project": id, "task": taskID}).Info("project deleted")
	return taskID, nil
}

// RegisterEventType adds eventType to the project's set of custom event
// types. Built-in names and already known types are no-ops. Concurrent
// registrations never lose each other's writes: each attempt re-reads the
// project and writes with a version check.
func (s *ProjectService) RegisterEventType(ctx context.Context, projectID, eventType string) (*models.Project, error) {
	var out *models.Project
	attempts := 0
	op := func() error {
		attempts++
		p, err := s.repos.Projects.Get(ctx, projectID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if models.IsBuiltinEventType(eventType) || p.HasEventType(eventType) {
			out = p
			return nil
		}
		p.EventTypes = append(p.EventTypes, eventType)
		saved, err := s.repos.Projects.CompareAndPut(ctx, p)
		if errors.Is(err, store.ErrConditionFailed) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		out = saved
		return nil
	}
	if err := backoff.Retry(op, s.retry.BackOff(ctx)); err != nil {
		return nil, fmt.Errorf("register event type %q: %w", eventType, err)
	}
	if attempts > 1 {
		s.logger.WithFields(logrus.Fields{
			"project":    projectID,
			"event_type": eventType,
			"attempts":   attempts,
		}).Debug("event type registered after version conflicts")
	}
	return out, nil
}

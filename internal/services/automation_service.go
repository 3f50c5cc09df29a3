package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"mailflow/internal/metrics"
	"mailflow/internal/models"
	"mailflow/internal/observability"
	"mailflow/internal/repository"
	"mailflow/internal/store"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type skipReason int

const (
	passed skipReason = iota
	skipRunOnce
	skipNotEvents
	skipIncompleteTriggers
	skipUnsubscribed
	skipNoTemplate
)

// AutomationService evaluates a project's actions against a contact's event
// history each time the contact produces an event.
type AutomationService struct {
	repos      *repository.Repositories
	projects   *ProjectService
	dispatcher Dispatcher
	logger     *logrus.Logger
	tracer     trace.Tracer
	observe    func(metrics.AutomationStats, error)
}

func NewAutomationService(repos *repository.Repositories, projects *ProjectService, dispatcher Dispatcher, logger *logrus.Logger) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if projects == nil {
		projects = NewProjectService(repos, dispatcher, logger)
	}
	return &AutomationService{
		repos:      repos,
		projects:   projects,
		dispatcher: dispatcher,
		logger:     logger,
		tracer:     observability.Tracer("automation"),
		observe:    metrics.ObserveAutomation,
	}
}

// RunOnceKey is the idempotency key of the audit event a runOnce action
// writes for a contact.
func RunOnceKey(actionID, contactID string) string {
	return "runonce:" + actionID + ":" + contactID
}

// Trigger runs every action of project that listens for eventType against
// contact. Gate failures are counted, not returned; only store or dispatch
// failures are errors, and they stop the remaining actions.
func (s *AutomationService) Trigger(ctx context.Context, eventType string, contact *models.Contact, project *models.Project) (err error) {
	ctx, span := s.tracer.Start(ctx, "automation.Trigger", trace.WithAttributes(
		attribute.String("mailflow.event_type", eventType),
		attribute.String("mailflow.contact", contact.ID),
		attribute.String("mailflow.project", project.ID),
	))
	var stats metrics.AutomationStats
	defer func() {
		span.SetAttributes(
			attribute.Int("mailflow.actions_evaluated", stats.ActionsEvaluated),
			attribute.Int("mailflow.actions_triggered", stats.ActionsTriggered),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.observe(stats, err)
		s.logStats(eventType, contact, project, stats, err)
	}()

	actions, err := s.candidates(ctx, project.ID, eventType)
	if err != nil {
		return fmt.Errorf("automation: load actions: %w", err)
	}
	if len(actions) == 0 {
		return nil
	}
	history, err := s.repos.Events.FindAllBy(ctx, repository.ByContact, contact.ID, nil)
	if err != nil {
		return fmt.Errorf("automation: load history: %w", err)
	}

	registered := false
	for _, action := range actions {
		stats.ActionsEvaluated++

		reason := checkHistory(action, history)
		if reason == passed {
			if !registered {
				registered = true
				if err := s.registerEventType(ctx, project, eventType); err != nil {
					return err
				}
			}
			reason, err = s.fire(ctx, action, eventType, contact, project)
			if err != nil {
				return fmt.Errorf("automation: action %s: %w", action.ID, err)
			}
		}

		switch reason {
		case passed:
			stats.ActionsTriggered++
		case skipRunOnce:
			stats.RunOnce++
		case skipNotEvents:
			stats.NotEvents++
		case skipIncompleteTriggers:
			stats.IncompleteTriggers++
		case skipUnsubscribed:
			stats.Unsubscribed++
		case skipNoTemplate:
			stats.NoTemplate++
		}
	}
	return nil
}

func (s *AutomationService) candidates(ctx context.Context, projectID, eventType string) ([]*models.Action, error) {
	all, err := s.repos.Actions.FindAllBy(ctx, repository.ByProject, projectID, nil)
	if err != nil {
		return nil, err
	}
	var out []*models.Action
	for _, a := range all {
		if contains(a.Events, eventType) {
			out = append(out, a)
		}
	}
	return out, nil
}

// checkHistory applies the read-only gates: run-once, exclusion, completeness.
func checkHistory(action *models.Action, history []*models.Event) skipReason {
	last := lastTrigger(action.ID, history)
	if action.RunOnce && last != nil {
		return skipRunOnce
	}
	for _, e := range history {
		if contains(action.NotEvents, e.EventType) {
			return skipNotEvents
		}
	}
	if !complete(action, history, last) {
		return skipIncompleteTriggers
	}
	return passed
}

// lastTrigger returns the newest audit event action wrote for this history.
func lastTrigger(actionID string, history []*models.Event) *models.Event {
	var last *models.Event
	for _, e := range history {
		if e.Relation != actionID {
			continue
		}
		if last == nil || after(e, last) {
			last = e
		}
	}
	return last
}

// complete reports whether the required event types seen since the last
// trigger are exactly the action's required set.
func complete(action *models.Action, history []*models.Event, last *models.Event) bool {
	seen := map[string]struct{}{}
	for _, e := range history {
		if !contains(action.Events, e.EventType) {
			continue
		}
		if last != nil && !after(e, last) {
			continue
		}
		seen[e.EventType] = struct{}{}
	}
	got := make([]string, 0, len(seen))
	for t := range seen {
		got = append(got, t)
	}
	want := append([]string(nil), action.Events...)
	sort.Strings(got)
	sort.Strings(want)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// after orders events by creation time, then by their time-ordered id.
func after(a, b *models.Event) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *AutomationService) registerEventType(ctx context.Context, project *models.Project, eventType string) error {
	if models.IsBuiltinEventType(eventType) || project.HasEventType(eventType) {
		return nil
	}
	updated, err := s.projects.RegisterEventType(ctx, project.ID, eventType)
	if err != nil {
		return fmt.Errorf("automation: %w", err)
	}
	project.EventTypes = updated.EventTypes
	project.Version = updated.Version
	return nil
}

// fire writes the audit event, then resolves the template and enqueues the
// send. The audit event is written even when a later gate rejects the send.
func (s *AutomationService) fire(ctx context.Context, action *models.Action, eventType string, contact *models.Contact, project *models.Project) (skipReason, error) {
	audit := &models.Event{
		Project:      project.ID,
		EventType:    eventType,
		Contact:      contact.ID,
		Relation:     action.ID,
		RelationType: models.RelationAction,
	}
	var err error
	if action.RunOnce {
		_, err = s.repos.Events.CreateUnique(ctx, audit, RunOnceKey(action.ID, contact.ID))
		if errors.Is(err, store.ErrConditionFailed) {
			return skipRunOnce, nil
		}
	} else {
		_, err = s.repos.Events.Create(ctx, audit)
	}
	if err != nil {
		return passed, fmt.Errorf("audit event: %w", err)
	}

	tpl, err := s.repos.Templates.Get(ctx, action.Template)
	if errors.Is(err, store.ErrNotFound) {
		return skipNoTemplate, nil
	}
	if err != nil {
		return passed, fmt.Errorf("template %s: %w", action.Template, err)
	}
	if !contact.Subscribed && tpl.TemplateType == models.TemplateMarketing {
		return skipUnsubscribed, nil
	}

	task, err := models.NewSendEmailTask(action, contact.ID, project.ID)
	if err != nil {
		return passed, err
	}
	if _, err := s.dispatcher.AddTask(ctx, task); err != nil {
		return passed, fmt.Errorf("dispatch: %w", err)
	}
	return passed, nil
}

func (s *AutomationService) logStats(eventType string, contact *models.Contact, project *models.Project, st metrics.AutomationStats, err error) {
	entry := s.logger.WithFields(logrus.Fields{
		"project":           project.ID,
		"contact":           contact.ID,
		"event_type":        eventType,
		"actions_evaluated": st.ActionsEvaluated,
		"actions_triggered": st.ActionsTriggered,
		"skip_run_once":     st.RunOnce,
		"skip_not_events":   st.NotEvents,
		"skip_incomplete":   st.IncompleteTriggers,
		"skip_unsubscribed": st.Unsubscribed,
		"skip_no_template":  st.NoTemplate,
	})
	if err != nil {
		entry.WithError(err).Warn("automation: evaluation aborted")
		return
	}
	entry.Info("automation: evaluated")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mailflow/internal/models"
	"mailflow/internal/repository"
	"mailflow/internal/store"

	"github.com/sirupsen/logrus"
)

// TrackRequest 自定义事件上报
type TrackRequest struct {
	Event      string                 `json:"event" binding:"required"`
	Email      string                 `json:"email" binding:"required,email"`
	Subscribed *bool                  `json:"subscribed"`
	Data       map[string]interface{} `json:"data"`
}

// DeliveryRequest is a provider-neutral delivery notification. Either EmailID
// or MessageID identifies the sent email.
type DeliveryRequest struct {
	Type      string `json:"type" binding:"required"`
	EmailID   string `json:"emailId"`
	MessageID string `json:"messageId"`
}

// TrackResult is what Track persisted.
type TrackResult struct {
	Contact *models.Contact `json:"contact"`
	Event   *models.Event   `json:"event"`
}

var deliveryEventTypes = map[string]string{
	"delivered":  models.EventEmailDelivered,
	"opened":     models.EventEmailOpened,
	"clicked":    models.EventEmailClicked,
	"bounced":    models.EventEmailBounced,
	"complained": models.EventEmailComplained,
}

// EventService records inbound events and runs automations on them.
type EventService struct {
	repos  *repository.Repositories
	engine *AutomationService
	logger *logrus.Logger
}

func NewEventService(repos *repository.Repositories, engine *AutomationService, logger *logrus.Logger) *EventService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EventService{repos: repos, engine: engine, logger: logger}
}

// Track records a custom event for the contact with req.Email, creating the
// contact on first sight, then triggers the project's automations.
func (s *EventService) Track(ctx context.Context, projectID string, req TrackRequest) (*TrackResult, error) {
	if strings.TrimSpace(req.Event) == "" {
		return nil, fmt.Errorf("%w: event is required", ErrInvalidInput)
	}
	project, err := s.repos.Projects.Get(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	contact, err := s.upsertContact(ctx, project.ID, req)
	if err != nil {
		return nil, err
	}
	event, err := s.repos.Events.Create(ctx, &models.Event{
		Project:   project.ID,
		EventType: req.Event,
		Contact:   contact.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	if err := s.engine.Trigger(ctx, req.Event, contact, project); err != nil {
		return nil, err
	}
	return &TrackResult{Contact: contact, Event: event}, nil
}

// FindContact looks a contact up by email within a project.
func (s *EventService) FindContact(ctx context.Context, projectID, email string) (*models.Contact, error) {
	page, err := s.repos.Contacts.FindBy(ctx, store.FindQuery{
		Index: repository.ByProjectEmail,
		Value: repository.ProjectEmailKey(projectID, normalizeEmail(email)),
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, store.ErrNotFound
	}
	return page.Items[0], nil
}

func (s *EventService) upsertContact(ctx context.Context, projectID string, req TrackRequest) (*models.Contact, error) {
	email := normalizeEmail(req.Email)
	contact, err := s.FindContact(ctx, projectID, email)
	if errors.Is(err, store.ErrNotFound) {
		contact = &models.Contact{Project: projectID, Email: email, Subscribed: true}
		if req.Subscribed != nil {
			contact.Subscribed = *req.Subscribed
		}
		if len(req.Data) > 0 {
			contact.Data = req.Data
		}
		created, err := s.repos.Contacts.CreateUnique(ctx, contact, "contact:"+repository.ProjectEmailKey(projectID, email))
		if errors.Is(err, store.ErrConditionFailed) {
			// 并发创建：读取胜出的那条
			contact, err = s.FindContact(ctx, projectID, email)
			if err != nil {
				return nil, fmt.Errorf("contact %s: %w", email, err)
			}
			return s.mergeContact(ctx, contact, req)
		}
		if err != nil {
			return nil, fmt.Errorf("create contact: %w", err)
		}
		return created, nil
	}
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", email, err)
	}
	return s.mergeContact(ctx, contact, req)
}

func (s *EventService) mergeContact(ctx context.Context, contact *models.Contact, req TrackRequest) (*models.Contact, error) {
	changed := false
	if req.Subscribed != nil && contact.Subscribed != *req.Subscribed {
		contact.Subscribed = *req.Subscribed
		changed = true
	}
	for k, v := range req.Data {
		if contact.Data == nil {
			contact.Data = map[string]interface{}{}
		}
		contact.Data[k] = v
		changed = true
	}
	if !changed {
		return contact, nil
	}
	saved, err := s.repos.Contacts.Put(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("update contact: %w", err)
	}
	return saved, nil
}

// HandleDelivery translates a delivery notification into an email.<type>
// event on the email's contact and triggers automations. Bounces and
// complaints unsubscribe the contact first.
func (s *EventService) HandleDelivery(ctx context.Context, req DeliveryRequest) (*models.Event, error) {
	eventType, ok := deliveryEventTypes[strings.ToLower(req.Type)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown delivery type %q", ErrInvalidInput, req.Type)
	}
	email, err := s.findEmail(ctx, req)
	if err != nil {
		return nil, err
	}
	email.Status = strings.ToLower(req.Type)
	if email, err = s.repos.Emails.Put(ctx, email); err != nil {
		return nil, fmt.Errorf("update email: %w", err)
	}

	contact, err := s.repos.Contacts.Get(ctx, email.Contact)
	if err != nil {
		return nil, fmt.Errorf("contact %s: %w", email.Contact, err)
	}
	project, err := s.repos.Projects.Get(ctx, email.Project)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", email.Project, err)
	}
	if (eventType == models.EventEmailBounced || eventType == models.EventEmailComplained) && contact.Subscribed {
		contact.Subscribed = false
		if contact, err = s.repos.Contacts.Put(ctx, contact); err != nil {
			return nil, fmt.Errorf("unsubscribe contact: %w", err)
		}
		s.logger.WithFields(logrus.Fields{
			"contact": contact.ID,
			"email":   email.ID,
			"reason":  eventType,
		}).Info("contact unsubscribed")
	}

	event, err := s.repos.Events.Create(ctx, &models.Event{
		Project:      project.ID,
		EventType:    eventType,
		Contact:      contact.ID,
		Relation:     email.ID,
		RelationType: models.RelationEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("record event: %w", err)
	}
	if err := s.engine.Trigger(ctx, eventType, contact, project); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *EventService) findEmail(ctx context.Context, req DeliveryRequest) (*models.Email, error) {
	if req.EmailID != "" {
		return s.repos.Emails.Get(ctx, req.EmailID)
	}
	if req.MessageID == "" {
		return nil, fmt.Errorf("%w: emailId or messageId is required", ErrInvalidInput)
	}
	page, err := s.repos.Emails.FindBy(ctx, store.FindQuery{Index: repository.ByMessageID, Value: req.MessageID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, store.ErrNotFound
	}
	return page.Items[0], nil
}

// ListEvents pages through a project's events, or one contact's when
// contactID is set.
func (s *EventService) ListEvents(ctx context.Context, projectID, contactID string, cursor store.Cursor, limit int) (*store.PageOf[*models.Event], error) {
	q := store.FindQuery{Index: repository.ByProject, Value: projectID, Cursor: cursor, Limit: limit}
	if contactID != "" {
		contact, err := s.repos.Contacts.Get(ctx, contactID)
		if err != nil {
			return nil, err
		}
		if contact.Project != projectID {
			return nil, store.ErrNotFound
		}
		q = store.FindQuery{Index: repository.ByContact, Value: contactID, Cursor: cursor, Limit: limit}
	}
	return s.repos.Events.FindBy(ctx, q)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

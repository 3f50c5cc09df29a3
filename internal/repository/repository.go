// Package repository declares the index schema of every entity type and
// binds them to a store driver.
package repository

import (
	"context"
	"errors"
	"fmt"

	"mailflow/internal/models"
	"mailflow/internal/store"

	"gorm.io/gorm"
)

// Index names shared by callers.
const (
	ByProject      = "project"
	ByContact      = "contact"
	ByRelation     = "relation"
	ByEventType    = "eventType"
	ByTemplate     = "template"
	ByMessageID    = "messageId"
	ByProjectEmail = "projectEmail"
)

// Relations embeddable on actions.
const (
	ActionEmails = "emails"
	ActionEvents = "events"
)

// Repositories holds one table per entity type.
type Repositories struct {
	Projects  *store.Table[*models.Project]
	Contacts  *store.Table[*models.Contact]
	Actions   *store.Table[*models.Action]
	Events    *store.Table[*models.Event]
	Templates *store.Table[*models.Template]
	Emails    *store.Table[*models.Email]
}

// ProjectEmailKey is the global index key of a contact.
func ProjectEmailKey(project, email string) string {
	return project + "#" + email
}

func projectSchema() store.Schema[*models.Project] {
	return store.Schema[*models.Project]{
		Type: models.TypeProject,
		New:  func() *models.Project { return &models.Project{} },
	}
}

func contactSchema() store.Schema[*models.Contact] {
	return store.Schema[*models.Contact]{
		Type: models.TypeContact,
		New:  func() *models.Contact { return &models.Contact{} },
		Local: []store.Index[*models.Contact]{
			{Name: ByProject, Key: func(c *models.Contact) string { return c.Project }},
		},
		Global: []store.Index[*models.Contact]{
			{Name: ByProjectEmail, Key: func(c *models.Contact) string { return ProjectEmailKey(c.Project, c.Email) }},
		},
	}
}

func actionSchema() store.Schema[*models.Action] {
	return store.Schema[*models.Action]{
		Type: models.TypeAction,
		New:  func() *models.Action { return &models.Action{} },
		Local: []store.Index[*models.Action]{
			{Name: ByProject, Key: func(a *models.Action) string { return a.Project }},
			{Name: ByTemplate, Key: func(a *models.Action) string { return a.Template }},
		},
	}
}

func eventSchema() store.Schema[*models.Event] {
	return store.Schema[*models.Event]{
		Type: models.TypeEvent,
		New:  func() *models.Event { return &models.Event{} },
		Local: []store.Index[*models.Event]{
			{Name: ByProject, Key: func(e *models.Event) string { return e.Project }},
			{Name: ByContact, Key: func(e *models.Event) string { return e.Contact }},
			{Name: ByRelation, Key: func(e *models.Event) string { return e.Relation }},
			{Name: ByEventType, Key: func(e *models.Event) string { return e.EventType }},
		},
	}
}

func templateSchema() store.Schema[*models.Template] {
	return store.Schema[*models.Template]{
		Type: models.TypeTemplate,
		New:  func() *models.Template { return &models.Template{} },
		Local: []store.Index[*models.Template]{
			{Name: ByProject, Key: func(t *models.Template) string { return t.Project }},
		},
	}
}

func emailSchema() store.Schema[*models.Email] {
	return store.Schema[*models.Email]{
		Type: models.TypeEmail,
		New:  func() *models.Email { return &models.Email{} },
		Local: []store.Index[*models.Email]{
			{Name: ByProject, Key: func(e *models.Email) string { return e.Project }},
			{Name: ByContact, Key: func(e *models.Email) string { return e.Contact }},
			{Name: ByRelation, Key: func(e *models.Email) string { return e.Relation }},
			{Name: ByMessageID, Key: func(e *models.Email) string { return e.MessageID }},
		},
	}
}

// New builds all tables over driver and wires the action relations.
func New(driver store.Driver) (*Repositories, error) {
	var (
		r   Repositories
		err error
	)
	if r.Projects, err = store.NewTable(driver, projectSchema()); err != nil {
		return nil, err
	}
	if r.Contacts, err = store.NewTable(driver, contactSchema()); err != nil {
		return nil, err
	}
	if r.Actions, err = store.NewTable(driver, actionSchema()); err != nil {
		return nil, err
	}
	if r.Events, err = store.NewTable(driver, eventSchema()); err != nil {
		return nil, err
	}
	if r.Templates, err = store.NewTable(driver, templateSchema()); err != nil {
		return nil, err
	}
	if r.Emails, err = store.NewTable(driver, emailSchema()); err != nil {
		return nil, err
	}

	emails, err := store.HasMany(ActionEmails, r.Emails, ByRelation)
	if err != nil {
		return nil, err
	}
	events, err := store.HasMany(ActionEvents, r.Events, ByRelation)
	if err != nil {
		return nil, err
	}
	r.Actions.AddRelation(emails)
	r.Actions.AddRelation(events)
	return &r, nil
}

// NewGorm builds the repositories over a gorm database, migrating the
// entities table when migrate is set.
func NewGorm(ctx context.Context, db *gorm.DB, migrate bool) (*Repositories, error) {
	if db == nil {
		return nil, errors.New("repository: nil database")
	}
	driver := store.NewGormDriver(db)
	if migrate {
		if err := driver.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("repository: migrate: %w", err)
		}
	}
	return New(driver)
}

// DeleteProjectData removes every entity of a project except the project
// itself. It backs the batchDeleteRelated task.
func (r *Repositories) DeleteProjectData(ctx context.Context, projectID string) error {
	if err := deleteByProject(ctx, r.Events, projectID); err != nil {
		return err
	}
	if err := deleteByProject(ctx, r.Emails, projectID); err != nil {
		return err
	}
	if err := deleteByProject(ctx, r.Actions, projectID); err != nil {
		return err
	}
	if err := deleteByProject(ctx, r.Templates, projectID); err != nil {
		return err
	}
	return deleteByProject(ctx, r.Contacts, projectID)
}

func deleteByProject[T store.Entity](ctx context.Context, tbl *store.Table[T], projectID string) error {
	items, err := tbl.FindAllBy(ctx, ByProject, projectID, nil)
	if err != nil {
		return fmt.Errorf("list %s: %w", tbl.Type(), err)
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.GetMeta().ID)
	}
	if err := tbl.BatchDelete(ctx, ids); err != nil {
		return fmt.Errorf("delete %s: %w", tbl.Type(), err)
	}
	return nil
}

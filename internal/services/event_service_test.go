package services

import (
	"testing"

	"mailflow/internal/models"
	"mailflow/internal/repository"
	"mailflow/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEventTestService(t *testing.T) (*EventService, *automationFixture) {
	f := newAutomationFixture(t)
	return NewEventService(f.repos, f.engine, quietLogger()), f
}

func TestEventService_TrackCreatesContact(t *testing.T) {
	svc, f := newEventTestService(t)

	res, err := svc.Track(f.ctx, f.project.ID, TrackRequest{Event: "signup", Email: " Ann@Example.com ", Data: map[string]interface{}{"plan": "pro"}})
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", res.Contact.Email)
	assert.True(t, res.Contact.Subscribed)
	assert.Equal(t, "pro", res.Contact.Data["plan"])
	assert.Equal(t, "signup", res.Event.EventType)
	assert.Equal(t, res.Contact.ID, res.Event.Contact)

	found, err := svc.FindContact(f.ctx, f.project.ID, "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, res.Contact.ID, found.ID)
}

func TestEventService_TrackReusesAndMergesContact(t *testing.T) {
	svc, f := newEventTestService(t)

	first, err := svc.Track(f.ctx, f.project.ID, TrackRequest{Event: "a", Email: "ann@example.com", Data: map[string]interface{}{"plan": "pro"}})
	require.NoError(t, err)

	no := false
	second, err := svc.Track(f.ctx, f.project.ID, TrackRequest{Event: "b", Email: "ANN@example.com", Subscribed: &no, Data: map[string]interface{}{"seats": float64(3)}})
	require.NoError(t, err)

	assert.Equal(t, first.Contact.ID, second.Contact.ID)
	assert.False(t, second.Contact.Subscribed)
	assert.Equal(t, "pro", second.Contact.Data["plan"])
	assert.Equal(t, float64(3), second.Contact.Data["seats"])

	contacts, err := f.repos.Contacts.FindAllBy(f.ctx, repository.ByProject, f.project.ID, nil)
	require.NoError(t, err)
	assert.Len(t, contacts, 1)

	events, err := f.repos.Events.FindAllBy(f.ctx, repository.ByContact, first.Contact.ID, nil)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEventService_TrackTriggersAutomation(t *testing.T) {
	svc, f := newEventTestService(t)
	tpl := f.template(t, models.TemplateMarketing)
	f.action(t, models.Action{Events: []string{"signup"}, Template: tpl.ID})

	_, err := svc.Track(f.ctx, f.project.ID, TrackRequest{Event: "signup", Email: "ann@example.com"})
	require.NoError(t, err)
	assert.Len(t, f.dispatcher.Tasks(), 1)

	no := false
	_, err = svc.Track(f.ctx, f.project.ID, TrackRequest{Event: "signup", Email: "bob@example.com", Subscribed: &no})
	require.NoError(t, err)
	assert.Len(t, f.dispatcher.Tasks(), 1)
}

func TestEventService_TrackErrors(t *testing.T) {
	svc, f := newEventTestService(t)

	_, err := svc.Track(f.ctx, "missing", TrackRequest{Event: "a", Email: "ann@example.com"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.Track(f.ctx, f.project.ID, TrackRequest{Event: " ", Email: "ann@example.com"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Track(f.ctx, f.project.ID, TrackRequest{Event: "a", Email: "not-an-email"})
	assert.True(t, store.IsValidation(err))
}

func seedEmail(t *testing.T, f *automationFixture, c *models.Contact, messageID string) *models.Email {
	t.Helper()
	e, err := f.repos.Emails.Create(f.ctx, &models.Email{
		Project:      f.project.ID,
		Contact:      c.ID,
		Relation:     "act-1",
		RelationType: models.RelationAction,
		MessageID:    messageID,
		Status:       "sent",
	})
	require.NoError(t, err)
	return e
}

func TestEventService_HandleDeliveryBounce(t *testing.T) {
	svc, f := newEventTestService(t)
	c := f.contact(t, "ann@example.com", true)
	email := seedEmail(t, f, c, "m-1")

	ev, err := svc.HandleDelivery(f.ctx, DeliveryRequest{Type: "bounced", EmailID: email.ID})
	require.NoError(t, err)
	assert.Equal(t, models.EventEmailBounced, ev.EventType)
	assert.Equal(t, email.ID, ev.Relation)
	assert.Equal(t, models.RelationEmail, ev.RelationType)

	stored, err := f.repos.Emails.Get(f.ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, "bounced", stored.Status)

	contact, err := f.repos.Contacts.Get(f.ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, contact.Subscribed)
}

func TestEventService_HandleDeliveryByMessageID(t *testing.T) {
	svc, f := newEventTestService(t)
	tpl := f.template(t, models.TemplateTransactional)
	f.action(t, models.Action{Events: []string{models.EventEmailOpened}, Template: tpl.ID})
	c := f.contact(t, "ann@example.com", true)
	seedEmail(t, f, c, "m-42")

	ev, err := svc.HandleDelivery(f.ctx, DeliveryRequest{Type: "Opened", MessageID: "m-42"})
	require.NoError(t, err)
	assert.Equal(t, models.EventEmailOpened, ev.EventType)
	assert.Len(t, f.dispatcher.Tasks(), 1)

	contact, err := f.repos.Contacts.Get(f.ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, contact.Subscribed)

	// 内置事件不进入项目的自定义事件列表
	project, err := f.repos.Projects.Get(f.ctx, f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, project.EventTypes)
}

func TestEventService_HandleDeliveryErrors(t *testing.T) {
	svc, f := newEventTestService(t)

	_, err := svc.HandleDelivery(f.ctx, DeliveryRequest{Type: "exploded", EmailID: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.HandleDelivery(f.ctx, DeliveryRequest{Type: "opened"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.HandleDelivery(f.ctx, DeliveryRequest{Type: "opened", EmailID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.HandleDelivery(f.ctx, DeliveryRequest{Type: "opened", MessageID: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEventService_ListEvents(t *testing.T) {
	svc, f := newEventTestService(t)
	ann := f.contact(t, "ann@example.com", true)
	bob := f.contact(t, "bob@example.com", true)
	for i := 0; i < 5; i++ {
		f.record(t, ann, "a")
	}
	f.record(t, bob, "a")

	page, err := svc.ListEvents(f.ctx, f.project.ID, "", nil, 4)
	require.NoError(t, err)
	assert.Len(t, page.Items, 4)
	assert.True(t, page.HasMore)

	next, err := svc.ListEvents(f.ctx, f.project.ID, "", page.Cursor, 4)
	require.NoError(t, err)
	assert.Len(t, next.Items, 2)
	assert.False(t, next.HasMore)

	mine, err := svc.ListEvents(f.ctx, f.project.ID, ann.ID, nil, 0)
	require.NoError(t, err)
	assert.Len(t, mine.Items, 5)

	other, err := f.repos.Projects.Create(f.ctx, &models.Project{Name: "other"})
	require.NoError(t, err)
	_, err = svc.ListEvents(f.ctx, other.ID, ann.ID, nil, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

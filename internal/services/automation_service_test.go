package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"mailflow/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutomation_TransactionalIgnoresSubscription(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	action := f.action(t, models.Action{Events: []string{"signup"}, Template: tpl.ID})
	c := f.contact(t, "a@example.com", false)

	f.track(t, c, "signup")

	tasks := f.dispatcher.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskSendEmail, tasks[0].Type)
	assert.Equal(t, 0, tasks[0].DelaySeconds)

	var payload models.SendEmailPayload
	require.NoError(t, json.Unmarshal(tasks[0].Payload, &payload))
	assert.Equal(t, models.SendEmailPayload{Action: action.ID, Contact: c.ID, Project: f.project.ID}, payload)

	st := f.lastStats(t)
	assert.Equal(t, 1, st.ActionsEvaluated)
	assert.Equal(t, 1, st.ActionsTriggered)
}

func TestAutomation_MarketingSkipsUnsubscribed(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateMarketing)
	action := f.action(t, models.Action{Events: []string{"signup"}, Template: tpl.ID})
	c := f.contact(t, "a@example.com", false)

	f.track(t, c, "signup")

	assert.Empty(t, f.dispatcher.Tasks())
	assert.Equal(t, 1, f.lastStats(t).Unsubscribed)
	// 审计事件在订阅检查之前写入
	assert.Len(t, f.auditEvents(t, action.ID), 1)
}

func TestAutomation_CompletenessAcrossInvocations(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	f.action(t, models.Action{Events: []string{"a", "b"}, Template: tpl.ID})
	c := f.contact(t, "a@example.com", true)

	f.track(t, c, "a")
	assert.Empty(t, f.dispatcher.Tasks())
	assert.Equal(t, 1, f.lastStats(t).IncompleteTriggers)

	f.track(t, c, "b")
	assert.Len(t, f.dispatcher.Tasks(), 1)
}

func TestAutomation_WindowStartsAfterLastTrigger(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	f.action(t, models.Action{Events: []string{"a", "b"}, Template: tpl.ID})
	c := f.contact(t, "a@example.com", true)

	f.track(t, c, "a")
	f.track(t, c, "b")
	require.Len(t, f.dispatcher.Tasks(), 1)

	// 只有 b 出现在上次触发之后
	f.track(t, c, "b")
	assert.Len(t, f.dispatcher.Tasks(), 1)
	assert.Equal(t, 1, f.lastStats(t).IncompleteTriggers)

	f.track(t, c, "a")
	assert.Len(t, f.dispatcher.Tasks(), 2)
}

func TestAutomation_RunOnce(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	action := f.action(t, models.Action{Events: []string{"a"}, Template: tpl.ID, RunOnce: true})
	c := f.contact(t, "a@example.com", true)

	f.track(t, c, "a")
	require.Len(t, f.dispatcher.Tasks(), 1)
	audit := f.auditEvents(t, action.ID)
	require.Len(t, audit, 1)
	assert.Equal(t, models.RelationAction, audit[0].RelationType)
	assert.Equal(t, "a", audit[0].EventType)

	f.track(t, c, "a")
	assert.Len(t, f.dispatcher.Tasks(), 1)
	assert.Equal(t, 1, f.lastStats(t).RunOnce)
	assert.Len(t, f.auditEvents(t, action.ID), 1)

	// 其他联系人不受影响
	other := f.contact(t, "b@example.com", true)
	f.track(t, other, "a")
	assert.Len(t, f.dispatcher.Tasks(), 2)
}

func TestAutomation_RunOnceConcurrentTriggers(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	// 内置事件类型，不会修改共享的 project
	action := f.action(t, models.Action{Events: []string{models.EventEmailClicked}, Template: tpl.ID, RunOnce: true})
	c := f.contact(t, "a@example.com", true)
	f.record(t, c, models.EventEmailClicked)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.engine.Trigger(context.Background(), models.EventEmailClicked, c, f.project)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Len(t, f.dispatcher.Tasks(), 1)
	assert.Len(t, f.auditEvents(t, action.ID), 1)
}

func TestAutomation_NotEventsAnyOrder(t *testing.T) {
	orders := map[string][]string{
		"excluded first": {"x", "a"},
		"excluded last":  {"a", "x"},
	}
	for name, history := range orders {
		t.Run(name, func(t *testing.T) {
			f := newAutomationFixture(t)
			tpl := f.template(t, models.TemplateTransactional)
			f.action(t, models.Action{Events: []string{"a"}, NotEvents: []string{"x"}, Template: tpl.ID})
			c := f.contact(t, "a@example.com", true)
			for _, e := range history {
				f.record(t, c, e)
			}

			require.NoError(t, f.engine.Trigger(f.ctx, "a", c, f.project))
			assert.Empty(t, f.dispatcher.Tasks())
			assert.Equal(t, 1, f.lastStats(t).NotEvents)
		})
	}
}

func TestAutomation_MissingTemplate(t *testing.T) {
	f := newAutomationFixture(t)
	f.action(t, models.Action{Events: []string{"a"}, Template: "does-not-exist"})
	c := f.contact(t, "a@example.com", true)

	f.track(t, c, "a")

	assert.Empty(t, f.dispatcher.Tasks())
	assert.Equal(t, 1, f.lastStats(t).NoTemplate)
}

func TestAutomation_OnlyListeningActionsAreEvaluated(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	f.action(t, models.Action{Events: []string{"a"}, Template: tpl.ID})
	f.action(t, models.Action{Events: []string{"b"}, Template: tpl.ID})
	f.action(t, models.Action{Events: []string{"a", "c"}, Template: tpl.ID})
	c := f.contact(t, "a@example.com", true)

	f.track(t, c, "a")

	st := f.lastStats(t)
	assert.Equal(t, 2, st.ActionsEvaluated)
	assert.Equal(t, 1, st.ActionsTriggered)
	assert.Equal(t, 1, st.IncompleteTriggers)
}

func TestAutomation_DelayInSeconds(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	f.action(t, models.Action{Events: []string{"a"}, Template: tpl.ID, Delay: 20})
	c := f.contact(t, "a@example.com", true)

	f.track(t, c, "a")

	tasks := f.dispatcher.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, 1200, tasks[0].DelaySeconds)
}

func TestAutomation_RegistersCustomEventTypes(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	f.action(t, models.Action{Events: []string{"signup"}, Template: tpl.ID})
	f.action(t, models.Action{Events: []string{"signup"}, Template: tpl.ID})
	f.action(t, models.Action{Events: []string{models.EventEmailOpened}, Template: tpl.ID})
	c := f.contact(t, "a@example.com", true)

	f.track(t, c, "signup")
	f.track(t, c, models.EventEmailOpened)

	stored, err := f.repos.Projects.Get(f.ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"signup"}, stored.EventTypes)
	assert.Equal(t, []string{"signup"}, f.project.EventTypes)
}

func TestAutomation_NoRegistrationWithoutCompleteAction(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	f.action(t, models.Action{Events: []string{"a", "b"}, Template: tpl.ID})
	c := f.contact(t, "a@example.com", true)

	f.track(t, c, "a")

	stored, err := f.repos.Projects.Get(f.ctx, f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.EventTypes)
}

func TestAutomation_DispatchErrorAborts(t *testing.T) {
	f := newAutomationFixture(t)
	tpl := f.template(t, models.TemplateTransactional)
	f.action(t, models.Action{Events: []string{"a"}, Template: tpl.ID})
	f.action(t, models.Action{Events: []string{"a"}, Template: tpl.ID})
	c := f.contact(t, "a@example.com", true)
	f.record(t, c, "a")
	f.dispatcher.err = errors.New("queue down")

	err := f.engine.Trigger(f.ctx, "a", c, f.project)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue down")

	st := f.lastStats(t)
	assert.Equal(t, 1, st.ActionsEvaluated)
	assert.Error(t, st.err)
}

func TestAutomation_NoCandidates(t *testing.T) {
	f := newAutomationFixture(t)
	c := f.contact(t, "a@example.com", true)

	f.track(t, c, "a")

	assert.Empty(t, f.dispatcher.Tasks())
	assert.Equal(t, 0, f.lastStats(t).ActionsEvaluated)
}

func TestCheckHistory(t *testing.T) {
	action := &models.Action{Events: []string{"a", "b"}, NotEvents: []string{"x"}}
	action.ID = "act"
	ev := func(id, typ, rel string) *models.Event {
		e := &models.Event{EventType: typ, Relation: rel}
		e.ID = id
		return e
	}

	tests := []struct {
		name    string
		history []*models.Event
		want    skipReason
	}{
		{"exact", []*models.Event{ev("1", "a", ""), ev("2", "b", "")}, passed},
		{"repeats collapse", []*models.Event{ev("1", "a", ""), ev("2", "a", ""), ev("3", "b", "")}, passed},
		{"unrelated ignored", []*models.Event{ev("1", "a", ""), ev("2", "z", ""), ev("3", "b", "")}, passed},
		{"subset", []*models.Event{ev("1", "a", "")}, skipIncompleteTriggers},
		{"excluded", []*models.Event{ev("1", "a", ""), ev("2", "b", ""), ev("3", "x", "")}, skipNotEvents},
		{"before last trigger", []*models.Event{ev("1", "a", ""), ev("2", "b", ""), ev("3", "b", "act"), ev("4", "a", "")}, skipIncompleteTriggers},
		{"after last trigger", []*models.Event{ev("1", "b", "act"), ev("2", "a", ""), ev("3", "b", "")}, passed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, checkHistory(action, tt.history))
		})
	}

	runOnce := *action
	runOnce.RunOnce = true
	assert.Equal(t, skipRunOnce, checkHistory(&runOnce, []*models.Event{ev("1", "a", "act")}))
}

func TestRunOnceKey(t *testing.T) {
	assert.Equal(t, "runonce:a1:c1", RunOnceKey("a1", "c1"))
	assert.NotEqual(t, RunOnceKey("a1", "c1"), RunOnceKey("a1", "c2"))
}

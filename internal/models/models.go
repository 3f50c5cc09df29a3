package models

import (
	"encoding/json"

	"mailflow/internal/store"

	"gorm.io/datatypes"
)

// 实体类型（分区名）
const (
	TypeProject  = "PROJECT"
	TypeContact  = "CONTACT"
	TypeAction   = "ACTION"
	TypeEvent    = "EVENT"
	TypeTemplate = "TEMPLATE"
	TypeEmail    = "EMAIL"
)

// 模板类型
const (
	TemplateMarketing     = "MARKETING"
	TemplateTransactional = "TRANSACTIONAL"
)

// 事件关联类型
const (
	RelationAction   = "ACTION"
	RelationCampaign = "CAMPAIGN"
	RelationEmail    = "EMAIL"
)

// 任务类型
const (
	TaskSendEmail          = "sendEmail"
	TaskBatchDeleteRelated = "batchDeleteRelated"
)

// 投递事件（由 webhook 产生）
const (
	EventEmailDelivered  = "email.delivered"
	EventEmailOpened     = "email.opened"
	EventEmailClicked    = "email.clicked"
	EventEmailBounced    = "email.bounced"
	EventEmailComplained = "email.complained"
)

var builtinEventTypes = map[string]bool{
	EventEmailDelivered:  true,
	EventEmailOpened:     true,
	EventEmailClicked:    true,
	EventEmailBounced:    true,
	EventEmailComplained: true,
}

// IsBuiltinEventType reports whether name is a platform event rather than a
// project's custom one.
func IsBuiltinEventType(name string) bool {
	return builtinEventTypes[name]
}

// 项目
type Project struct {
	store.Meta
	Name       string   `json:"name" validate:"required"`
	EventTypes []string `json:"eventTypes"`
}

// HasEventType reports whether eventType is already registered.
func (p *Project) HasEventType(eventType string) bool {
	for _, t := range p.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// 联系人
type Contact struct {
	store.Meta
	Project    string            `json:"project" validate:"required"`
	Email      string            `json:"email" validate:"required,email"`
	Subscribed bool              `json:"subscribed"`
	Data       datatypes.JSONMap `json:"data,omitempty"`
}

// 自动化规则
type Action struct {
	store.Meta
	Project   string   `json:"project" validate:"required"`
	Name      string   `json:"name"`
	Events    []string `json:"events" validate:"required,min=1,unique,dive,required"`
	NotEvents []string `json:"notevents" validate:"dive,required"`
	Template  string   `json:"template" validate:"required"`
	RunOnce   bool     `json:"runOnce"`
	Delay     int      `json:"delay" validate:"gte=0"` // minutes
}

// 事件（只追加）
type Event struct {
	store.Meta
	Project      string `json:"project" validate:"required"`
	EventType    string `json:"eventType" validate:"required"`
	Contact      string `json:"contact" validate:"required"`
	Relation     string `json:"relation,omitempty"`
	RelationType string `json:"relationType,omitempty" validate:"omitempty,oneof=ACTION CAMPAIGN EMAIL"`
}

// 邮件模板
type Template struct {
	store.Meta
	Project      string `json:"project" validate:"required"`
	Subject      string `json:"subject"`
	Body         string `json:"body"`
	TemplateType string `json:"templateType" validate:"required,oneof=MARKETING TRANSACTIONAL"`
}

// 已发送邮件记录
type Email struct {
	store.Meta
	Project      string `json:"project" validate:"required"`
	Contact      string `json:"contact" validate:"required"`
	Relation     string `json:"relation,omitempty"`
	RelationType string `json:"relationType,omitempty" validate:"omitempty,oneof=ACTION CAMPAIGN"`
	Subject      string `json:"subject"`
	MessageID    string `json:"messageId,omitempty"`
	Status       string `json:"status"`
}

// Task is a unit of deferred work handed to the task queue.
type Task struct {
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	DelaySeconds int             `json:"delaySeconds,omitempty"`
}

// SendEmailPayload is the payload of a sendEmail task.
type SendEmailPayload struct {
	Action  string `json:"action"`
	Contact string `json:"contact"`
	Project string `json:"project"`
}

// NewSendEmailTask builds the task an action enqueues for a contact.
func NewSendEmailTask(action *Action, contactID, projectID string) (Task, error) {
	payload, err := json.Marshal(SendEmailPayload{Action: action.ID, Contact: contactID, Project: projectID})
	if err != nil {
		return Task{}, err
	}
	return Task{Type: TaskSendEmail, Payload: payload, DelaySeconds: action.Delay * 60}, nil
}

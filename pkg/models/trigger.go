package models

import (
	"encoding/json"
	"strings"
)

// TriggerType identifies the kind of inbound event a trigger reacts to.
type TriggerType string

const (
	TriggerKeyword  TriggerType = "keyword"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
)

// KeywordMatchMode selects how keyword triggers compare message text.
type KeywordMatchMode string

const (
	MatchExact      KeywordMatchMode = "exact"
	MatchContains   KeywordMatchMode = "contains"
	MatchStartsWith KeywordMatchMode = "starts_with"
)

// TriggerTarget names what a matching trigger starts: a flow for the
// event's contact, or a whole automation run.
type TriggerTarget struct {
	FlowID       string `json:"flow_id,omitempty"       validate:"required_without=AutomationID"`
	AutomationID string `json:"automation_id,omitempty" validate:"required_without=FlowID"`
}

type Trigger struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"                     validate:"required"`
	Type          TriggerType      `json:"type"                     validate:"required,oneof=keyword webhook schedule"`
	Priority      int              `json:"priority"`
	Active        bool             `json:"active"`
	Keywords      []string         `json:"keywords,omitempty"       validate:"required_if=Type keyword"`
	MatchMode     KeywordMatchMode `json:"match_mode,omitempty"     validate:"omitempty,oneof=exact contains starts_with"`
	WebhookSource string           `json:"webhook_source,omitempty"`
	PayloadSchema json.RawMessage  `json:"payload_schema,omitempty"`
	ScheduleID    string           `json:"schedule_id,omitempty"    validate:"required_if=Type schedule"`
	Target        TriggerTarget    `json:"target"`
}

func (t *Trigger) Validate() error {
	if err := validateStruct(t); err != nil {
		return err
	}

	for _, k := range t.Keywords {
		if strings.TrimSpace(k) == "" {
			return NewValidationError("keywords", "keywords must not be blank")
		}
	}

	if len(t.PayloadSchema) > 0 && !json.Valid(t.PayloadSchema) {
		return NewValidationError("payload_schema", "must be a JSON document")
	}

	return nil
}

// Event is an inbound occurrence offered to the trigger engine.
type Event struct {
	Type       TriggerType    `json:"type"        validate:"required,oneof=keyword webhook schedule"`
	Payload    map[string]any `json:"payload"`
	ContactRef string         `json:"contact_ref"`
}

func (e *Event) Validate() error {
	return validateStruct(e)
}

// Text returns the message text carried by a keyword event.
func (e *Event) Text() string {
	if e.Payload == nil {
		return ""
	}

	text, _ := e.Payload["text"].(string)

	return text
}

// Source returns the webhook source name carried by a webhook event.
func (e *Event) Source() string {
	if e.Payload == nil {
		return ""
	}

	source, _ := e.Payload["source"].(string)

	return source
}

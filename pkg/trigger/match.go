package trigger

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dukex/courier/pkg/models"
)

// Matches reports whether the trigger accepts the event. Webhook payloads that
// fail the trigger's schema do not match; the schema error is returned for
// logging.
func Matches(t *models.Trigger, event *models.Event) (bool, error) {
	if !t.Active || t.Type != event.Type {
		return false, nil
	}

	switch t.Type {
	case models.TriggerKeyword:
		return matchKeyword(t, event.Text()), nil
	case models.TriggerWebhook:
		return matchWebhook(t, event)
	case models.TriggerSchedule:
		id, _ := event.Payload["schedule_id"].(string)

		return id != "" && id == t.ScheduleID, nil
	default:
		return false, nil
	}
}

func matchKeyword(t *models.Trigger, text string) bool {
	text = normalize(text)
	if text == "" {
		return false
	}

	for _, keyword := range t.Keywords {
		keyword = normalize(keyword)
		if keyword == "" {
			continue
		}

		switch t.MatchMode {
		case models.MatchContains:
			if strings.Contains(text, keyword) {
				return true
			}
		case models.MatchStartsWith:
			if strings.HasPrefix(text, keyword) {
				return true
			}
		default:
			if text == keyword {
				return true
			}
		}
	}

	return false
}

func matchWebhook(t *models.Trigger, event *models.Event) (bool, error) {
	if t.WebhookSource != "" && !strings.EqualFold(t.WebhookSource, event.Source()) {
		return false, nil
	}

	if len(t.PayloadSchema) == 0 {
		return true, nil
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(t.PayloadSchema),
		gojsonschema.NewGoLoader(payload))
	if err != nil {
		return false, fmt.Errorf("trigger %s: invalid payload schema: %w", t.ID, err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return false, fmt.Errorf("trigger %s: payload rejected: %s", t.ID, strings.Join(problems, "; "))
	}

	return true, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

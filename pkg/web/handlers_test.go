package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/courier/pkg/deferral"
	"github.com/dukex/courier/pkg/dispatcher"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/mocks"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/persistence/memory"
	"github.com/dukex/courier/pkg/recurrence"
	"github.com/dukex/courier/pkg/registry"
	"github.com/dukex/courier/pkg/router"
	"github.com/dukex/courier/pkg/scheduler"
	"github.com/dukex/courier/pkg/services"
	"github.com/dukex/courier/pkg/trigger"
	"github.com/dukex/courier/pkg/web"
)

var now = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	app    *fiber.App
	store  *memory.Persistence
	router *router.Router
}

func setupTestApp(t *testing.T) *fixture {
	t.Helper()

	clock := func() time.Time { return now }
	p := memory.NewPersistence()
	bus := mocks.NewPublishingEventBus()

	reg := registry.NewRegistry(log.Discard())
	reg.RegisterDefaultNodes(registry.Dependencies{})

	d := dispatcher.New(p, bus, deferral.NewMemoryStore(), log.Discard(), dispatcher.WithClock(clock))
	r := router.New(p, log.Discard(), router.WithClock(clock), router.WithPublisher(bus))

	handlers := web.NewAPIHandlers(
		scheduler.NewStore(p.ScheduleRepository(), recurrence.New(), log.Discard(), clock),
		services.NewFlow(p, reg),
		services.NewExecution(d),
		services.NewRouting(r, clock),
		trigger.NewEngine(p.TriggerRepository(), d, bus, log.Discard()),
		models.Validator(),
	)

	app := fiber.New()
	handlers.Mount(app)

	return &fixture{ctx: context.Background(), app: app, store: p, router: r}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, raw
}

func problemType(t *testing.T, body []byte) string {
	t.Helper()

	var problem struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(body, &problem))

	return problem.Type
}

const dailySchedule = `{
	"automation_id": "auto-1",
	"name": "morning promo",
	"recurrence": {"type": "daily", "interval_days": 1},
	"time_of_day": "09:00",
	"timezone": "UTC"
}`

func TestAPI_ScheduleLifecycle(t *testing.T) {
	f := setupTestApp(t)

	status, body := f.do(t, http.MethodPost, "/schedules", dailySchedule)
	require.Equal(t, http.StatusCreated, status, string(body))

	var created models.Schedule
	require.NoError(t, json.Unmarshal(body, &created))
	assert.True(t, created.Active)
	require.NotNil(t, created.NextScheduledAt)
	assert.Equal(t, time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC), created.NextScheduledAt.UTC())

	status, body = f.do(t, http.MethodGet, "/schedules/"+created.ID+"/preview?count=3", nil)
	require.Equal(t, http.StatusOK, status)

	var preview web.PreviewResponse
	require.NoError(t, json.Unmarshal(body, &preview))
	require.Len(t, preview.FireTimes, 3)
	assert.Equal(t, 17, preview.FireTimes[1].UTC().Day())

	status, body = f.do(t, http.MethodPost, "/schedules/"+created.ID+"/exceptions", map[string]any{
		"kind":       "skip",
		"applies_to": map[string]string{"start": "2026-10-17"},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	var exception models.ScheduleException
	require.NoError(t, json.Unmarshal(body, &exception))

	_, body = f.do(t, http.MethodGet, "/schedules/"+created.ID+"/preview?count=3", nil)
	require.NoError(t, json.Unmarshal(body, &preview))
	assert.Equal(t, 18, preview.FireTimes[1].UTC().Day())

	status, _ = f.do(t, http.MethodDelete, "/schedules/"+created.ID+"/exceptions/"+exception.ID, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = f.do(t, http.MethodPut, "/schedules/"+created.ID, map[string]any{
		"automation_id": "auto-1",
		"name":          "evening promo",
		"recurrence":    map[string]any{"type": "daily", "interval_days": 1},
		"time_of_day":   "18:00",
		"timezone":      "UTC",
	})
	require.Equal(t, http.StatusOK, status, string(body))

	var updated models.Schedule
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "evening promo", updated.Name)
	assert.Equal(t, time.Date(2026, 10, 15, 18, 0, 0, 0, time.UTC), updated.NextScheduledAt.UTC())

	status, _ = f.do(t, http.MethodDelete, "/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, body = f.do(t, http.MethodGet, "/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", problemType(t, body))
}

func TestAPI_ScheduleValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid JSON", "not-json"},
		{"missing automation", `{"name": "x", "recurrence": {"type": "daily", "interval_days": 1}}`},
		{"zero interval", `{"automation_id": "a", "name": "x", "recurrence": {"type": "daily"}}`},
		{"bad cron", `{"automation_id": "a", "name": "x", "recurrence": {"type": "cron", "cron_expression": "every day"}}`},
		{"unknown timezone", `{"automation_id": "a", "name": "x", "recurrence": {"type": "daily", "interval_days": 1}, "timezone": "Mars/Olympus"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupTestApp(t)

			status, body := f.do(t, http.MethodPost, "/schedules", tt.body)
			assert.Equal(t, http.StatusBadRequest, status, string(body))
			assert.Equal(t, "validation_error", problemType(t, body))
		})
	}
}

func TestAPI_PreviewRejectsBadCount(t *testing.T) {
	f := setupTestApp(t)

	status, _ := f.do(t, http.MethodGet, "/schedules/any/preview?count=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/schedules/missing/preview", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

const helloFlow = `{
	"id": "hello",
	"name": "Hello",
	"nodes": [
		{"id": "start", "type": "start", "config": {"next_node_id": "greet"}},
		{"id": "greet", "type": "message", "config": {"content": "Hi {{ .contact_name }}"}, "connections": ["done"]},
		{"id": "done", "type": "end"}
	]
}`

func TestAPI_Flows(t *testing.T) {
	f := setupTestApp(t)

	status, body := f.do(t, http.MethodPost, "/flows", helloFlow)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, body = f.do(t, http.MethodGet, "/flows/hello", nil)
	require.Equal(t, http.StatusOK, status)

	var stored models.Flow
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Len(t, stored.Nodes, 3)

	status, body = f.do(t, http.MethodPost, "/flows", `{"id": "bad", "name": "Bad", "nodes": [{"id": "greet", "type": "end"}]}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", problemType(t, body))

	status, _ = f.do(t, http.MethodGet, "/flows/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func (f *fixture) seedAutomation(t *testing.T) {
	t.Helper()

	status, body := f.do(t, http.MethodPost, "/flows", helloFlow)
	require.Equal(t, http.StatusCreated, status, string(body))

	require.NoError(t, f.store.AutomationRepository().Save(f.ctx, &models.Automation{
		ID:         "auto-1",
		Name:       "promo",
		FlowID:     "hello",
		Recipients: models.RecipientSelector{Mode: models.RecipientsExplicit, ContactIDs: []string{"c1", "c2"}},
		Active:     true,
	}))
}

func TestAPI_ExecutionLifecycle(t *testing.T) {
	f := setupTestApp(t)
	f.seedAutomation(t)

	status, body := f.do(t, http.MethodPost, "/automations/auto-1/executions", nil)
	require.Equal(t, http.StatusAccepted, status, string(body))

	var started web.ExecutionResponse
	require.NoError(t, json.Unmarshal(body, &started))
	assert.Equal(t, models.ExecutionRunning, started.Status)
	assert.Equal(t, 2, started.RecipientTotal)
	require.Len(t, started.Recipients, 2)
	assert.Equal(t, models.TaskPending, started.Recipients[0].Status)

	status, body = f.do(t, http.MethodGet, "/executions/"+started.ID, nil)
	require.Equal(t, http.StatusOK, status)

	var fetched web.ExecutionResponse
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, started.ID, fetched.ID)

	status, body = f.do(t, http.MethodPost, "/executions/"+started.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var stopped models.Execution
	require.NoError(t, json.Unmarshal(body, &stopped))
	assert.Equal(t, models.ExecutionCancelled, stopped.Status)

	status, body = f.do(t, http.MethodPost, "/executions/"+started.ID+"/stop", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", problemType(t, body))

	status, _ = f.do(t, http.MethodPost, "/automations/missing/executions", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_Queues(t *testing.T) {
	f := setupTestApp(t)

	require.NoError(t, f.store.QueueRepository().Save(f.ctx, &models.Queue{ID: "support", Name: "Support", Active: true, SLAMinutes: 5}))

	for _, id := range []string{"conv-1", "conv-2"} {
		require.NoError(t, f.store.ConversationRepository().Save(f.ctx, &models.Conversation{
			ID: id, ContactRef: "contact-" + id, Status: models.ConversationBotActive, IsBotActive: true,
		}))
	}

	_, err := f.router.Assign(f.ctx, "conv-1", "support", 1)
	require.NoError(t, err)
	_, err = f.router.Assign(f.ctx, "conv-2", "support", 3)
	require.NoError(t, err)

	status, body := f.do(t, http.MethodGet, "/queues/support/conversations", nil)
	require.Equal(t, http.StatusOK, status)

	var queued []models.Conversation
	require.NoError(t, json.Unmarshal(body, &queued))
	require.Len(t, queued, 2)
	assert.Equal(t, "conv-2", queued[0].ID)

	status, _ = f.do(t, http.MethodPost, "/queues/support/pull", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodPost, "/queues/support/pull", web.PullRequest{AgentID: "ana"})
	require.Equal(t, http.StatusOK, status, string(body))

	var pulled models.Conversation
	require.NoError(t, json.Unmarshal(body, &pulled))
	assert.Equal(t, "conv-2", pulled.ID)
	assert.Equal(t, "ana", pulled.AssignedAgentID)

	status, body = f.do(t, http.MethodPost, "/conversations/conv-2/release", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	var released models.Conversation
	require.NoError(t, json.Unmarshal(body, &released))
	assert.Equal(t, models.ConversationQueued, released.Status)

	status, _ = f.do(t, http.MethodPost, "/conversations/conv-2/release", web.ReleaseRequest{QueueID: "support", AgentID: "ana"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = f.do(t, http.MethodGet, "/queues/support/sla-violations", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, "[]", string(body))

	status, _ = f.do(t, http.MethodGet, "/queues/missing/conversations", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_RoundRobinDistribution(t *testing.T) {
	f := setupTestApp(t)

	require.NoError(t, f.store.QueueRepository().Save(f.ctx, &models.Queue{
		ID:                       "rr",
		Name:                     "Round robin",
		Active:                   true,
		RoutingMode:              models.RoutingRoundRobin,
		AgentIDs:                 []string{"ana", "bo"},
		MaxConversationsPerAgent: 1,
	}))

	for _, id := range []string{"c-1", "c-2", "c-3"} {
		require.NoError(t, f.store.ConversationRepository().Save(f.ctx, &models.Conversation{
			ID: id, ContactRef: "contact-" + id, Status: models.ConversationBotActive, IsBotActive: true,
		}))

		_, err := f.router.Assign(f.ctx, id, "rr", 2)
		require.NoError(t, err)
	}

	distribute := func() []router.Assignment {
		status, body := f.do(t, http.MethodPost, "/queues/rr/distribute", nil)
		require.Equal(t, http.StatusOK, status, string(body))

		var assignments []router.Assignment
		require.NoError(t, json.Unmarshal(body, &assignments))

		return assignments
	}

	assert.Equal(t, []router.Assignment{
		{ConversationID: "c-1", AgentID: "ana"},
		{ConversationID: "c-2", AgentID: "bo"},
	}, distribute())

	status, _ := f.do(t, http.MethodPost, "/conversations/c-1/close", nil)
	require.Equal(t, http.StatusNoContent, status)

	assert.Equal(t, []router.Assignment{{ConversationID: "c-3", AgentID: "ana"}}, distribute())
	assert.Empty(t, distribute())

	status, _ = f.do(t, http.MethodPost, "/conversations/missing/close", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_Events(t *testing.T) {
	f := setupTestApp(t)
	f.seedAutomation(t)

	require.NoError(t, f.store.TriggerRepository().Save(f.ctx, &models.Trigger{
		ID:       "promo-keyword",
		Name:     "promo",
		Type:     models.TriggerKeyword,
		Active:   true,
		Keywords: []string{"promo"},
		Target:   models.TriggerTarget{FlowID: "hello"},
	}))

	status, body := f.do(t, http.MethodPost, "/events", map[string]any{
		"type":        "keyword",
		"payload":     map[string]any{"text": "  PROMO "},
		"contact_ref": "contact-9",
	})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var matched web.EventResponse
	require.NoError(t, json.Unmarshal(body, &matched))
	assert.True(t, matched.Matched)
	assert.Equal(t, "promo-keyword", matched.TriggerID)
	assert.NotEmpty(t, matched.ExecutionID)

	status, body = f.do(t, http.MethodPost, "/events", map[string]any{
		"type":        "keyword",
		"payload":     map[string]any{"text": "hello"},
		"contact_ref": "contact-9",
	})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"matched": false}`, string(body))

	status, _ = f.do(t, http.MethodPost, "/events", map[string]any{"type": "sms"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPI_HealthCheck(t *testing.T) {
	f := setupTestApp(t)

	status, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
}

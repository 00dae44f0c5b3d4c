package handoff_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/courier/pkg/flow"
	"github.com/dukex/courier/pkg/log"
	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/nodes/handoff"
	"github.com/dukex/courier/pkg/persistence/memory"
	"github.com/dukex/courier/pkg/router"
)

var now = time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*memory.Persistence, *handoff.Node) {
	t.Helper()

	ctx := context.Background()
	p := memory.NewPersistence()

	require.NoError(t, p.QueueRepository().Save(ctx, &models.Queue{
		ID: "support", Name: "Support", DepartmentID: "sales", MaxQueueSize: 1, Active: true,
	}))
	require.NoError(t, p.ConversationRepository().Save(ctx, &models.Conversation{
		ID: "conv-1", ContactRef: "c1", Status: models.ConversationBotActive, IsBotActive: true,
	}))

	r := router.New(p, log.Discard(), router.WithClock(func() time.Time { return now }))

	return p, handoff.NewNode(r)
}

func handoffNode(cfg *models.HandoffConfig) *models.Node {
	cfg.NextNodeID = "end"

	return &models.Node{ID: "handoff", Type: models.NodeTypeHandoff, Config: cfg}
}

func TestNode_HandoffToAgent(t *testing.T) {
	ctx := context.Background()
	p, node := setup(t)

	result, err := node.Execute(ctx,
		handoffNode(&models.HandoffConfig{Target: models.HandoffToAgent, AgentID: "ana"}),
		&flow.Context{ConversationID: "conv-1", Now: now})
	require.NoError(t, err)
	assert.True(t, result.Halt)
	assert.Equal(t, "end", result.NextNodeID)
	assert.Equal(t, "ana", result.Variables["assigned_agent_id"])

	conversation, err := p.ConversationRepository().GetByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationActive, conversation.Status)
	assert.False(t, conversation.IsBotActive)
	assert.Equal(t, "ana", conversation.AssignedAgentID)
	assert.Empty(t, conversation.QueueID)

	queued, err := p.ConversationRepository().CountQueued(ctx, "support")
	require.NoError(t, err)
	assert.Zero(t, queued)
}

func TestNode_HandoffToDepartment(t *testing.T) {
	ctx := context.Background()
	p, node := setup(t)

	result, err := node.Execute(ctx,
		handoffNode(&models.HandoffConfig{Target: models.HandoffToDepartment, DepartmentID: "sales", Priority: models.PriorityUrgent}),
		&flow.Context{ConversationID: "conv-1", Now: now})
	require.NoError(t, err)
	assert.Equal(t, "support", result.Variables["queue_id"])

	conversation, err := p.ConversationRepository().GetByID(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationQueued, conversation.Status)
	assert.Equal(t, "support", conversation.QueueID)
	assert.Equal(t, models.PriorityUrgent.Value(), conversation.QueuePriority)
}

func TestNode_ExecuteErrors(t *testing.T) {
	tests := []struct {
		name         string
		cfg          *models.HandoffConfig
		conversation string
		wantErr      error
	}{
		{
			name:         "unknown department",
			cfg:          &models.HandoffConfig{Target: models.HandoffToDepartment, DepartmentID: "billing"},
			conversation: "conv-1",
			wantErr:      flow.ErrFlowConfig,
		},
		{
			name:    "no conversation",
			cfg:     &models.HandoffConfig{Target: models.HandoffToAgent, AgentID: "ana"},
			wantErr: flow.ErrNoConversation,
		},
		{
			name:         "agent target without agent",
			cfg:          &models.HandoffConfig{Target: models.HandoffToAgent},
			conversation: "conv-1",
			wantErr:      flow.ErrFlowConfig,
		},
		{
			name:         "queue target without queue",
			cfg:          &models.HandoffConfig{Target: models.HandoffToQueue},
			conversation: "conv-1",
			wantErr:      flow.ErrFlowConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p, node := setup(t)

			_, err := node.Execute(ctx, handoffNode(tt.cfg), &flow.Context{ConversationID: tt.conversation, Now: now})
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, flow.IsConfigError(err))

			conversation, err := p.ConversationRepository().GetByID(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, models.ConversationBotActive, conversation.Status)
		})
	}
}

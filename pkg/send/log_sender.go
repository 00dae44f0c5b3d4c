package send

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukex/courier/pkg/models"
)

// LogSender writes messages to the log and reports them delivered. It stands
// in for a real channel in local deployments.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger.With("module", "log_sender")}
}

func (s *LogSender) Send(ctx context.Context, msg Message) (models.DeliveryReceipt, error) {
	if msg.To == "" {
		return models.DeliveryReceipt{}, Permanent("empty recipient", nil)
	}

	s.logger.InfoContext(ctx, "message sent",
		"to", msg.To,
		"node_id", msg.NodeID,
		"conversation_id", msg.ConversationID,
		"content", msg.Content,
	)

	return models.DeliveryReceipt{
		MessageID: uuid.NewString(),
		NodeID:    msg.NodeID,
		Delivered: true,
		SentAt:    time.Now().UTC(),
	}, nil
}

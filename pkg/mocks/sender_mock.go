package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/courier/pkg/models"
	"github.com/dukex/courier/pkg/send"
)

// MockSender is a mock implementation of send.Sender.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg send.Message) (models.DeliveryReceipt, error) {
	args := m.Called(ctx, msg)

	receipt, _ := args.Get(0).(models.DeliveryReceipt)

	return receipt, args.Error(1)
}

// Package mocks provides testify mocks for courier collaborators.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	args := m.Called(ctx, key, event)

	return args.Error(0)
}

func (m *MockEventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	args := m.Called(eventType, handler)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}

// Published returns the events passed to Publish, in call order.
func (m *MockEventBus) Published() []eventbus.Event {
	var out []eventbus.Event

	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}

		if event, ok := call.Arguments.Get(2).(eventbus.Event); ok {
			out = append(out, event)
		}
	}

	return out
}

// PublishedOfType filters Published by event type.
func (m *MockEventBus) PublishedOfType(eventType events.EventType) []eventbus.Event {
	var out []eventbus.Event

	for _, event := range m.Published() {
		if event.GetType() == eventType {
			out = append(out, event)
		}
	}

	return out
}

// NewPublishingEventBus returns a mock that accepts any Publish call.
func NewPublishingEventBus() *MockEventBus {
	m := &MockEventBus{}
	m.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	return m
}

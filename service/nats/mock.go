package nats

import (
	"context"
	"sync"
)

// MockPublisher is a mock implementation of Publisher for testing.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []*TransactionEvent
	publishError    error
	closed          bool
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]*TransactionEvent, 0),
	}
}

// PublishTransaction records the event, or returns the configured error
// wrapped in a PublishError.
func (m *MockPublisher) PublishTransaction(ctx context.Context, event *TransactionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishError != nil {
		return &PublishError{Subject: Subject(event.WalletID), Err: m.publishError}
	}

	m.publishedEvents = append(m.publishedEvents, event)
	return nil
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns all published events.
func (m *MockPublisher) GetPublishedEvents() []*TransactionEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]*TransactionEvent, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishedEvents)
}

// GetStatusesForTransaction returns the published statuses of one record in order.
func (m *MockPublisher) GetStatusesForTransaction(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, event := range m.publishedEvents {
		if event.TransactionID == id {
			out = append(out, event.Status)
		}
	}
	return out
}

// SetPublishError configures the mock to fail every publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]*TransactionEvent, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// MockEventSource replays a fixed list of events to each subscriber.
type MockEventSource struct {
	Events []*TransactionEvent
}

// Subscribe delivers the matching events then blocks until ctx is done.
func (m *MockEventSource) Subscribe(ctx context.Context, walletID string, handle func(*TransactionEvent)) error {
	for _, event := range m.Events {
		if walletID == "" || event.WalletID == walletID {
			handle(event)
		}
	}
	<-ctx.Done()
	return nil
}

package sink

import (
	"sync"

	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/publisher"
)

func init() {
	publisher.RegisterSink("mock", func(cfg.SinkConfiguration) (publisher.Sink, error) {
		return &MockSink{}, nil
	})
}

// MockSink records published messages for tests and dry runs
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	FailTimes  int // Fail this many publishes with PublishErr, then succeed (0 = always fail)
	Closed     bool
	mu         sync.Mutex
}

// MockMessage represents a published message
type MockMessage = publisher.Message

// Publish records a message for later inspection
func (m *MockSink) Publish(msg publisher.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		if m.FailTimes == 0 {
			return m.PublishErr
		}
		err := m.PublishErr
		m.FailTimes--
		if m.FailTimes == 0 {
			m.PublishErr = nil
		}
		return err
	}

	m.Messages = append(m.Messages, msg)
	return nil
}

// Snapshot returns a copy of the recorded messages
func (m *MockSink) Snapshot() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockMessage(nil), m.Messages...)
}

// Close marks the sink closed
func (m *MockSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}

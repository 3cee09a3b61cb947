package sink

import "sync"

// MockSink records published messages for inspection in tests.
type MockSink struct {
	Messages   []MockMessage
	PublishErr error
	FailFirst  int // Fail this many publishes before succeeding
	mu         sync.Mutex

	attempts int
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.attempts++
	if m.attempts <= m.FailFirst {
		return errMockPublish
	}

	m.Messages = append(m.Messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: value,
	})

	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Reset clears all recorded messages and attempt counters
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
	m.attempts = 0
}

// Recorded returns a snapshot of the messages published so far
func (m *MockSink) Recorded() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.Messages))
	copy(out, m.Messages)
	return out
}

type mockError string

func (e mockError) Error() string { return string(e) }

const errMockPublish = mockError("mock publish failure")

package transport

import (
	"context"
	"sync"
)

// SentFrame records one Send call on the mock transport.
type SentFrame struct {
	Destination string
	Payload     []byte
}

// Mock implements Transport for testing. It records sends, lets tests
// inject failures, and delivers inbound payloads to the registered
// handler via Deliver.
type Mock struct {
	mu        sync.Mutex
	connected bool
	url       string
	handler   ReceiveHandler
	sent      []SentFrame

	// ConnectFunc, when set, overrides Connect's outcome.
	ConnectFunc func(url string) error
	// SendFunc, when set, overrides Send's outcome.
	SendFunc func(destination string, payload []byte) error
}

// NewMock creates a disconnected mock transport.
func NewMock() *Mock {
	return &Mock{}
}

// Connect implements Transport.
func (m *Mock) Connect(_ context.Context, url string) error {
	m.mu.Lock()
	connectFunc := m.ConnectFunc
	if m.connected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	m.mu.Unlock()

	if connectFunc != nil {
		if err := connectFunc(url); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.connected = true
	m.url = url
	m.mu.Unlock()
	return nil
}

// Send implements Transport.
func (m *Mock) Send(_ context.Context, destination string, payload []byte) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	sendFunc := m.SendFunc
	m.mu.Unlock()

	if sendFunc != nil {
		if err := sendFunc(destination, payload); err != nil {
			return err
		}
	}

	buf := make([]byte, len(payload))
	copy(buf, payload)
	m.mu.Lock()
	m.sent = append(m.sent, SentFrame{Destination: destination, Payload: buf})
	m.mu.Unlock()
	return nil
}

// SetReceiveHandler implements Transport.
func (m *Mock) SetReceiveHandler(handler ReceiveHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = handler
}

// Connected implements Transport.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Disconnect implements Transport.
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.url = ""
	return nil
}

// Deliver invokes the receive handler with payload, simulating an
// inbound message from the relay.
func (m *Mock) Deliver(payload []byte) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

// Sent returns a copy of all recorded sends.
func (m *Mock) Sent() []SentFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentFrame, len(m.sent))
	copy(out, m.sent)
	return out
}

// URL returns the endpoint the mock is connected to.
func (m *Mock) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// Reset clears recorded sends.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}

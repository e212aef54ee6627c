package transport

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted transport for tests and local runs. Each call pops
// the next scripted error; an empty script always succeeds.
type Mock struct {
	name string

	mu     sync.Mutex
	script []error
	sent   []SendRequest
	serial int
}

// NewMock creates a mock transport with the given name.
func NewMock(name string) *Mock {
	return &Mock{name: name}
}

// Fail queues errors to be returned by upcoming Send calls, in order.
func (m *Mock) Fail(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, errs...)
}

// Sent returns a copy of all accepted requests.
func (m *Mock) Sent() []SendRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SendRequest, len(m.sent))
	copy(out, m.sent)
	return out
}

// Calls returns the total number of Send invocations, including failures.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serial
}

func (m *Mock) Name() string { return m.name }

func (m *Mock) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.serial++
	if len(m.script) > 0 {
		err := m.script[0]
		m.script = m.script[1:]
		if err != nil {
			return SendResult{}, err
		}
	}
	m.sent = append(m.sent, req)
	return SendResult{ProviderMessageID: fmt.Sprintf("%s-%d", m.name, m.serial)}, nil
}

package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient implements Client for testing. Responses are served in order;
// when the script is exhausted the last response repeats. A RespondFunc
// takes precedence over the scripted responses when set.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	index     int
	err       error

	// RespondFunc, when non-nil, computes the response from the request.
	RespondFunc func(req CompletionRequest) (string, error)

	// Requests records every request received, for assertions.
	Requests []CompletionRequest
}

// NewMockClient creates a mock that replays the given responses in order.
func NewMockClient(responses ...string) *MockClient {
	return &MockClient{responses: responses}
}

// NewFailingMockClient creates a mock whose completions always fail with err.
func NewFailingMockClient(err error) *MockClient {
	return &MockClient{err: err}
}

// Complete returns the next scripted response.
func (m *MockClient) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)

	if m.RespondFunc != nil {
		content, err := m.RespondFunc(req)
		if err != nil {
			return nil, err
		}
		return &CompletionResponse{Content: content, StopReason: "stop"}, nil
	}

	if m.err != nil {
		return nil, m.err
	}
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock client has no scripted responses")
	}

	content := m.responses[m.index]
	if m.index < len(m.responses)-1 {
		m.index++
	}
	return &CompletionResponse{Content: content, StopReason: "stop"}, nil
}

// Model identifies the mock.
func (m *MockClient) Model() string { return "mock" }

// RequestCount returns how many completions were requested.
func (m *MockClient) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

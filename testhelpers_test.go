package refactd

import (
	"context"
	"sync"
)

// mockProvider replays scripted responses in order, repeating the last one
// once the script runs out, and records every request it saw.
type mockProvider struct {
	mu        sync.Mutex
	name      string
	responses []ChatResponse
	err       error
	requests  []ChatRequest
	calls     int
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return ChatResponse{}, m.err
	}
	if len(m.responses) == 0 {
		return ChatResponse{}, nil
	}
	i := m.calls
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.calls++
	return m.responses[i], nil
}

func (m *mockProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	resp, err := m.Chat(ctx, req)
	if err == nil && resp.Content != "" {
		ch <- StreamEvent{Kind: EventTextDelta, TextDelta: resp.Content}
	}
	close(ch)
	return resp, err
}

package llm

import (
	"context"
	"io"
	"sync"
)

// MockClient permite tests sin llamar a un LLM real: entrega Deltas en orden y,
// si Err no es nil, lo devuelve después de FailAfter deltas.
type MockClient struct {
	Deltas    []string
	Err       error
	FailAfter int
	OpenErr   error
	// BeforeDelta se invoca antes de entregar el delta i; sirve para simular aborts.
	BeforeDelta func(i int)

	mu       sync.Mutex
	requests []ChatRequest
}

func (m *MockClient) Stream(ctx context.Context, req ChatRequest) (DeltaStream, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	return &mockStream{ctx: ctx, client: m}, nil
}

// Requests devuelve los requests recibidos.
func (m *MockClient) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

type mockStream struct {
	ctx    context.Context
	client *MockClient
	next   int
}

func (s *mockStream) Next() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if s.client.Err != nil && s.next >= s.client.FailAfter {
		return "", s.client.Err
	}
	if s.next >= len(s.client.Deltas) {
		return "", io.EOF
	}
	if s.client.BeforeDelta != nil {
		s.client.BeforeDelta(s.next)
	}
	d := s.client.Deltas[s.next]
	s.next++
	return d, nil
}

func (s *mockStream) Close() error {
	return nil
}

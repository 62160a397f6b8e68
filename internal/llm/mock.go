package llm

import (
	"context"
	"io"
)

// MockProvider permite tests sin llamar a un proveedor real.
type MockProvider struct {
	Chunks    []string
	OpenErr   error
	FailAfter int // fragmentos entregados antes de StreamErr; -1 = nunca
	StreamErr error

	EmbedVec  []float32
	EmbedErr  error
	Handle    string
	UploadErr error

	LastRequest  CompletionRequest
	StreamsOpen  int
	LastFilename string
}

func (m *MockProvider) StreamCompletion(_ context.Context, req CompletionRequest) (Stream, error) {
	m.LastRequest = req
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	m.StreamsOpen++
	failAfter := m.FailAfter
	if m.StreamErr == nil {
		failAfter = -1
	}
	return &mockStream{chunks: m.Chunks, failAfter: failAfter, err: m.StreamErr}, nil
}

func (m *MockProvider) CreateEmbedding(context.Context, string) ([]float32, error) {
	return m.EmbedVec, m.EmbedErr
}

func (m *MockProvider) UploadFile(_ context.Context, filename, _ string, _ []byte) (string, error) {
	m.LastFilename = filename
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	return m.Handle, nil
}

type mockStream struct {
	chunks    []string
	pos       int
	failAfter int
	err       error
	closed    bool
}

func (s *mockStream) Recv() (string, error) {
	if s.closed {
		return "", io.EOF
	}
	if s.failAfter >= 0 && s.pos == s.failAfter {
		return "", s.err
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *mockStream) Close() error {
	s.closed = true
	return nil
}

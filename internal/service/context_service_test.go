package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"chat-relay/internal/domain"
	"chat-relay/internal/llm"
	"chat-relay/internal/repository"
)

type mockEmbeddingRepo struct {
	stored    []repository.MessageEmbedding
	hits      []domain.Message
	searchErr error
	storeErr  error
}

func (m *mockEmbeddingRepo) Store(_ context.Context, embedding repository.MessageEmbedding) error {
	if m.storeErr != nil {
		return m.storeErr
	}
	m.stored = append(m.stored, embedding)
	return nil
}

func (m *mockEmbeddingRepo) Search(context.Context, string, pgvector.Vector, int) ([]domain.Message, error) {
	return m.hits, m.searchErr
}

func seedConversation(t *testing.T, messages *relayMockMessageRepo, conversationID string, total int) []domain.Message {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	out := make([]domain.Message, 0, total)
	for i := 0; i < total; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		msg := domain.Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: conversationID,
			Role:           role,
			Content:        fmt.Sprintf("mensaje %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := messages.Create(context.Background(), msg); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestRecallContext_ShortConversationUsesAllMessages(t *testing.T) {
	messages := newRelayMockMessageRepo()
	seeded := seedConversation(t, messages, "c1", 4)
	svc := NewRecallContextService(nil, messages, &mockEmbeddingRepo{}, &llm.MockProvider{}, 10, 5)

	turns, err := svc.History(context.Background(), "c1", "query")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != len(seeded) {
		t.Fatalf("expected %d turns, got %d", len(seeded), len(turns))
	}
	for i, turn := range turns {
		if turn.Content != seeded[i].Content || turn.Role != seeded[i].Role {
			t.Fatalf("turn %d mismatch: %+v vs %+v", i, turn, seeded[i])
		}
	}
}

func TestRecallContext_WindowPlusSemanticRecall(t *testing.T) {
	messages := newRelayMockMessageRepo()
	seeded := seedConversation(t, messages, "c1", 8)
	embeddings := &mockEmbeddingRepo{
		// El índice devuelve un mensaje viejo y uno reciente; sólo el viejo
		// debe sumarse, y por delante de la ventana.
		hits: []domain.Message{seeded[1], seeded[6]},
	}
	provider := &llm.MockProvider{EmbedVec: []float32{0.1, 0.2}}
	svc := NewRecallContextService(nil, messages, embeddings, provider, 4, 5)

	turns, err := svc.History(context.Background(), "c1", "query")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(turns) != 5 {
		t.Fatalf("expected 1 recalled + 4 recent turns, got %d", len(turns))
	}
	if turns[0].Content != seeded[1].Content {
		t.Fatalf("expected recalled message first, got %+v", turns[0])
	}
	for i, msg := range seeded[4:] {
		if turns[i+1].Content != msg.Content {
			t.Fatalf("recent turn %d mismatch: %+v", i, turns[i+1])
		}
	}
}

func TestRecallContext_RecallFailureFallsBackToWindow(t *testing.T) {
	messages := newRelayMockMessageRepo()
	seeded := seedConversation(t, messages, "c1", 8)
	embeddings := &mockEmbeddingRepo{searchErr: errors.New("index down")}
	provider := &llm.MockProvider{EmbedVec: []float32{0.1}}
	svc := NewRecallContextService(nil, messages, embeddings, provider, 4, 5)

	turns, err := svc.History(context.Background(), "c1", "query")
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected window only, got %d turns", len(turns))
	}
	if turns[0].Content != seeded[4].Content {
		t.Fatalf("expected window start at %q, got %q", seeded[4].Content, turns[0].Content)
	}
}

func TestRecallContext_EmbeddingFailureFallsBackToWindow(t *testing.T) {
	messages := newRelayMockMessageRepo()
	seedConversation(t, messages, "c1", 8)
	provider := &llm.MockProvider{EmbedErr: errors.New("embeddings down")}
	svc := NewRecallContextService(nil, messages, &mockEmbeddingRepo{}, provider, 4, 5)

	turns, err := svc.History(context.Background(), "c1", "query")
	if err != nil {
		t.Fatalf("expected fallback, got %v", err)
	}
	if len(turns) != 4 {
		t.Fatalf("expected window only, got %d turns", len(turns))
	}
}

func TestRecallContext_RememberStoresEmbeddings(t *testing.T) {
	embeddings := &mockEmbeddingRepo{}
	provider := &llm.MockProvider{EmbedVec: []float32{0.5}}
	svc := NewRecallContextService(nil, newRelayMockMessageRepo(), embeddings, provider, 4, 5)

	err := svc.Remember(context.Background(),
		domain.Message{ID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "hola"},
		domain.Message{ID: "m2", ConversationID: "c1", Role: domain.RoleAssistant, Content: ""},
		domain.Message{ID: "m3", ConversationID: "c1", Role: domain.RoleAssistant, Content: "respuesta"},
	)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	// El mensaje vacío se salta.
	if len(embeddings.stored) != 2 {
		t.Fatalf("expected 2 embeddings stored, got %d", len(embeddings.stored))
	}
	if embeddings.stored[0].MessageID != "m1" || embeddings.stored[1].MessageID != "m3" {
		t.Fatalf("unexpected stored ids: %+v", embeddings.stored)
	}
}

func TestRecallContext_RememberReportsFirstError(t *testing.T) {
	embedErr := errors.New("embeddings down")
	provider := &llm.MockProvider{EmbedErr: embedErr}
	svc := NewRecallContextService(nil, newRelayMockMessageRepo(), &mockEmbeddingRepo{}, provider, 4, 5)

	err := svc.Remember(context.Background(),
		domain.Message{ID: "m1", ConversationID: "c1", Role: domain.RoleUser, Content: "hola"},
	)
	if !errors.Is(err, embedErr) {
		t.Fatalf("expected embed error surfaced, got %v", err)
	}
}

var _ repository.EmbeddingRepository = (*mockEmbeddingRepo)(nil)

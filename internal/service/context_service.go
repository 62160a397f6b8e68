package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	pgvector "github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"chat-relay/internal/domain"
	"chat-relay/internal/llm"
	"chat-relay/internal/repository"
)

// ContextService arma el contexto conversacional para el proveedor y
// registra embeddings de los intercambios completados.
type ContextService interface {
	History(ctx context.Context, conversationID, query string) ([]llm.Turn, error)
	Remember(ctx context.Context, messages ...domain.Message) error
}

// RecallContextService combina una ventana reciente con recall semántico
// vía pgvector cuando la conversación excede la ventana. El recall es best
// effort: si falla, el chat sigue con la ventana reciente.
type RecallContextService struct {
	logger     *zap.Logger
	messages   repository.MessageRepository
	embeddings repository.EmbeddingRepository
	provider   llm.Provider
	window     int
	recallK    int
}

func NewRecallContextService(
	logger *zap.Logger,
	messages repository.MessageRepository,
	embeddings repository.EmbeddingRepository,
	provider llm.Provider,
	window, recallK int,
) *RecallContextService {
	if window <= 0 {
		window = 10
	}
	if recallK <= 0 {
		recallK = 5
	}
	return &RecallContextService{
		logger:     logger,
		messages:   messages,
		embeddings: embeddings,
		provider:   provider,
		window:     window,
		recallK:    recallK,
	}
}

func (s *RecallContextService) History(ctx context.Context, conversationID, query string) ([]llm.Turn, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, nil
	}

	messages, err := s.messages.ListByConversationID(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	recent := messages
	var recalled []domain.Message
	if len(messages) > s.window {
		older := messages[:len(messages)-s.window]
		recent = messages[len(messages)-s.window:]
		recalled = s.recall(ctx, conversationID, query, older)
	}

	turns := make([]llm.Turn, 0, len(recalled)+len(recent))
	for _, msg := range recalled {
		turns = append(turns, llm.Turn{Role: msg.Role, Content: msg.Content})
	}
	for _, msg := range recent {
		turns = append(turns, llm.Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns, nil
}

// recall busca mensajes viejos semánticamente cercanos a la pregunta.
func (s *RecallContextService) recall(ctx context.Context, conversationID, query string, older []domain.Message) []domain.Message {
	if s.embeddings == nil || s.provider == nil || strings.TrimSpace(query) == "" {
		return nil
	}

	vec, err := s.provider.CreateEmbedding(ctx, query)
	if err != nil {
		s.log().Warn("query embedding failed", zap.Error(err), zap.String("conversation_id", conversationID))
		return nil
	}

	found, err := s.embeddings.Search(ctx, conversationID, pgvector.NewVector(vec), s.recallK)
	if err != nil {
		s.log().Warn("embedding search failed", zap.Error(err), zap.String("conversation_id", conversationID))
		return nil
	}

	// Sólo mensajes fuera de la ventana reciente, en orden cronológico.
	olderIDs := make(map[string]domain.Message, len(older))
	for _, msg := range older {
		olderIDs[msg.ID] = msg
	}
	var recalled []domain.Message
	for _, msg := range older {
		for _, hit := range found {
			if hit.ID == msg.ID {
				recalled = append(recalled, olderIDs[msg.ID])
				break
			}
		}
	}
	return recalled
}

// Remember calcula y guarda el embedding de cada mensaje; los fallos se
// registran y no se propagan al flujo del chat.
func (s *RecallContextService) Remember(ctx context.Context, messages ...domain.Message) error {
	if s.embeddings == nil || s.provider == nil {
		return nil
	}

	var firstErr error
	for _, msg := range messages {
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		vec, err := s.provider.CreateEmbedding(ctx, msg.Content)
		if err != nil {
			s.log().Warn("message embedding failed", zap.Error(err), zap.String("message_id", msg.ID))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		err = s.embeddings.Store(ctx, repository.MessageEmbedding{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Role:           msg.Role,
			Content:        msg.Content,
			Embedding:      pgvector.NewVector(vec),
			CreatedAt:      createdAt,
		})
		if err != nil {
			s.log().Warn("embedding store failed", zap.Error(err), zap.String("message_id", msg.ID))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *RecallContextService) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"chat-relay/internal/domain"
)

// MessageEmbedding es una copia desnormalizada de un mensaje con su vector,
// usada para recuperar contexto semántico en conversaciones largas.
type MessageEmbedding struct {
	MessageID      string
	ConversationID string
	Role           string
	Content        string
	Embedding      pgvector.Vector
	CreatedAt      time.Time
}

type EmbeddingRepository interface {
	Store(ctx context.Context, embedding MessageEmbedding) error
	Search(ctx context.Context, conversationID string, query pgvector.Vector, k int) ([]domain.Message, error)
}

type PgEmbeddingRepository struct {
	pool *pgxpool.Pool
}

func NewPgEmbeddingRepository(pool *pgxpool.Pool) *PgEmbeddingRepository {
	return &PgEmbeddingRepository{pool: pool}
}

func (r *PgEmbeddingRepository) Store(ctx context.Context, embedding MessageEmbedding) error {
	const query = `
		INSERT INTO message_embeddings (message_id, conversation_id, role, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING
	`
	_, err := r.pool.Exec(ctx, query,
		embedding.MessageID,
		embedding.ConversationID,
		embedding.Role,
		embedding.Content,
		embedding.Embedding,
		embedding.CreatedAt,
	)
	return err
}

func (r *PgEmbeddingRepository) Search(ctx context.Context, conversationID string, queryVec pgvector.Vector, k int) ([]domain.Message, error) {
	if k <= 0 {
		k = 5
	}
	const query = `
		SELECT message_id, role, content, created_at
		FROM message_embeddings
		WHERE conversation_id = $1
		ORDER BY embedding <=> $2
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, conversationID, queryVec, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err = rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.ConversationID = conversationID
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

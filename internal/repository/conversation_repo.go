package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/domain"
)

type ConversationRepository interface {
	Create(ctx context.Context, conversation domain.Conversation) error
	GetByID(ctx context.Context, id string) (domain.Conversation, error)
	ListByUserID(ctx context.Context, userID string) ([]domain.Conversation, error)
	UpdateTitle(ctx context.Context, id, title string) error
	Touch(ctx context.Context, id string, at time.Time) error
}

type PgConversationRepository struct {
	pool *pgxpool.Pool
}

func NewPgConversationRepository(pool *pgxpool.Pool) *PgConversationRepository {
	return &PgConversationRepository{pool: pool}
}

func (r *PgConversationRepository) Create(ctx context.Context, conversation domain.Conversation) error {
	const query = `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query,
		conversation.ID,
		conversation.UserID,
		conversation.Title,
		conversation.CreatedAt,
		conversation.UpdatedAt,
	)
	return err
}

func (r *PgConversationRepository) GetByID(ctx context.Context, id string) (domain.Conversation, error) {
	const query = `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`
	var conversation domain.Conversation
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&conversation.ID,
		&conversation.UserID,
		&conversation.Title,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	return conversation, err
}

func (r *PgConversationRepository) ListByUserID(ctx context.Context, userID string) ([]domain.Conversation, error) {
	const query = `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversations []domain.Conversation
	for rows.Next() {
		var conversation domain.Conversation
		err = rows.Scan(
			&conversation.ID,
			&conversation.UserID,
			&conversation.Title,
			&conversation.CreatedAt,
			&conversation.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conversation)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return conversations, nil
}

func (r *PgConversationRepository) UpdateTitle(ctx context.Context, id, title string) error {
	const query = `
		UPDATE conversations SET title = $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, title)
	return err
}

func (r *PgConversationRepository) Touch(ctx context.Context, id string, at time.Time) error {
	// updated_at sólo avanza; escrituras reordenadas no lo retroceden.
	const query = `
		UPDATE conversations SET updated_at = GREATEST(updated_at, $2)
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, at)
	return err
}

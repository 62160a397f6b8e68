package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/domain"
)

type MessageRepository interface {
	Create(ctx context.Context, message domain.Message) error
	ListByConversationID(ctx context.Context, conversationID string) ([]domain.Message, error)
	CountByConversationID(ctx context.Context, conversationID string) (int, error)
}

type PgMessageRepository struct {
	pool *pgxpool.Pool
}

func NewPgMessageRepository(pool *pgxpool.Pool) *PgMessageRepository {
	return &PgMessageRepository{pool: pool}
}

// Create es idempotente por id: un retry de red contra el store nunca
// duplica un mensaje.
func (r *PgMessageRepository) Create(ctx context.Context, message domain.Message) error {
	const query = `
		INSERT INTO messages (id, conversation_id, role, content, attachment_handle, attachment_mime, attachment_name, incomplete, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	var handle, mime, name interface{}
	if message.Attachment != nil {
		handle = message.Attachment.Handle
		mime = message.Attachment.MimeType
		name = message.Attachment.Filename
	}

	_, err := r.pool.Exec(ctx, query,
		message.ID,
		message.ConversationID,
		message.Role,
		message.Content,
		handle,
		mime,
		name,
		message.Incomplete,
		message.CreatedAt,
	)
	return err
}

func (r *PgMessageRepository) ListByConversationID(ctx context.Context, conversationID string) ([]domain.Message, error) {
	const query = `
		SELECT id, conversation_id, role, content, attachment_handle, attachment_mime, attachment_name, incomplete, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var msg domain.Message
		var handle, mime, name *string

		err = rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Role,
			&msg.Content,
			&handle,
			&mime,
			&name,
			&msg.Incomplete,
			&msg.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if handle != nil {
			msg.Attachment = &domain.AttachmentDescriptor{Handle: *handle}
			if mime != nil {
				msg.Attachment.MimeType = *mime
			}
			if name != nil {
				msg.Attachment.Filename = *name
			}
		}
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *PgMessageRepository) CountByConversationID(ctx context.Context, conversationID string) (int, error) {
	const query = `
		SELECT COUNT(*) FROM messages WHERE conversation_id = $1
	`
	var count int
	err := r.pool.QueryRow(ctx, query, conversationID).Scan(&count)
	return count, err
}

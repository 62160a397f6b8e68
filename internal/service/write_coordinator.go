package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

var (
	ErrCoordinatorNotConfigured = errors.New("write coordinator not configured")
	ErrPersistence              = errors.New("persistence failed")
	ErrMessageInvalidInput      = errors.New("message invalid input")
)

// WriteCoordinator serializa las escrituras por conversación contra el
// Session Store: dentro de una conversación el orden de escritura se
// preserva aunque el cliente de la librería reordene llamadas concurrentes.
// Los inserts son idempotentes por id, así que los retries no duplican.
type WriteCoordinator struct {
	messages      repository.MessageRepository
	conversations repository.ConversationRepository
	maxAttempts   int

	mu    sync.Mutex
	locks map[string]*conversationLock
}

// conversationLock lleva cuenta de los que esperan; la entrada se borra del
// mapa cuando nadie la referencia, para no crecer con cada conversación vista.
type conversationLock struct {
	mu   sync.Mutex
	refs int
}

func NewWriteCoordinator(messages repository.MessageRepository, conversations repository.ConversationRepository, maxAttempts int) *WriteCoordinator {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &WriteCoordinator{
		messages:      messages,
		conversations: conversations,
		maxAttempts:   maxAttempts,
		locks:         make(map[string]*conversationLock),
	}
}

// AppendMessage persiste el mensaje y avanza updated_at de la conversación.
// Reintenta hasta maxAttempts; un duplicado por retry queda suprimido por el
// ON CONFLICT del repositorio.
func (c *WriteCoordinator) AppendMessage(ctx context.Context, msg domain.Message) error {
	if c == nil || c.messages == nil || c.conversations == nil {
		return ErrCoordinatorNotConfigured
	}

	msg.ConversationID = strings.TrimSpace(msg.ConversationID)
	msg.Role = strings.TrimSpace(msg.Role)
	if msg.ConversationID == "" || msg.Role == "" {
		return ErrMessageInvalidInput
	}
	if msg.Content == "" && msg.Attachment == nil {
		return ErrMessageInvalidInput
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	lock := c.acquireLock(msg.ConversationID)
	defer c.releaseLock(msg.ConversationID, lock)

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("append message %s: %v: %w", msg.ID, err, ErrPersistence)
		}
		if err := c.messages.Create(ctx, msg); err != nil {
			lastErr = err
			continue
		}
		if err := c.conversations.Touch(ctx, msg.ConversationID, msg.CreatedAt); err != nil {
			// El mensaje ya es durable; el touch es secundario y no amerita
			// reinsertar, sólo reintentar el touch.
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("append message %s: %v: %w", msg.ID, lastErr, ErrPersistence)
}

// UpdateTitle fija el título derivado del primer intercambio.
func (c *WriteCoordinator) UpdateTitle(ctx context.Context, conversationID, title string) error {
	if c == nil || c.conversations == nil {
		return ErrCoordinatorNotConfigured
	}

	lock := c.acquireLock(conversationID)
	defer c.releaseLock(conversationID, lock)

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("update title %s: %v: %w", conversationID, err, ErrPersistence)
		}
		if err := c.conversations.UpdateTitle(ctx, conversationID, title); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("update title %s: %v: %w", conversationID, lastErr, ErrPersistence)
}

func (c *WriteCoordinator) acquireLock(conversationID string) *conversationLock {
	c.mu.Lock()
	lock, ok := c.locks[conversationID]
	if !ok {
		lock = &conversationLock{}
		c.locks[conversationID] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (c *WriteCoordinator) releaseLock(conversationID string, lock *conversationLock) {
	lock.mu.Unlock()

	c.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(c.locks, conversationID)
	}
	c.mu.Unlock()
}

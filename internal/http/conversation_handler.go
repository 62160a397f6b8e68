package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"chat-relay/internal/domain"
	"chat-relay/internal/repository"
)

// ConversationHandler mantiene dependencias para lectura de conversaciones.
type ConversationHandler struct {
	logger        *zap.Logger
	relay         AskService
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
}

func NewConversationHandler(
	logger *zap.Logger,
	relay AskService,
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
) *ConversationHandler {
	return &ConversationHandler{
		logger:        logger,
		relay:         relay,
		conversations: conversations,
		messages:      messages,
	}
}

// CreateConversation maneja POST /conversations.
func (h *ConversationHandler) CreateConversation(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	conversation, err := h.relay.StartConversation(c.Request.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("create conversation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create conversation"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"conversation": conversation})
}

// ListConversations maneja GET /conversations.
func (h *ConversationHandler) ListConversations(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	conversations, err := h.conversations.ListByUserID(c.Request.Context(), claims.UserID)
	if err != nil {
		h.logger.Error("list conversations failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list conversations"})
		return
	}
	if conversations == nil {
		conversations = []domain.Conversation{}
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// ListMessages maneja GET /conversations/:id/messages.
func (h *ConversationHandler) ListMessages(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	conversationID := c.Param("id")
	conversation, err := h.conversations.GetByID(c.Request.Context(), conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		h.logger.Error("get conversation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load conversation"})
		return
	}
	if conversation.UserID != claims.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "conversation not owned by caller"})
		return
	}

	messages, err := h.messages.ListByConversationID(c.Request.Context(), conversationID)
	if err != nil {
		h.logger.Error("list messages failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list messages"})
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	c.JSON(http.StatusOK, gin.H{
		"conversation": conversation,
		"messages":     messages,
	})
}

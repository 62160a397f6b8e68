package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-relay/internal/domain"
	"chat-relay/internal/service"
)

// AskService abstrae el relay para poder simularlo en tests.
type AskService interface {
	StartConversation(ctx context.Context, userID string) (domain.Conversation, error)
	Ask(ctx context.Context, input service.AskInput, forward func(chunk string) error) (service.AskResult, error)
}

// RelayHandler mantiene dependencias para el endpoint de streaming.
type RelayHandler struct {
	logger      *zap.Logger
	relay       AskService
	contextServ service.ContextService
}

func NewRelayHandler(logger *zap.Logger, relay AskService, contextServ service.ContextService) *RelayHandler {
	return &RelayHandler{
		logger:      logger,
		relay:       relay,
		contextServ: contextServ,
	}
}

// Ask maneja POST /ask: responde el stream como text/plain chunked, con un
// flush por fragmento. El status sólo puede elegirse antes del primer byte;
// un fallo upstream a mitad de stream termina el body con el parcial enviado.
func (h *RelayHandler) Ask(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	var req struct {
		ConversationID   string `json:"conversation_id"`
		Question         string `json:"question"`
		AttachmentHandle string `json:"attachment_handle"`
		MimeType         string `json:"mime_type"`
		Filename         string `json:"filename"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid ask request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.Question == "" && req.AttachmentHandle == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question or attachment required"})
		return
	}

	var attachment *domain.AttachmentDescriptor
	if req.AttachmentHandle != "" {
		attachment = &domain.AttachmentDescriptor{
			Handle:   req.AttachmentHandle,
			MimeType: req.MimeType,
			Filename: req.Filename,
		}
	}

	// La conversación la resuelve (o crea) el relay tras validar el pedido;
	// así un pedido inválido no deja una conversación vacía huérfana. El
	// header sale antes del primer fragmento.
	conversationID := req.ConversationID
	onConversation := func(conversation domain.Conversation) {
		conversationID = conversation.ID
		c.Header("X-Conversation-ID", conversationID)
	}

	streaming := false
	forward := func(chunk string) error {
		if chunk == "" {
			return nil
		}
		if !streaming {
			c.Header("Content-Type", "text/plain; charset=utf-8")
			c.Header("Cache-Control", "no-cache")
			c.Status(http.StatusOK)
			streaming = true
		}
		if _, err := c.Writer.WriteString(chunk); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	result, err := h.relay.Ask(c.Request.Context(), service.AskInput{
		UserID:         claims.UserID,
		ConversationID: req.ConversationID,
		Question:       req.Question,
		Attachment:     attachment,
		OnConversation: onConversation,
	}, forward)

	if err != nil {
		h.finishWithError(c, err, streaming, conversationID)
		return
	}

	if !streaming {
		// Completación vacía pero limpia: 200 con body vacío.
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Status(http.StatusOK)
	}
	h.rememberAsync(result)
}

func (h *RelayHandler) finishWithError(c *gin.Context, err error, streaming bool, conversationID string) {
	if streaming {
		// Headers ya enviados: sólo cerrar el body y dejar rastro.
		h.logger.Warn("stream terminated",
			zap.Error(err),
			zap.String("conversation_id", conversationID),
		)
		return
	}

	switch {
	case errors.Is(err, service.ErrRelayInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	case errors.Is(err, service.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "conversation not owned by caller"})
	case errors.Is(err, service.ErrStreamActive):
		c.JSON(http.StatusConflict, gin.H{"error": "stream already active"})
	case errors.Is(err, service.ErrUpstream):
		h.logger.Error("upstream failure", zap.Error(err), zap.String("conversation_id", conversationID))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream failure"})
	case errors.Is(err, service.ErrAssistantNotPersisted):
		h.logger.Error("response not persisted", zap.Error(err), zap.String("conversation_id", conversationID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "response not persisted", "warning": "durable record missing"})
	default:
		h.logger.Error("ask failed", zap.Error(err), zap.String("conversation_id", conversationID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not process question"})
	}
}

// rememberAsync guarda embeddings del intercambio sin bloquear la respuesta.
func (h *RelayHandler) rememberAsync(result service.AskResult) {
	if h.contextServ == nil {
		return
	}
	messages := []domain.Message{result.UserMessage}
	if result.Persisted {
		messages = append(messages, result.AssistantMessage)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.contextServ.Remember(ctx, messages...); err != nil {
			h.logger.Warn("remember exchange failed", zap.Error(err))
		}
	}()
}

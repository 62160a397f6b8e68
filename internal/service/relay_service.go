package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"chat-relay/internal/domain"
	"chat-relay/internal/llm"
	"chat-relay/internal/repository"
)

var (
	ErrRelayNotConfigured    = errors.New("relay service not configured")
	ErrRelayInvalidInput     = errors.New("relay invalid input")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrForbidden             = errors.New("conversation not owned by caller")
	ErrUpstream              = errors.New("upstream failure")
	ErrAssistantNotPersisted = errors.New("assistant message not persisted")
)

const (
	defaultConversationTitle = "New conversation"
	titleMaxRunes            = 30
	postPersistTimeout       = 10 * time.Second
)

// RelayService ejecuta el pipeline de un Ask: autorizar, pre-persistir el
// mensaje del usuario, abrir el stream upstream, reenviar y acumular cada
// fragmento, y persistir la respuesta final. El texto persistido del
// asistente es siempre la concatenación exacta de lo reenviado.
type RelayService struct {
	logger        *zap.Logger
	provider      llm.Provider
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	coordinator   *WriteCoordinator
	guard         StreamGuard
	contextServ   ContextService
}

func NewRelayService(
	logger *zap.Logger,
	provider llm.Provider,
	conversations repository.ConversationRepository,
	messages repository.MessageRepository,
	coordinator *WriteCoordinator,
	guard StreamGuard,
	contextServ ContextService,
) *RelayService {
	return &RelayService{
		logger:        logger,
		provider:      provider,
		conversations: conversations,
		messages:      messages,
		coordinator:   coordinator,
		guard:         guard,
		contextServ:   contextServ,
	}
}

type AskInput struct {
	UserID         string
	ConversationID string // vacío: se crea una conversación nueva
	Question       string
	Attachment     *domain.AttachmentDescriptor

	// OnConversation se invoca una vez resuelta (o creada) la conversación,
	// antes de persistir o abrir el stream. Le da al caller la identidad de
	// la conversación mientras los headers de respuesta siguen abiertos.
	OnConversation func(conversation domain.Conversation)
}

// AskResult reporta qué etapas se alcanzaron; con error el caller distingue
// "no pasó nada" de "hubo trabajo parcial".
type AskResult struct {
	Conversation     domain.Conversation
	UserMessage      domain.Message
	AssistantMessage domain.Message
	ChunksForwarded  int
	Persisted        bool
	Incomplete       bool
}

// Ask reenvía cada fragmento vía forward en el orden recibido. forward que
// devuelve error se interpreta como desconexión del caller: se deja de
// consumir upstream y el acumulado parcial se persiste marcado incompleto.
func (s *RelayService) Ask(ctx context.Context, input AskInput, forward func(chunk string) error) (AskResult, error) {
	var result AskResult
	if s == nil || s.provider == nil || s.conversations == nil || s.coordinator == nil || s.guard == nil {
		return result, ErrRelayNotConfigured
	}
	if forward == nil {
		return result, ErrRelayInvalidInput
	}

	question := strings.TrimSpace(input.Question)
	if input.UserID == "" || (question == "" && input.Attachment == nil) {
		return result, ErrRelayInvalidInput
	}

	conversation, firstExchange, err := s.resolveConversation(ctx, input)
	if err != nil {
		return result, err
	}
	result.Conversation = conversation
	if input.OnConversation != nil {
		input.OnConversation(conversation)
	}

	// A lo sumo un stream activo por conversación; liberar en toda salida.
	release, err := s.guard.Acquire(ctx, conversation.ID)
	if err != nil {
		return result, err
	}
	defer release()

	// Contexto previo antes de pre-persistir, para no incluir la pregunta
	// actual dos veces. Fallo aquí no bloquea el chat.
	var history []llm.Turn
	if s.contextServ != nil {
		history, err = s.contextServ.History(ctx, conversation.ID, question)
		if err != nil {
			s.log().Warn("context history failed", zap.Error(err), zap.String("conversation_id", conversation.ID))
			history = nil
		}
	}

	// Registro durable de la pregunta antes de gastar tokens upstream.
	userMsg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversation.ID,
		Role:           domain.RoleUser,
		Content:        question,
		Attachment:     input.Attachment,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.coordinator.AppendMessage(ctx, userMsg); err != nil {
		return result, fmt.Errorf("conversation %s pre-persist: %w", conversation.ID, err)
	}
	result.UserMessage = userMsg

	stream, err := s.provider.StreamCompletion(ctx, llm.CompletionRequest{
		Question:   question,
		History:    history,
		Attachment: toProviderAttachment(input.Attachment),
	})
	if err != nil {
		return result, fmt.Errorf("conversation %s upstream open: %w: %w", conversation.ID, ErrUpstream, err)
	}
	defer stream.Close()

	var accumulator strings.Builder
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			// Fallo upstream a mitad de stream: el parcial ya reenviado no
			// se pierde en silencio.
			if accumulator.Len() > 0 {
				s.persistAssistant(ctx, &result, accumulator.String(), true, firstExchange, question, input.Attachment)
			}
			return result, fmt.Errorf("conversation %s upstream stream: %w: %w", conversation.ID, ErrUpstream, recvErr)
		}

		if fwdErr := forward(chunk); fwdErr != nil {
			if accumulator.Len() > 0 {
				s.persistAssistant(ctx, &result, accumulator.String(), true, firstExchange, question, input.Attachment)
			}
			return result, fmt.Errorf("conversation %s forward: %w", conversation.ID, fwdErr)
		}
		accumulator.WriteString(chunk)
		result.ChunksForwarded++
	}

	if err := s.persistAssistant(ctx, &result, accumulator.String(), false, firstExchange, question, input.Attachment); err != nil {
		return result, err
	}
	return result, nil
}

// StartConversation crea una conversación vacía con título por defecto.
func (s *RelayService) StartConversation(ctx context.Context, userID string) (domain.Conversation, error) {
	if s == nil || s.conversations == nil {
		return domain.Conversation{}, ErrRelayNotConfigured
	}
	if strings.TrimSpace(userID) == "" {
		return domain.Conversation{}, ErrRelayInvalidInput
	}

	now := time.Now().UTC()
	conversation := domain.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     defaultConversationTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.conversations.Create(ctx, conversation); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %v: %w", err, ErrPersistence)
	}
	return conversation, nil
}

func (s *RelayService) resolveConversation(ctx context.Context, input AskInput) (domain.Conversation, bool, error) {
	if input.ConversationID == "" {
		conversation, err := s.StartConversation(ctx, input.UserID)
		if err != nil {
			return domain.Conversation{}, false, err
		}
		return conversation, true, nil
	}

	conversation, err := s.conversations.GetByID(ctx, input.ConversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Conversation{}, false, ErrConversationNotFound
	}
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("get conversation %s: %v: %w", input.ConversationID, err, ErrPersistence)
	}
	// Propiedad verificada antes de cualquier llamada upstream.
	if conversation.UserID != input.UserID {
		return domain.Conversation{}, false, ErrForbidden
	}

	count, err := s.messages.CountByConversationID(ctx, conversation.ID)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("count messages %s: %v: %w", conversation.ID, err, ErrPersistence)
	}
	return conversation, count == 0, nil
}

// persistAssistant corre a lo sumo una vez por Ask. Usa un contexto
// desacoplado: el caller puede ya haberse desconectado y el parcial debe
// quedar durable igual.
func (s *RelayService) persistAssistant(ctx context.Context, result *AskResult, text string, incomplete, firstExchange bool, question string, attachment *domain.AttachmentDescriptor) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postPersistTimeout)
	defer cancel()

	assistantMsg := domain.Message{
		ID:             uuid.NewString(),
		ConversationID: result.Conversation.ID,
		Role:           domain.RoleAssistant,
		Content:        text,
		Incomplete:     incomplete,
		CreatedAt:      time.Now().UTC(),
	}
	result.Incomplete = incomplete

	if err := s.coordinator.AppendMessage(persistCtx, assistantMsg); err != nil {
		// El usuario ya vio el texto pero el registro durable falta: estado
		// de advertencia explícito, nunca oculto.
		s.log().Error("assistant message not persisted",
			zap.Error(err),
			zap.String("conversation_id", result.Conversation.ID),
			zap.Bool("incomplete", incomplete),
		)
		return fmt.Errorf("conversation %s post-persist: %v: %w", result.Conversation.ID, err, ErrAssistantNotPersisted)
	}
	result.AssistantMessage = assistantMsg
	result.Persisted = true

	if firstExchange && !incomplete {
		title := deriveTitle(question, attachment)
		if err := s.coordinator.UpdateTitle(persistCtx, result.Conversation.ID, title); err != nil {
			s.log().Warn("conversation title update failed", zap.Error(err), zap.String("conversation_id", result.Conversation.ID))
		} else {
			result.Conversation.Title = title
		}
	}
	return nil
}

func (s *RelayService) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func toProviderAttachment(attachment *domain.AttachmentDescriptor) *llm.Attachment {
	if attachment == nil {
		return nil
	}
	return &llm.Attachment{Handle: attachment.Handle, MimeType: attachment.MimeType}
}

func deriveTitle(question string, attachment *domain.AttachmentDescriptor) string {
	title := strings.TrimSpace(question)
	if title == "" && attachment != nil {
		title = strings.TrimSpace(attachment.Filename)
	}
	if title == "" {
		return defaultConversationTitle
	}
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes])
	}
	return title
}

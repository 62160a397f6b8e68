package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"chat-relay/internal/domain"
	"chat-relay/internal/llm"
	"chat-relay/internal/repository"
)

type relayMockConversationRepo struct {
	mu            sync.Mutex
	byID          map[string]domain.Conversation
	titleUpdates  map[string]string
	createErr     error
	touchCount    int
}

func newRelayMockConversationRepo() *relayMockConversationRepo {
	return &relayMockConversationRepo{
		byID:         make(map[string]domain.Conversation),
		titleUpdates: make(map[string]string),
	}
}

func (m *relayMockConversationRepo) Create(_ context.Context, conversation domain.Conversation) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[conversation.ID] = conversation
	return nil
}

func (m *relayMockConversationRepo) GetByID(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.byID[id]
	if !ok {
		return domain.Conversation{}, pgx.ErrNoRows
	}
	return conversation, nil
}

func (m *relayMockConversationRepo) ListByUserID(_ context.Context, userID string) ([]domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Conversation
	for _, conversation := range m.byID {
		if conversation.UserID == userID {
			out = append(out, conversation)
		}
	}
	return out, nil
}

func (m *relayMockConversationRepo) UpdateTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.byID[id]
	if ok {
		conversation.Title = title
		m.byID[id] = conversation
	}
	m.titleUpdates[id] = title
	return nil
}

func (m *relayMockConversationRepo) Touch(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.touchCount++
	return nil
}

type relayMockMessageRepo struct {
	mu            sync.Mutex
	byID          map[string]domain.Message
	order         []string
	failRole      string
	failRemaining int // -1: siempre falla para failRole
}

func newRelayMockMessageRepo() *relayMockMessageRepo {
	return &relayMockMessageRepo{byID: make(map[string]domain.Message)}
}

func (m *relayMockMessageRepo) Create(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failRole == msg.Role && m.failRemaining != 0 {
		if m.failRemaining > 0 {
			m.failRemaining--
		}
		return errors.New("insert failed")
	}
	if _, ok := m.byID[msg.ID]; ok {
		return nil
	}
	m.byID[msg.ID] = msg
	m.order = append(m.order, msg.ID)
	return nil
}

func (m *relayMockMessageRepo) ListByConversationID(_ context.Context, conversationID string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, id := range m.order {
		if m.byID[id].ConversationID == conversationID {
			out = append(out, m.byID[id])
		}
	}
	return out, nil
}

func (m *relayMockMessageRepo) CountByConversationID(_ context.Context, conversationID string) (int, error) {
	messages, _ := m.ListByConversationID(context.Background(), conversationID)
	return len(messages), nil
}

func (m *relayMockMessageRepo) byRole(role string) []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, id := range m.order {
		if m.byID[id].Role == role {
			out = append(out, m.byID[id])
		}
	}
	return out
}

type stubContextService struct {
	turns      []llm.Turn
	historyErr error
	remembered []domain.Message
}

func (s *stubContextService) History(context.Context, string, string) ([]llm.Turn, error) {
	return s.turns, s.historyErr
}

func (s *stubContextService) Remember(_ context.Context, messages ...domain.Message) error {
	s.remembered = append(s.remembered, messages...)
	return nil
}

type relayFixture struct {
	relay         *RelayService
	provider      *llm.MockProvider
	conversations *relayMockConversationRepo
	messages      *relayMockMessageRepo
	guard         StreamGuard
}

func newRelayFixture(provider *llm.MockProvider) *relayFixture {
	conversations := newRelayMockConversationRepo()
	messages := newRelayMockMessageRepo()
	guard := NewMemoryStreamGuard()
	coordinator := NewWriteCoordinator(messages, conversations, 3)
	relay := NewRelayService(nil, provider, conversations, messages, coordinator, guard, &stubContextService{})
	return &relayFixture{
		relay:         relay,
		provider:      provider,
		conversations: conversations,
		messages:      messages,
		guard:         guard,
	}
}

func collectForward() (func(string) error, *strings.Builder) {
	var sb strings.Builder
	return func(chunk string) error {
		sb.WriteString(chunk)
		return nil
	}, &sb
}

func TestRelayAsk_StreamsAndPersists(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{Chunks: []string{"4", ""}})
	forward, forwarded := collectForward()

	result, err := f.relay.Ask(context.Background(), AskInput{
		UserID:   "u1",
		Question: "What is 2+2?",
	}, forward)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if forwarded.String() != "4" {
		t.Fatalf("expected forwarded %q, got %q", "4", forwarded.String())
	}

	userMessages := f.messages.byRole(domain.RoleUser)
	if len(userMessages) != 1 || userMessages[0].Content != "What is 2+2?" {
		t.Fatalf("expected persisted user message, got %+v", userMessages)
	}

	assistantMessages := f.messages.byRole(domain.RoleAssistant)
	if len(assistantMessages) != 1 {
		t.Fatalf("expected exactly one assistant message, got %d", len(assistantMessages))
	}
	if assistantMessages[0].Content != forwarded.String() {
		t.Fatalf("persisted text %q != forwarded text %q", assistantMessages[0].Content, forwarded.String())
	}
	if assistantMessages[0].Incomplete {
		t.Fatalf("expected complete assistant message")
	}

	if !result.Persisted || result.Incomplete {
		t.Fatalf("unexpected result flags: %+v", result)
	}
	if title := f.conversations.titleUpdates[result.Conversation.ID]; title != "What is 2+2?" {
		t.Fatalf("expected title %q, got %q", "What is 2+2?", title)
	}
}

func TestRelayAsk_TitleTruncatedToPrefix(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{Chunks: []string{"ok"}})
	forward, _ := collectForward()

	question := strings.Repeat("a", 50)
	result, err := f.relay.Ask(context.Background(), AskInput{UserID: "u1", Question: question}, forward)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := strings.Repeat("a", 30)
	if title := f.conversations.titleUpdates[result.Conversation.ID]; title != want {
		t.Fatalf("expected truncated title %q, got %q", want, title)
	}
}

func TestRelayAsk_ConflictOnActiveStream(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{Chunks: []string{"ok"}})
	conversation, err := f.relay.StartConversation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	release, err := f.guard.Acquire(context.Background(), conversation.ID)
	if err != nil {
		t.Fatalf("acquire guard: %v", err)
	}
	defer release()

	forward, _ := collectForward()
	_, err = f.relay.Ask(context.Background(), AskInput{
		UserID:         "u1",
		ConversationID: conversation.ID,
		Question:       "hola",
	}, forward)
	if !errors.Is(err, ErrStreamActive) {
		t.Fatalf("expected ErrStreamActive, got %v", err)
	}
	if f.provider.StreamsOpen != 0 {
		t.Fatalf("expected no upstream connection, got %d", f.provider.StreamsOpen)
	}
	if len(f.messages.byRole(domain.RoleUser)) != 0 {
		t.Fatalf("expected no user message persisted on conflict")
	}
}

func TestRelayAsk_GuardReleasedOnEveryExit(t *testing.T) {
	openErr := errors.New("boom")
	f := newRelayFixture(&llm.MockProvider{OpenErr: openErr})
	forward, _ := collectForward()

	conversation, err := f.relay.StartConversation(context.Background(), "u1")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	input := AskInput{UserID: "u1", ConversationID: conversation.ID, Question: "hola"}
	if _, err := f.relay.Ask(context.Background(), input, forward); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	// El guard debe quedar libre tras el fallo.
	release, err := f.guard.Acquire(context.Background(), conversation.ID)
	if err != nil {
		t.Fatalf("expected guard released, got %v", err)
	}
	release()
}

func TestRelayAsk_UpstreamErrorBeforeChunks(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{OpenErr: llm.ErrRateLimited})
	forward, forwarded := collectForward()

	attachment := &domain.AttachmentDescriptor{Handle: "h1", MimeType: "text/csv", Filename: "data.csv"}
	_, err := f.relay.Ask(context.Background(), AskInput{
		UserID:     "u1",
		Question:   "resume esto",
		Attachment: attachment,
	}, forward)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("expected wrapped provider error, got %v", err)
	}
	if forwarded.Len() != 0 {
		t.Fatalf("expected no chunks forwarded")
	}

	if len(f.messages.byRole(domain.RoleAssistant)) != 0 {
		t.Fatalf("expected no assistant message on zero-chunk failure")
	}
	userMessages := f.messages.byRole(domain.RoleUser)
	if len(userMessages) != 1 || userMessages[0].Attachment == nil || userMessages[0].Attachment.Handle != "h1" {
		t.Fatalf("expected user message with attachment h1 persisted, got %+v", userMessages)
	}
}

func TestRelayAsk_MidStreamFailurePersistsPartial(t *testing.T) {
	streamErr := errors.New("connection reset")
	f := newRelayFixture(&llm.MockProvider{
		Chunks:    []string{"Hel", "lo", " world"},
		FailAfter: 2,
		StreamErr: streamErr,
	})
	forward, forwarded := collectForward()

	result, err := f.relay.Ask(context.Background(), AskInput{UserID: "u1", Question: "saluda"}, forward)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}

	if forwarded.String() != "Hello" {
		t.Fatalf("expected forwarded %q, got %q", "Hello", forwarded.String())
	}
	assistantMessages := f.messages.byRole(domain.RoleAssistant)
	if len(assistantMessages) != 1 {
		t.Fatalf("expected one assistant message, got %d", len(assistantMessages))
	}
	if assistantMessages[0].Content != "Hello" || !assistantMessages[0].Incomplete {
		t.Fatalf("expected incomplete partial %q, got %+v", "Hello", assistantMessages[0])
	}
	// Intercambio truncado: el título no se deriva.
	if title, ok := f.conversations.titleUpdates[result.Conversation.ID]; ok {
		t.Fatalf("expected no title update on truncated exchange, got %q", title)
	}
}

func TestRelayAsk_CallerDisconnectPersistsPartial(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{Chunks: []string{"Hel", "lo"}})

	var forwarded strings.Builder
	disconnect := errors.New("client gone")
	forward := func(chunk string) error {
		if forwarded.Len() > 0 {
			return disconnect
		}
		forwarded.WriteString(chunk)
		return nil
	}

	_, err := f.relay.Ask(context.Background(), AskInput{UserID: "u1", Question: "saluda"}, forward)
	if !errors.Is(err, disconnect) {
		t.Fatalf("expected disconnect error, got %v", err)
	}

	assistantMessages := f.messages.byRole(domain.RoleAssistant)
	if len(assistantMessages) != 1 {
		t.Fatalf("expected one assistant message, got %d", len(assistantMessages))
	}
	// El parcial persistido es exactamente lo reenviado antes del corte.
	if assistantMessages[0].Content != forwarded.String() || !assistantMessages[0].Incomplete {
		t.Fatalf("expected incomplete %q, got %+v", forwarded.String(), assistantMessages[0])
	}
}

func TestRelayAsk_PostPersistFailureSurfacesWarning(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{Chunks: []string{"ok"}})
	f.messages.failRole = domain.RoleAssistant
	f.messages.failRemaining = -1
	forward, _ := collectForward()

	result, err := f.relay.Ask(context.Background(), AskInput{UserID: "u1", Question: "hola"}, forward)
	if !errors.Is(err, ErrAssistantNotPersisted) {
		t.Fatalf("expected ErrAssistantNotPersisted, got %v", err)
	}
	if result.Persisted {
		t.Fatalf("expected Persisted=false")
	}
	if len(f.messages.byRole(domain.RoleUser)) != 1 {
		t.Fatalf("expected user message still persisted")
	}
}

func TestRelayAsk_SecondExchangeKeepsTitle(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{Chunks: []string{"ok"}})
	forward, _ := collectForward()

	result, err := f.relay.Ask(context.Background(), AskInput{UserID: "u1", Question: "primera"}, forward)
	if err != nil {
		t.Fatalf("first ask: %v", err)
	}

	forward2, _ := collectForward()
	_, err = f.relay.Ask(context.Background(), AskInput{
		UserID:         "u1",
		ConversationID: result.Conversation.ID,
		Question:       "segunda",
	}, forward2)
	if err != nil {
		t.Fatalf("second ask: %v", err)
	}

	if title := f.conversations.titleUpdates[result.Conversation.ID]; title != "primera" {
		t.Fatalf("expected title from first exchange, got %q", title)
	}
}

func TestRelayAsk_Validation(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{Chunks: []string{"ok"}})
	forward, _ := collectForward()

	cases := []AskInput{
		{UserID: "u1"},                      // sin pregunta ni adjunto
		{Question: "hola"},                  // sin usuario
		{UserID: "u1", Question: "   "},     // pregunta en blanco
	}
	for i, input := range cases {
		if _, err := f.relay.Ask(context.Background(), input, forward); !errors.Is(err, ErrRelayInvalidInput) {
			t.Fatalf("case %d expected ErrRelayInvalidInput, got %v", i, err)
		}
	}
	// Un pedido inválido no deja conversaciones vacías creadas.
	if got := len(f.conversations.byID); got != 0 {
		t.Fatalf("expected no conversations created on invalid input, got %d", got)
	}

	// Pregunta vacía con adjunto sí es válida.
	_, err := f.relay.Ask(context.Background(), AskInput{
		UserID:     "u1",
		Attachment: &domain.AttachmentDescriptor{Handle: "h1", MimeType: "image/png", Filename: "img.png"},
	}, forward)
	if err != nil {
		t.Fatalf("expected attachment-only ask to succeed, got %v", err)
	}
}

func TestRelayAsk_ConversationHookFiresBeforeStream(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{Chunks: []string{"ok"}})

	var hooked domain.Conversation
	var hookedBeforeChunks bool
	forward := func(chunk string) error {
		if hooked.ID == "" {
			t.Fatalf("expected conversation hook before first chunk")
		}
		hookedBeforeChunks = true
		return nil
	}

	result, err := f.relay.Ask(context.Background(), AskInput{
		UserID:   "u1",
		Question: "hola",
		OnConversation: func(conversation domain.Conversation) {
			hooked = conversation
		},
	}, forward)
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !hookedBeforeChunks {
		t.Fatalf("expected at least one chunk after hook")
	}
	if hooked.ID != result.Conversation.ID || hooked.UserID != "u1" {
		t.Fatalf("hook got %+v, result %+v", hooked, result.Conversation)
	}
}

func TestRelayAsk_OwnershipChecks(t *testing.T) {
	f := newRelayFixture(&llm.MockProvider{Chunks: []string{"ok"}})
	forward, _ := collectForward()

	conversation, err := f.relay.StartConversation(context.Background(), "owner")
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}

	_, err = f.relay.Ask(context.Background(), AskInput{
		UserID:         "intruder",
		ConversationID: conversation.ID,
		Question:       "hola",
	}, forward)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if f.provider.StreamsOpen != 0 {
		t.Fatalf("expected no upstream call for forbidden ask")
	}

	_, err = f.relay.Ask(context.Background(), AskInput{
		UserID:         "u1",
		ConversationID: "missing",
		Question:       "hola",
	}, forward)
	if !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}

func TestRelayAsk_HistoryFailureDoesNotBlock(t *testing.T) {
	provider := &llm.MockProvider{Chunks: []string{"ok"}}
	f := newRelayFixture(provider)
	f.relay.contextServ = &stubContextService{historyErr: errors.New("recall down")}
	forward, forwarded := collectForward()

	if _, err := f.relay.Ask(context.Background(), AskInput{UserID: "u1", Question: "hola"}, forward); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if forwarded.String() != "ok" {
		t.Fatalf("expected stream despite history failure, got %q", forwarded.String())
	}
	if len(provider.LastRequest.History) != 0 {
		t.Fatalf("expected empty history on recall failure")
	}
}

var _ repository.ConversationRepository = (*relayMockConversationRepo)(nil)
var _ repository.MessageRepository = (*relayMockMessageRepo)(nil)
var _ ContextService = (*stubContextService)(nil)

package domain

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message es inmutable una vez persistido; Incomplete marca respuestas
// truncadas por fallo upstream o cancelación del cliente.
type Message struct {
	ID             string                `json:"id"`
	ConversationID string                `json:"conversation_id"`
	Role           string                `json:"role"`
	Content        string                `json:"content"`
	Attachment     *AttachmentDescriptor `json:"attachment,omitempty"`
	Incomplete     bool                  `json:"incomplete,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

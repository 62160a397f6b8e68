package llm

import (
	"context"
	"errors"
)

// Provider define la interfaz hacia el proveedor de modelos upstream.
type Provider interface {
	// StreamCompletion abre una respuesta incremental; el Stream devuelto
	// entrega fragmentos en orden y termina exactamente una vez.
	StreamCompletion(ctx context.Context, req CompletionRequest) (Stream, error)
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
	// UploadFile registra contenido binario y devuelve un handle opaco.
	UploadFile(ctx context.Context, filename, mimeType string, data []byte) (string, error)
}

// Stream entrega fragmentos de texto hasta io.EOF (fin limpio) o error.
// Close libera la conexión subyacente; es seguro llamarlo más de una vez.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Turn es un mensaje previo enviado como contexto al proveedor.
type Turn struct {
	Role    string
	Content string
}

type Attachment struct {
	Handle   string
	MimeType string
}

type CompletionRequest struct {
	Question   string
	History    []Turn
	Attachment *Attachment
}

// Errores distinguibles del proveedor; nunca streams vacíos silenciosos.
var (
	ErrRateLimited       = errors.New("llm rate limited")
	ErrInvalidAttachment = errors.New("llm invalid attachment")
	ErrTimeout           = errors.New("llm timeout")
)

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"go.uber.org/zap"

	"chat-relay/internal/domain"
	"chat-relay/internal/llm"
)

var (
	ErrUploadNotConfigured = errors.New("upload service not configured")
	ErrUploadInvalidInput  = errors.New("upload invalid input")
	ErrFileTooLarge        = errors.New("file too large")
)

// Archiver guarda una copia de respaldo del archivo original.
type Archiver interface {
	Save(ctx context.Context, objectPath, mimeType string, data []byte) (string, error)
}

// UploadService acepta un adjunto binario, lo archiva (best effort) y lo
// registra con el proveedor para obtener el handle opaco que consume el relay.
type UploadService struct {
	logger   *zap.Logger
	provider llm.Provider
	archiver Archiver // opcional
	maxBytes int64
}

func NewUploadService(logger *zap.Logger, provider llm.Provider, archiver Archiver, maxBytes int64) *UploadService {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &UploadService{
		logger:   logger,
		provider: provider,
		archiver: archiver,
		maxBytes: maxBytes,
	}
}

// Ingest lee hasta el límite configurado; sobre el límite devuelve
// ErrFileTooLarge sin contactar al proveedor.
func (s *UploadService) Ingest(ctx context.Context, userID, filename, mimeType string, file io.Reader, declaredSize int64) (domain.AttachmentDescriptor, error) {
	if s == nil || s.provider == nil {
		return domain.AttachmentDescriptor{}, ErrUploadNotConfigured
	}

	filename = path.Base(strings.TrimSpace(filename))
	if userID == "" || filename == "" || filename == "." || file == nil {
		return domain.AttachmentDescriptor{}, ErrUploadInvalidInput
	}
	if declaredSize > s.maxBytes {
		return domain.AttachmentDescriptor{}, ErrFileTooLarge
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	data, err := io.ReadAll(io.LimitReader(file, s.maxBytes+1))
	if err != nil {
		return domain.AttachmentDescriptor{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return domain.AttachmentDescriptor{}, ErrFileTooLarge
	}

	if s.archiver != nil {
		objectPath := fmt.Sprintf("users/%s/%s", userID, filename)
		if _, err := s.archiver.Save(ctx, objectPath, mimeType, data); err != nil {
			// La copia de respaldo no bloquea el registro con el proveedor.
			s.log().Warn("archive upload failed", zap.Error(err), zap.String("object", objectPath))
		}
	}

	handle, err := s.provider.UploadFile(ctx, filename, mimeType, data)
	if err != nil {
		return domain.AttachmentDescriptor{}, fmt.Errorf("register upload: %w", err)
	}

	return domain.AttachmentDescriptor{
		Handle:   handle,
		MimeType: mimeType,
		Filename: filename,
	}, nil
}

func (s *UploadService) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

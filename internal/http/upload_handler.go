package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-relay/internal/service"
)

// UploadHandler mantiene dependencias para el endpoint de adjuntos.
type UploadHandler struct {
	logger    *zap.Logger
	uploadSrv *service.UploadService
}

func NewUploadHandler(logger *zap.Logger, uploadSrv *service.UploadService) *UploadHandler {
	return &UploadHandler{logger: logger, uploadSrv: uploadSrv}
}

// Upload maneja POST /upload.
func (h *UploadHandler) Upload(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		h.logger.Warn("invalid upload request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.logger.Error("open upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not read file"})
		return
	}
	defer file.Close()

	descriptor, err := h.uploadSrv.Ingest(
		c.Request.Context(),
		claims.UserID,
		fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"),
		file,
		fileHeader.Size,
	)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrFileTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		case errors.Is(err, service.ErrUploadInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid upload"})
		default:
			h.logger.Error("upload failed", zap.Error(err), zap.String("user_id", claims.UserID))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not upload file"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"handle":    descriptor.Handle,
		"mime_type": descriptor.MimeType,
		"filename":  descriptor.Filename,
	})
}

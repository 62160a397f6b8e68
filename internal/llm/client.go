package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
)

type logger interface {
	Printf(format string, v ...interface{})
}

// HTTPClient habla el protocolo OpenAI-compatible: chat completions con
// stream=true (SSE), /embeddings y /files.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	client     *http.Client
	logger     logger
}

// NewHTTPClient construye un cliente apuntando a la API del proveedor.
// El http.Client no lleva Timeout global: los streams viven más que
// cualquier timeout razonable y se cancelan vía contexto.
func NewHTTPClient(baseURL, apiKey, model, embedModel string, log any) *HTTPClient {
	l, _ := log.(logger)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		embedModel: embedModel,
		client:     &http.Client{},
		logger:     l,
	}
}

func (c *HTTPClient) StreamCompletion(ctx context.Context, req CompletionRequest) (Stream, error) {
	messages := make([]wireMessage, 0, len(req.History)+1)
	for _, turn := range req.History {
		messages = append(messages, wireMessage{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, buildUserMessage(req))

	body := streamRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   true,
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if c.logger != nil {
			c.logger.Printf("llm error status %d: %s", resp.StatusCode, string(respBody))
		}
		return nil, classifyStatusError(resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

// sseStream lee líneas "data: {...}" hasta el marcador [DONE].
type sseStream struct {
	body    io.ReadCloser
	done    bool
	scanner *bufio.Scanner
}

func (s *sseStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return "", fmt.Errorf("decode stream event: %w", err)
		}
		if event.Error != nil {
			return "", fmt.Errorf("llm stream error: %s", event.Error.Message)
		}
		if len(event.Choices) == 0 {
			continue
		}
		// Incluye fragmentos vacíos: el fin lo marca [DONE], no el contenido.
		return event.Choices[0].Delta.Content, nil
	}

	if err := s.scanner.Err(); err != nil {
		return "", classifyTransportError(err)
	}
	// El proveedor cerró sin [DONE]: fin abrupto, no un cierre limpio.
	return "", fmt.Errorf("llm stream closed before completion: %w", io.ErrUnexpectedEOF)
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

func (c *HTTPClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	body := embeddingRequest{Model: c.embedModel, Input: []string{text}}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, classifyStatusError(resp.StatusCode, respBody)
	}

	var er embeddingResponse
	if err := json.Unmarshal(respBody, &er); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(er.Data) == 0 {
		return nil, fmt.Errorf("llm empty embedding response")
	}
	return er.Data[0].Embedding, nil
}

func (c *HTTPClient) UploadFile(ctx context.Context, filename, mimeType string, data []byte) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("purpose", "user_data"); err != nil {
		return "", fmt.Errorf("write purpose field: %w", err)
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		if c.logger != nil {
			c.logger.Printf("llm upload error status %d: %s", resp.StatusCode, string(respBody))
		}
		return "", classifyStatusError(resp.StatusCode, respBody)
	}

	var fr fileResponse
	if err := json.Unmarshal(respBody, &fr); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if fr.ID == "" {
		return "", fmt.Errorf("llm upload: empty file id")
	}
	return fr.ID, nil
}

func buildUserMessage(req CompletionRequest) wireMessage {
	if req.Attachment == nil {
		return wireMessage{Role: "user", Content: req.Question}
	}
	parts := []wirePart{
		{Type: "file", File: &wireFile{FileID: req.Attachment.Handle}},
	}
	if req.Question != "" {
		parts = append(parts, wirePart{Type: "text", Text: req.Question})
	}
	return wireMessage{Role: "user", Content: parts}
}

func classifyStatusError(status int, body []byte) error {
	msg := extractErrorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("llm http error: status=%d: %w", status, ErrRateLimited)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("llm http error: status=%d: %w", status, ErrTimeout)
	case status == http.StatusBadRequest && strings.Contains(strings.ToLower(msg), "file"):
		return fmt.Errorf("llm http error: status=%d %s: %w", status, msg, ErrInvalidAttachment)
	default:
		if msg != "" {
			return fmt.Errorf("llm http error: status=%d: %s", status, msg)
		}
		return fmt.Errorf("llm http error: status=%d", status)
	}
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("llm request: %v: %w", err, ErrTimeout)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("llm request: %v: %w", err, ErrTimeout)
	}
	return fmt.Errorf("llm request: %w", err)
}

func extractErrorMessage(body []byte) string {
	var er struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &er); err != nil || er.Error == nil {
		return ""
	}
	return er.Error.Message
}

type streamRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// Content es string o []wirePart según haya adjunto.
type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wirePart struct {
	Type string    `json:"type"`
	Text string    `json:"text,omitempty"`
	File *wireFile `json:"file,omitempty"`
}

type wireFile struct {
	FileID string `json:"file_id"`
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type fileResponse struct {
	ID string `json:"id"`
}

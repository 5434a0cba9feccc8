package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
)

// Formatos de transporte soportados por HTTPClient.
const (
	FormatSSE  = "sse"
	FormatText = "text"
)

// ChatMessage es un mensaje del historial enviado al modelo.
type ChatMessage struct {
	Role    domain.Role         `json:"role"`
	Content string              `json:"content"`
	Images  []domain.Attachment `json:"images,omitempty"`
}

// ChatRequest incluye el historial completo y los parámetros de generación.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// DeltaStream entrega fragmentos de texto en orden. Next devuelve io.EOF al terminar.
type DeltaStream interface {
	Next() (string, error)
	Close() error
}

// StreamClient abre un stream de deltas para un request.
type StreamClient interface {
	Stream(ctx context.Context, req ChatRequest) (DeltaStream, error)
}

// BackendError es el registro de error fuera de banda que puede enviar el backend.
type BackendError struct {
	Code    string
	Message string
}

func (e *BackendError) Error() string {
	if e.Code == "" {
		return "llm backend error: " + e.Message
	}
	return fmt.Sprintf("llm backend error %s: %s", e.Code, e.Message)
}

// HTTPClient implementa StreamClient contra un endpoint HTTP de chat en streaming.
type HTTPClient struct {
	baseURL string
	apiKey  string
	format  string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPClient construye el cliente. Con FormatSSE apunta a /chat/completions
// (API compatible con OpenAI); con FormatText envía el request tal cual y lee texto plano.
func NewHTTPClient(baseURL, apiKey, format string, logger *zap.Logger) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if format != FormatText {
		format = FormatSSE
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		format:  format,
		// sin Timeout global: el stream puede durar lo que dure la generación; manda el ctx
		client: &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 60 * time.Second}},
		logger: logger,
	}
}

func (c *HTTPClient) Stream(ctx context.Context, req ChatRequest) (DeltaStream, error) {
	var (
		url  string
		body any
	)
	if c.format == FormatSSE {
		url = c.baseURL + "/chat/completions"
		body = toCompletionRequest(req)
	} else {
		url = c.baseURL
		body = req
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("llm error status", zap.Int("status", resp.StatusCode), zap.String("body", string(respBody)))
		if be := parseErrorRecord(respBody); be != nil {
			return nil, be
		}
		return nil, fmt.Errorf("llm http error: status=%d", resp.StatusCode)
	}

	if c.format == FormatSSE {
		return newSSEStream(resp.Body), nil
	}
	return newTextStream(resp.Body), nil
}

type completionRequest struct {
	Model       string              `json:"model"`
	Messages    []completionMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Stream      bool                `json:"stream"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

func toCompletionRequest(req ChatRequest) completionRequest {
	out := completionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
		Messages:    make([]completionMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		if len(m.Images) == 0 {
			out.Messages = append(out.Messages, completionMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := []contentPart{{Type: "text", Text: m.Content}}
		for _, img := range m.Images {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: "data:" + img.MediaType + ";base64," + img.EncodedData},
			})
		}
		out.Messages = append(out.Messages, completionMessage{Role: string(m.Role), Content: parts})
	}
	return out
}

type errorBody struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

func (b *errorBody) backendError() *BackendError {
	code := ""
	if b.Code != nil {
		code = fmt.Sprint(b.Code)
	}
	return &BackendError{Code: code, Message: b.Message}
}

type errorRecord struct {
	Error *errorBody `json:"error"`
}

func parseErrorRecord(raw []byte) *BackendError {
	var rec errorRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.Error == nil {
		return nil
	}
	return rec.Error.backendError()
}

// maxSSELine limita el tamaño de una línea SSE.
const maxSSELine = 64 * 1024

type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 4096), maxSSELine)
	return &sseStream{body: body, scanner: sc}
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (s *sseStream) Next() (string, error) {
	for !s.done && s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			s.done = true
			break
		}
		if be := parseErrorRecord([]byte(payload)); be != nil {
			s.done = true
			return "", be
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
	if err := s.scanner.Err(); err != nil && !s.done {
		return "", err
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

// textErrorPrefix marca, al inicio de una línea, el registro de error del formato de texto.
const textErrorPrefix = "error:"

// textStream lee texto plano en trozos sin partir runas UTF-8 entre deltas. Una línea que
// empieza con "error:" termina el stream con *BackendError y descarta lo que venga después.
type textStream struct {
	body      io.ReadCloser
	buf       []byte
	pending   []byte
	lineStart bool
	eof       bool
	failed    error
}

func newTextStream(body io.ReadCloser) *textStream {
	return &textStream{body: body, buf: make([]byte, 4096), lineStart: true}
}

func (s *textStream) Next() (string, error) {
	for {
		if s.failed != nil {
			return "", s.failed
		}
		if idx := s.errorRecordIndex(); idx > 0 {
			return s.emit(idx), nil
		} else if idx == 0 {
			nl := bytes.IndexByte(s.pending, '\n')
			if nl >= 0 || s.eof {
				line := s.pending
				if nl >= 0 {
					line = line[:nl]
				}
				s.failed = parseTextErrorRecord(line[len(textErrorPrefix):])
				s.pending = nil
				return "", s.failed
			}
		} else if cut := s.safePrefix(); cut > 0 {
			return s.emit(cut), nil
		} else if s.eof {
			if len(s.pending) > 0 {
				return s.emit(len(s.pending)), nil
			}
			return "", io.EOF
		}

		n, err := s.body.Read(s.buf)
		s.pending = append(s.pending, s.buf[:n]...)
		if errors.Is(err, io.EOF) {
			s.eof = true
		} else if err != nil {
			return "", err
		}
	}
}

func (s *textStream) emit(n int) string {
	out := string(s.pending[:n])
	s.pending = append([]byte(nil), s.pending[n:]...)
	s.lineStart = out[len(out)-1] == '\n'
	return out
}

// errorRecordIndex devuelve la posición de un "error:" al inicio de línea, o -1.
func (s *textStream) errorRecordIndex() int {
	for i := range s.pending {
		atLineStart := (i == 0 && s.lineStart) || (i > 0 && s.pending[i-1] == '\n')
		if atLineStart && bytes.HasPrefix(s.pending[i:], []byte(textErrorPrefix)) {
			return i
		}
	}
	return -1
}

// safePrefix es cuánto se puede entregar sin cortar una runa ni un posible "error:" incompleto.
func (s *textStream) safePrefix() int {
	if s.eof {
		return len(s.pending)
	}
	cut := len(s.pending)
	lineAt := -1
	if i := bytes.LastIndexByte(s.pending, '\n'); i >= 0 {
		lineAt = i + 1
	} else if s.lineStart {
		lineAt = 0
	}
	if lineAt >= 0 {
		tail := s.pending[lineAt:]
		if len(tail) < len(textErrorPrefix) && strings.HasPrefix(textErrorPrefix, string(tail)) {
			cut = lineAt
		}
	}
	return completeUTF8Prefix(s.pending[:cut])
}

func (s *textStream) Close() error {
	return s.body.Close()
}

// parseTextErrorRecord interpreta {"code","message"}; si no es JSON el texto entero es el mensaje.
func parseTextErrorRecord(raw []byte) *BackendError {
	raw = bytes.TrimSpace(raw)
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || (body.Code == nil && body.Message == "") {
		return &BackendError{Message: string(raw)}
	}
	return body.backendError()
}

// completeUTF8Prefix devuelve la longitud del prefijo que no termina en una runa incompleta.
func completeUTF8Prefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
)

func collect(t *testing.T, s DeltaStream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var out []string
	for {
		d, err := s.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, d)
	}
}

func TestHTTPClientStream_SSE(t *testing.T) {
	var got completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing auth header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": keepalive\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hola"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":" mundo"}}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/v1/", "key", FormatSSE, zap.NewNop())
	stream, err := c.Stream(context.Background(), ChatRequest{
		Model:       "m",
		Temperature: 0.7,
		MaxTokens:   512,
		Messages: []ChatMessage{
			{Role: domain.RoleUser, Content: "hola", Images: []domain.Attachment{{MediaType: "image/png", EncodedData: "AAEC"}}},
		},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	deltas, err := collect(t, stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if strings.Join(deltas, "|") != "Hola| mundo" {
		t.Fatalf("unexpected deltas %q", deltas)
	}
	if !got.Stream || got.Model != "m" || got.MaxTokens != 512 {
		t.Fatalf("unexpected request %+v", got)
	}
	parts, ok := got.Messages[0].Content.([]any)
	if !ok || len(parts) != 2 {
		t.Fatalf("expected multimodal content parts, got %#v", got.Messages[0].Content)
	}
}

func TestHTTPClientStream_SSEErrorRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"par"}}]}`+"\n\n")
		io.WriteString(w, `data: {"error":{"code":"overloaded","message":"try later"}}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"never"}}]}`+"\n\n")
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", FormatSSE, nil)
	stream, err := c.Stream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	deltas, err := collect(t, stream)
	var be *BackendError
	if !errors.As(err, &be) || be.Code != "overloaded" || be.Message != "try later" {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if len(deltas) != 1 || deltas[0] != "par" {
		t.Fatalf("expected only text before the error record, got %q", deltas)
	}
}

func TestHTTPClientStream_Text(t *testing.T) {
	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"You ", "said", ": ñ"} {
			io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/api/chat", "", FormatText, nil)
	stream, err := c.Stream(context.Background(), ChatRequest{Model: "gemini-2.0-flash", Messages: []ChatMessage{{Role: domain.RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	deltas, err := collect(t, stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if strings.Join(deltas, "") != "You said: ñ" {
		t.Fatalf("unexpected text %q", strings.Join(deltas, ""))
	}
	if got.Model != "gemini-2.0-flash" || len(got.Messages) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestHTTPClientStream_TextErrorRecord(t *testing.T) {
	cases := []struct {
		name    string
		chunks  []string
		text    string
		code    string
		message string
	}{
		{
			name:    "record first",
			chunks:  []string{`error: {"code":"MISSING_KEY","message":"Set GEMINI_API_KEY"}` + "\n"},
			code:    "MISSING_KEY",
			message: "Set GEMINI_API_KEY",
		},
		{
			name:    "record after partial text",
			chunks:  []string{"Hola", " mundo\n", `error: {"code":"UPSTREAM_ERROR","status":502,"message":"bad gateway"}` + "\n", "never"},
			text:    "Hola mundo\n",
			code:    "UPSTREAM_ERROR",
			message: "bad gateway",
		},
		{
			name:    "prefix split across chunks",
			chunks:  []string{"ok\ner", "ror: {\"code\":\"SERVER_ERROR\",", "\"message\":\"boom\"}"},
			text:    "ok\n",
			code:    "SERVER_ERROR",
			message: "boom",
		},
		{
			name:    "not json",
			chunks:  []string{"error: backend exploded\n"},
			message: "backend exploded",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				flusher := w.(http.Flusher)
				for _, chunk := range tc.chunks {
					io.WriteString(w, chunk)
					flusher.Flush()
				}
			}))
			defer srv.Close()

			c := NewHTTPClient(srv.URL, "", FormatText, nil)
			stream, err := c.Stream(context.Background(), ChatRequest{})
			if err != nil {
				t.Fatalf("stream: %v", err)
			}
			deltas, err := collect(t, stream)
			var be *BackendError
			if !errors.As(err, &be) || be.Code != tc.code || be.Message != tc.message {
				t.Fatalf("expected BackendError %s/%s, got %v", tc.code, tc.message, err)
			}
			if got := strings.Join(deltas, ""); got != tc.text {
				t.Fatalf("expected text %q before the record, got %q", tc.text, got)
			}
		})
	}
}

func TestHTTPClientStream_TextKeepsInlineErrorWord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		for _, chunk := range []string{"e", "rr", "no error: here\nerr"} {
			io.WriteString(w, chunk)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", FormatText, nil)
	stream, err := c.Stream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	deltas, err := collect(t, stream)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := strings.Join(deltas, ""); got != "errno error: here\nerr" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestHTTPClientStream_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"code":429,"message":"slow down"}}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", FormatSSE, nil)
	_, err := c.Stream(context.Background(), ChatRequest{})
	var be *BackendError
	if !errors.As(err, &be) || be.Code != "429" {
		t.Fatalf("expected BackendError with code 429, got %v", err)
	}
}

func TestCompleteUTF8Prefix(t *testing.T) {
	full := []byte("aé")
	if got := completeUTF8Prefix(full); got != len(full) {
		t.Fatalf("expected full length, got %d", got)
	}
	partial := full[:len(full)-1]
	if got := completeUTF8Prefix(partial); got != 1 {
		t.Fatalf("expected cut before incomplete rune, got %d", got)
	}
}

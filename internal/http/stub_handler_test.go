package http

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/llm"
)

func TestStubHandler_EchoThroughTextClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/chat", NewStubHandler(zap.NewNop(), 0).Chat)
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := llm.NewHTTPClient(srv.URL+"/api/chat", "", llm.FormatText, zap.NewNop())
	stream, err := client.Stream(context.Background(), llm.ChatRequest{
		Messages: []llm.ChatMessage{
			{Role: domain.RoleUser, Content: "primero"},
			{Role: domain.RoleAssistant, Content: "Echo: primero"},
			{Role: domain.RoleUser, Content: "¿qué tal?", Images: []domain.Attachment{{MediaType: "image/png"}}},
		},
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer stream.Close()

	var b strings.Builder
	for {
		delta, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		b.WriteString(delta)
	}
	if got := b.String(); got != "Echo: ¿qué tal? [1 image(s)]" {
		t.Fatalf("unexpected echo: %q", got)
	}
}

func TestStubHandler_RejectsEmptyRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/api/chat", NewStubHandler(zap.NewNop(), 0).Chat)
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := llm.NewHTTPClient(srv.URL+"/api/chat", "", llm.FormatText, nil)
	_, err := client.Stream(context.Background(), llm.ChatRequest{})
	var be *llm.BackendError
	if !errors.As(err, &be) || be.Code != "BAD_REQUEST" {
		t.Fatalf("expected backend error, got %v", err)
	}
}

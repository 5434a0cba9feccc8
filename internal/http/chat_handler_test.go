package http

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/attachment"
	"chat-sync/internal/domain"
	"chat-sync/internal/llm"
	"chat-sync/internal/repository"
	"chat-sync/internal/service"
)

type testServer struct {
	router     *gin.Engine
	ctrl       *service.ConversationController
	client     *llm.MockClient
	remote     repository.RemoteStore
	identities *service.IdentityService
}

func newTestServer(t *testing.T, deltas ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	local := repository.NewMemoryLocalStore()
	remote := repository.NewMemoryRemoteStore(nil, logger)
	client := &llm.MockClient{Deltas: deltas}
	ctrl, err := service.NewConversationController(context.Background(), service.ControllerDeps{
		Local:     local,
		Remote:    remote,
		Migration: service.NewMigrationService(local, remote, repository.NewMemoryMarkerStore(), logger),
		Assembler: service.NewStreamAssembler(client, logger),
		Codec:     attachment.NewCodec(attachment.DefaultMaxBytes, nil),
		Logger:    logger,
	}, domain.Anonymous)
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })

	identities := service.NewIdentityService("secret", "chat-sync", time.Minute)
	router := NewRouter(
		logger,
		NewChatHandler(logger, ctrl, attachment.DefaultMaxBytes),
		NewSessionHandler(logger, ctrl, identities),
		NewStubHandler(logger, 0),
	)
	return &testServer{router: router, ctrl: ctrl, client: client, remote: remote, identities: identities}
}

func (s *testServer) do(method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

type stateResponse struct {
	State service.View `json:"state"`
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) service.View {
	t.Helper()
	var resp stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode state: %v (body=%s)", err, rec.Body.String())
	}
	return resp.State
}

func TestChatHandler_SendStreamsDeltas(t *testing.T) {
	s := newTestServer(t, "Ho", "la")

	rec := s.do(http.MethodPost, "/messages", []byte(`{"content":"hola"}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream") {
		t.Fatalf("expected event stream, got %q", rec.Header().Get("Content-Type"))
	}
	first := strings.Index(body, "data:Ho")
	second := strings.Index(body, "data:la")
	done := strings.Index(body, "event:done")
	if first < 0 || second < first || done < second {
		t.Fatalf("unexpected stream body: %s", body)
	}
	if !strings.Contains(body, `"text":"Hola"`) || !strings.Contains(body, `"state":"completed"`) {
		t.Fatalf("expected final result in done event: %s", body)
	}

	view := decodeState(t, s.do(http.MethodGet, "/state", nil, ""))
	if len(view.Conversations) != 1 || len(view.Messages) != 2 || view.Messages[1].Content != "Hola" {
		t.Fatalf("unexpected state: %+v", view)
	}
}

func TestChatHandler_SendEmptyIsBadRequest(t *testing.T) {
	s := newTestServer(t, "x")
	rec := s.do(http.MethodPost, "/messages", []byte(`{"content":"   "}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChatHandler_SendFailureReportsPartial(t *testing.T) {
	s := newTestServer(t, "a", "b", "c")
	s.client.Err = context.DeadlineExceeded
	s.client.FailAfter = 1

	rec := s.do(http.MethodPost, "/messages", []byte(`{"content":"hola"}`), "application/json")
	body := rec.Body.String()
	if !strings.Contains(body, "event:error") || !strings.Contains(body, `"partial":"a"`) {
		t.Fatalf("expected error event with partial, got %s", body)
	}
}

func TestChatHandler_MultipartDropsOversizedImage(t *testing.T) {
	s := newTestServer(t, "ok")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("content", "mira")
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="images"; filename="big.png"`)
	header.Set("Content-Type", "image/png")
	part, err := w.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(bytes.Repeat([]byte{1}, 12*1024*1024))
	_ = w.Close()

	rec := s.do(http.MethodPost, "/messages", buf.Bytes(), w.FormDataContentType())
	body := rec.Body.String()
	if !strings.Contains(body, "event:done") || !strings.Contains(body, `"name":"big.png"`) {
		t.Fatalf("expected done event with rejected attachment, got %s", body)
	}
	req := s.client.Requests()[0]
	if last := req.Messages[len(req.Messages)-1]; last.Content != "mira" || len(last.Images) != 0 {
		t.Fatalf("expected text-only request, got %+v", last)
	}
}

func TestChatHandler_AllAttachmentsRejectedReportsThem(t *testing.T) {
	s := newTestServer(t, "ok")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="images"; filename="big.png"`)
	header.Set("Content-Type", "image/png")
	part, err := w.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(bytes.Repeat([]byte{1}, 12*1024*1024))
	_ = w.Close()

	rec := s.do(http.MethodPost, "/messages", buf.Bytes(), w.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Error    string `json:"error"`
		Rejected []struct {
			Name  string `json:"name"`
			Error string `json:"error"`
		} `json:"rejected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == "" || len(resp.Rejected) != 1 || resp.Rejected[0].Name != "big.png" || resp.Rejected[0].Error == "" {
		t.Fatalf("expected rejected attachment in error body, got %+v", resp)
	}
	if len(s.client.Requests()) != 0 {
		t.Fatalf("backend must not be called")
	}
}

func TestChatHandler_ConversationLifecycle(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/conversations", nil, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created struct {
		ConversationID string `json:"conversation_id"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.ConversationID == "" {
		t.Fatalf("expected conversation id: %s", rec.Body.String())
	}

	rec = s.do(http.MethodPatch, "/conversations/"+created.ConversationID, []byte(`{"title":"viaje"}`), "application/json")
	if view := decodeState(t, rec); view.Conversations[0].Title != "viaje" {
		t.Fatalf("expected renamed conversation, got %+v", view.Conversations)
	}

	rec = s.do(http.MethodPost, "/conversations/missing/select", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = s.do(http.MethodDelete, "/conversations/"+created.ConversationID, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if view := decodeState(t, s.do(http.MethodGet, "/state", nil, "")); len(view.Conversations) != 0 {
		t.Fatalf("expected no conversations, got %+v", view.Conversations)
	}

	rec = s.do(http.MethodPost, "/abort", nil, "")
	if !strings.Contains(rec.Body.String(), `"aborted":false`) {
		t.Fatalf("expected no active stream, got %s", rec.Body.String())
	}
}

func TestSessionHandler_SignInAndOut(t *testing.T) {
	s := newTestServer(t, "ok")
	if rec := s.do(http.MethodPost, "/messages", []byte(`{"content":"local"}`), "application/json"); rec.Code != http.StatusOK {
		t.Fatalf("send: %d", rec.Code)
	}

	token, _ := s.identities.Issue("u1")
	req := httptest.NewRequest(http.MethodPost, "/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("sign in: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if view := decodeState(t, rec); view.Identity.UserID != "u1" {
		t.Fatalf("expected authenticated view, got %+v", view.Identity)
	}
	convs, _ := s.remote.ListConversations(context.Background(), "u1")
	if len(convs) != 1 || convs[0].Title != "local" {
		t.Fatalf("expected migrated conversation, got %+v", convs)
	}

	rec = s.do(http.MethodDelete, "/session", nil, "")
	view := decodeState(t, rec)
	if view.Identity.IsAuthenticated() || len(view.Conversations) != 0 {
		t.Fatalf("expected anonymous empty view, got %+v", view)
	}

	if rec := s.do(http.MethodPost, "/session", nil, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

// ABOUTME: Tests for the chat, history, user and file HTTP handlers
// ABOUTME: Drives the full handler stack with a mock store, stub generator and memory object store

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fynq/tutor-gateway/internal/auth"
	"github.com/fynq/tutor-gateway/internal/config"
	"github.com/fynq/tutor-gateway/internal/generation"
	"github.com/fynq/tutor-gateway/internal/objectstore"
	"github.com/fynq/tutor-gateway/internal/ratelimit"
	"github.com/fynq/tutor-gateway/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

// testEnv bundles a gateway with handles on its fakes.
type testEnv struct {
	gw       *Gateway
	store    *store.MockStore
	gen      *generation.StubGenerator
	objects  *objectstore.MemoryStore
	verifier *auth.JWTVerifier
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Auth:   config.AuthConfig{JWTSecret: testSecret, Audience: auth.DefaultAudience},
		CORS: config.CORSConfig{
			AllowedOrigins: []string{"http://localhost:8080", "https://*.lovable.app"},
		},
	}
}

type envOption func(*config.Config, *Components)

func withoutStorage() envOption {
	return func(_ *config.Config, c *Components) {
		c.Objects = nil
		c.Limiter = nil
	}
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	verifier, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)

	env := &testEnv{
		store:    store.NewMockStore(),
		gen:      generation.NewStubGenerator("Photosynthesis turns light into **chemical energy**."),
		objects:  objectstore.NewMemoryStore("https://cdn.example.com/storage/v1/object/public", "user-uploads"),
		verifier: verifier,
	}

	limiter := ratelimit.New(2, 5*time.Minute)
	t.Cleanup(limiter.Close)

	cfg := testConfig()
	comps := Components{
		Store:     env.store,
		Verifier:  verifier,
		Generator: env.gen,
		Objects:   env.objects,
		Limiter:   limiter,
	}
	for _, opt := range opts {
		opt(cfg, &comps)
	}

	gw, err := NewWithComponents(cfg, comps, testLogger())
	require.NoError(t, err)
	env.gw = gw
	return env
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) postJSON(t *testing.T, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(req)
}

func (e *testEnv) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(req)
}

// multipartBody builds a form with one file part and optional text fields.
func multipartBody(t *testing.T, field, filename, contentType string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)

	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *testEnv) postMultipart(t *testing.T, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return e.do(req)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
		Error  bool   `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body), "body: %s", rec.Body.String())
	assert.True(t, body.Error)
	return body.Detail
}

func decodeChat(t *testing.T, rec *httptest.ResponseRecorder) ChatResponse {
	t.Helper()
	var resp ChatResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func pngImage(size int) []byte {
	data := make([]byte, size)
	copy(data, pngHeader)
	return data
}

func TestRoot(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Welcome")

	rec = env.get(t, "/no-such-page", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatMessage_Unauthenticated(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/message", strings.NewReader(`{"message":"hi"}`))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := env.do(req)

			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
			}
			assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
			assert.Equal(t, "not authenticated", decodeError(t, rec))
		})
	}

	assert.Empty(t, env.gen.Calls())
	assert.Equal(t, 0, env.store.ConversationCount())
}

func TestChatMessage_NewConversation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	rec := env.postJSON(t, "/api/v1/chat/message", tok, ChatMessageRequest{Message: "What is photosynthesis?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeChat(t, rec)
	assert.NotEmpty(t, resp.ChatID)
	assert.True(t, resp.Created)
	assert.True(t, resp.HistorySaved)
	assert.Contains(t, resp.Response, "chemical energy")

	assert.Equal(t, 1, env.store.ConversationCount())
	assert.Equal(t, 2, env.store.MessageCount())

	calls := env.gen.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "What is photosynthesis?", calls[0].Prompt)
	assert.Nil(t, calls[0].Image)
}

func TestChatMessage_ContinuesConversation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	first := decodeChat(t, env.postJSON(t, "/api/v1/chat/message", tok, ChatMessageRequest{Message: "one"}))
	rec := env.postJSON(t, "/api/v1/chat/message", tok, ChatMessageRequest{Message: "two", ChatID: first.ChatID})
	require.Equal(t, http.StatusOK, rec.Code)

	second := decodeChat(t, rec)
	assert.Equal(t, first.ChatID, second.ChatID)
	assert.False(t, second.Created)
	assert.Equal(t, 1, env.store.ConversationCount())
	assert.Equal(t, 4, env.store.MessageCount())
}

func TestChatMessage_ForeignConversation(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice")
	bob := env.token(t, "bob")

	created := decodeChat(t, env.postJSON(t, "/api/v1/chat/message", alice, ChatMessageRequest{Message: "mine"}))
	before := env.store.MessageCount()

	for _, chatID := range []string{created.ChatID, "does-not-exist"} {
		rec := env.postJSON(t, "/api/v1/chat/message", bob, ChatMessageRequest{Message: "let me in", ChatID: chatID})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("chat %q: expected status %d, got %d", chatID, http.StatusForbidden, rec.Code)
		}
		assert.Equal(t, "not authorized to access this chat", decodeError(t, rec))
	}

	assert.Equal(t, before, env.store.MessageCount())
	assert.Len(t, env.gen.Calls(), 1)
}

func TestChatMessage_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/message", strings.NewReader("not json"))
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := env.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", decodeError(t, rec))

	rec = env.postJSON(t, "/api/v1/chat/message", tok, ChatMessageRequest{Message: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "message is required", decodeError(t, rec))

	assert.Equal(t, 0, env.store.ConversationCount())
	assert.Empty(t, env.gen.Calls())
}

func TestChatMessage_GenerationFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gen.Reply = func(context.Context, generation.Call) (generation.Result, error) {
		return generation.Result{}, &generation.GenerationError{Cause: errors.New("quota exceeded for key sk-secret")}
	}
	tok := env.token(t, "student-1")

	rec := env.postJSON(t, "/api/v1/chat/message", tok, ChatMessageRequest{Message: "hello"})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rec.Code)
	}
	body := rec.Body.String()
	assert.NotContains(t, body, "sk-secret")
	assert.Contains(t, body, "could not generate response")

	// The question is kept even though no answer was produced.
	assert.Equal(t, 1, env.store.MessageCount())
}

func TestChatMessage_StorageFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailCreate = errors.New("disk full at /var/lib/tutor.db")
	tok := env.token(t, "student-1")

	rec := env.postJSON(t, "/api/v1/chat/message", tok, ChatMessageRequest{Message: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/lib")
	assert.Empty(t, env.gen.Calls())
}

func TestChatImage_Success(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	body, ct := multipartBody(t, "image", "leaf.png", "image/png", pngImage(2048),
		map[string]string{"message": "What is this?"})
	rec := env.postMultipart(t, "/api/v1/chat/image", tok, body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeChat(t, rec)
	assert.True(t, resp.Created)

	calls := env.gen.Calls()
	require.Len(t, calls, 1)
	require.NotNil(t, calls[0].Image)
	assert.Equal(t, "image/png", calls[0].Image.MediaType)
	assert.Len(t, calls[0].Image.Data, 2048)
	assert.Equal(t, "What is this?", calls[0].Prompt)

	msgs, err := env.store.ListMessages(context.Background(), resp.ChatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "[Image] What is this?", msgs[0].Content)
}

func TestChatImage_SniffsGenericContentType(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	body, ct := multipartBody(t, "image", "leaf", "application/octet-stream", pngImage(512), nil)
	rec := env.postMultipart(t, "/api/v1/chat/image", tok, body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	calls := env.gen.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "image/png", calls[0].Image.MediaType)
}

func TestChatImage_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	body, ct := multipartBody(t, "image", "huge.png", "image/png", pngImage(6*1024*1024),
		map[string]string{"message": "big"})
	rec := env.postMultipart(t, "/api/v1/chat/image", tok, body, ct)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	assert.Contains(t, decodeError(t, rec), "file too large")
	assert.Empty(t, env.gen.Calls())
	assert.Equal(t, 0, env.store.ConversationCount())
}

func TestChatImage_InvalidType(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	body, ct := multipartBody(t, "image", "notes.txt", "text/plain", []byte("hello"), nil)
	rec := env.postMultipart(t, "/api/v1/chat/image", tok, body, ct)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec), "invalid file type")
	assert.Empty(t, env.gen.Calls())
}

func TestChatImage_MissingFile(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("message", "no image here"))
	require.NoError(t, mw.Close())

	rec := env.postMultipart(t, "/api/v1/chat/image", tok, &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "image is required", decodeError(t, rec))
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice")
	bob := env.token(t, "bob")

	first := decodeChat(t, env.postJSON(t, "/api/v1/chat/message", alice, ChatMessageRequest{Message: "Explain fractions"}))
	env.postJSON(t, "/api/v1/chat/message", alice, ChatMessageRequest{Message: "And decimals?", ChatID: first.ChatID})
	env.postJSON(t, "/api/v1/chat/message", alice, ChatMessageRequest{Message: "New topic: verbs"})
	env.postJSON(t, "/api/v1/chat/message", bob, ChatMessageRequest{Message: "bob's own chat"})

	rec := env.get(t, "/api/v1/chat/history", alice)
	require.Equal(t, http.StatusOK, rec.Code)

	var history []ChatHistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	require.Len(t, history, 2)

	assert.Equal(t, first.ChatID, history[0].ChatID)
	assert.Equal(t, "Explain fractions", history[0].Title)
	require.Len(t, history[0].Messages, 4)
	assert.Equal(t, []string{"user", "assistant", "user", "assistant"}, senders(history[0].Messages))
	assert.Equal(t, "And decimals?", history[0].Messages[2].Content)
	assert.Empty(t, history[0].Messages[1].ContentHTML)

	assert.Equal(t, "New topic: verbs", history[1].Title)
	for _, h := range history {
		for _, m := range h.Messages {
			assert.NotEqual(t, "bob's own chat", m.Content)
		}
	}
}

func TestHistory_HTMLFormat(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "alice")
	env.postJSON(t, "/api/v1/chat/message", tok, ChatMessageRequest{Message: "<script>alert(1)</script>"})

	rec := env.get(t, "/api/v1/chat/history?format=html", tok)
	require.Equal(t, http.StatusOK, rec.Code)

	var history []ChatHistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	require.Len(t, history, 1)
	require.Len(t, history[0].Messages, 2)

	assert.NotContains(t, history[0].Messages[0].ContentHTML, "<script>")
	assert.Contains(t, history[0].Messages[1].ContentHTML, "<strong>chemical energy</strong>")
}

func TestHistory_Empty(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/v1/chat/history", env.token(t, "newcomer"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestConversationByID(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, "alice")
	created := decodeChat(t, env.postJSON(t, "/api/v1/chat/message", alice, ChatMessageRequest{Message: "hi"}))

	rec := env.get(t, "/api/v1/chat/history/"+created.ChatID, alice)
	require.Equal(t, http.StatusOK, rec.Code)
	var h ChatHistoryResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&h))
	assert.Equal(t, created.ChatID, h.ChatID)
	assert.Len(t, h.Messages, 2)

	rec = env.get(t, "/api/v1/chat/history/"+created.ChatID, env.token(t, "mallory"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUsersMe(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/v1/users/me", env.token(t, "user-42"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"user-42"}`, rec.Body.String())

	rec = env.get(t, "/api/v1/users/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentityProviderEndpoints(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/auth/register", "/api/v1/auth/login"} {
		rec := env.postJSON(t, path, "", map[string]string{"email": "a@b.c"})
		assert.Equal(t, http.StatusNotImplemented, rec.Code, path)
	}
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	upload := func() *httptest.ResponseRecorder {
		body, ct := multipartBody(t, "file", "my diagram.png", "image/png", pngImage(1024), nil)
		return env.postMultipart(t, "/api/v1/files/upload", tok, body, ct)
	}

	rec := upload()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp FileUploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "my diagram.png", resp.Filename)
	assert.True(t, strings.HasPrefix(resp.Key, "student-1/"))
	assert.True(t, strings.HasPrefix(resp.PublicURL, "https://cdn.example.com/storage/v1/object/public/user-uploads/student-1/"))
	assert.Equal(t, 1, env.objects.Len())

	require.Equal(t, http.StatusOK, upload().Code)

	rec = upload()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 2, env.objects.Len())
}

func TestUpload_InvalidFileDoesNotConsumeQuota(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	for i := 0; i < 3; i++ {
		body, ct := multipartBody(t, "file", "notes.txt", "text/plain", []byte("plain text"), nil)
		rec := env.postMultipart(t, "/api/v1/files/upload", tok, body, ct)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	}

	body, ct := multipartBody(t, "file", "ok.png", "image/png", pngImage(64), nil)
	rec := env.postMultipart(t, "/api/v1/files/upload", tok, body, ct)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUpload_StorageDisabled(t *testing.T) {
	env := newTestEnv(t, withoutStorage())
	tok := env.token(t, "student-1")

	body, ct := multipartBody(t, "file", "ok.png", "image/png", pngImage(64), nil)
	rec := env.postMultipart(t, "/api/v1/files/upload", tok, body, ct)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDeleteFile(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, "student-1")

	body, ct := multipartBody(t, "file", "ok.png", "image/png", pngImage(64), nil)
	rec := env.postMultipart(t, "/api/v1/files/upload", tok, body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	var up FileUploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&up))

	del := func(token, key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/files/"+key, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return env.do(req)
	}

	// Another user cannot see it.
	assert.Equal(t, http.StatusNotFound, del(env.token(t, "student-2"), up.Key).Code)
	assert.Equal(t, 1, env.objects.Len())

	assert.Equal(t, http.StatusNoContent, del(tok, up.Key).Code)
	assert.Equal(t, 0, env.objects.Len())

	assert.Equal(t, http.StatusNotFound, del(tok, up.Key).Code)
}

func senders(msgs []MessageResponse) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Sender
	}
	return out
}

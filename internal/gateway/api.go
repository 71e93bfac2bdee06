// ABOUTME: HTTP API handlers for chat turns, history and the authenticated user
// ABOUTME: Maps orchestrator errors to the {"detail","error"} envelope clients expect

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/fynq/tutor-gateway/internal/apperr"
	"github.com/fynq/tutor-gateway/internal/auth"
	"github.com/fynq/tutor-gateway/internal/conversation"
	"github.com/fynq/tutor-gateway/internal/generation"
	"github.com/fynq/tutor-gateway/internal/store"
	"github.com/fynq/tutor-gateway/internal/uploads"
)

// Request bodies are small JSON documents; multipart bodies hold one image.
const (
	maxJSONBodyBytes   = 1 << 20
	multipartOverhead  = 1 << 20
	multipartMemoryCap = 8 << 20
)

// ChatMessageRequest is the JSON request body for POST /api/v1/chat/message.
type ChatMessageRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id,omitempty"`
}

// ChatResponse is the JSON response for both chat endpoints.
type ChatResponse struct {
	Response     string `json:"response"`
	ChatID       string `json:"chat_id"`
	Created      bool   `json:"created"`
	HistorySaved bool   `json:"history_saved"`
}

// MessageResponse is one recorded message.
type MessageResponse struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	Sender      string    `json:"sender"`
	Content     string    `json:"content"`
	ContentHTML string    `json:"content_html,omitempty"` // only with ?format=html
	Timestamp   time.Time `json:"timestamp"`
}

// ChatHistoryResponse is one conversation with its messages.
type ChatHistoryResponse struct {
	ChatID    string            `json:"chat_id"`
	Title     string            `json:"title"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Messages  []MessageResponse `json:"messages"`
}

// UserResponse is the JSON response for GET /api/v1/users/me.
type UserResponse struct {
	ID string `json:"id"`
}

// handleChatMessage handles POST /api/v1/chat/message.
func (g *Gateway) handleChatMessage(w http.ResponseWriter, r *http.Request) {
	var req ChatMessageRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err := dec.Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	resp, err := g.conversation.SendMessage(r.Context(), &conversation.SendRequest{
		Credential:     auth.TokenFromContext(r.Context()),
		ConversationID: req.ChatID,
		Message:        req.Message,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(resp))
}

// handleChatImage handles POST /api/v1/chat/image.
// Multipart fields: image (file), message (optional caption), chat_id (optional).
func (g *Gateway) handleChatImage(w http.ResponseWriter, r *http.Request) {
	maxImage := g.config.Generation.MaxImageBytes
	if maxImage <= 0 {
		maxImage = generation.DefaultMaxImageBytes
	}

	image, _, ok := g.readMultipartImage(w, r, "image", maxImage)
	if !ok {
		return
	}

	resp, err := g.conversation.SendImage(r.Context(), &conversation.ImageRequest{
		Credential:     auth.TokenFromContext(r.Context()),
		ConversationID: r.FormValue("chat_id"),
		Caption:        r.FormValue("message"),
		Image:          image,
	})
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(resp))
}

// readMultipartImage parses the multipart form and reads one file field.
// At most maxBytes+1 bytes are read so the size check downstream can reject oversized files.
// On failure the response has been written and ok is false.
func (g *Gateway) readMultipartImage(w http.ResponseWriter, r *http.Request, field string, maxBytes int64) (generation.Image, *multipart.FileHeader, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, 2*maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemoryCap); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.sendJSONError(w, http.StatusBadRequest, "file too large. maximum size is "+strconv.FormatInt(maxBytes>>20, 10)+" MB")
			return generation.Image{}, nil, false
		}
		g.sendJSONError(w, http.StatusBadRequest, "invalid multipart form")
		return generation.Image{}, nil, false
	}

	file, header, err := r.FormFile(field)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, field+" is required")
		return generation.Image{}, nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		g.logger.Error("reading upload failed", "field", field, "error", err)
		g.sendJSONError(w, http.StatusBadRequest, "could not read "+field)
		return generation.Image{}, nil, false
	}

	// Generic types are sniffed from the content instead.
	mediaType := header.Header.Get("Content-Type")
	if generation.NormalizeMediaType(mediaType, nil) == "application/octet-stream" {
		mediaType = ""
	}

	return generation.Image{
		Data:      data,
		MediaType: mediaType,
	}, header, true
}

// handleHistory handles GET /api/v1/chat/history.
// ?format=html adds content_html with each message rendered from Markdown.
func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := g.conversation.History(r.Context(), auth.TokenFromContext(r.Context()))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	renderHTML := r.URL.Query().Get("format") == "html"
	response := make([]ChatHistoryResponse, 0, len(history))
	for _, h := range history {
		response = append(response, g.toHistoryResponse(h, renderHTML))
	}
	writeJSON(w, http.StatusOK, response)
}

// handleConversation handles GET /api/v1/chat/history/{chat_id}.
func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	h, err := g.conversation.Conversation(r.Context(), auth.TokenFromContext(r.Context()), r.PathValue("chat_id"))
	if err != nil {
		g.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g.toHistoryResponse(h, r.URL.Query().Get("format") == "html"))
}

// handleMe handles GET /api/v1/users/me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, UserResponse{ID: auth.UserFromContext(r.Context())})
}

// handleIdentityProvider answers account endpoints that the identity provider's SDK owns.
func (g *Gateway) handleIdentityProvider(w http.ResponseWriter, r *http.Request) {
	g.sendJSONError(w, http.StatusNotImplemented, "registration and login are handled by the identity provider")
}

func toChatResponse(resp *conversation.SendResponse) ChatResponse {
	return ChatResponse{
		Response:     resp.Text,
		ChatID:       resp.ConversationID,
		Created:      resp.Created,
		HistorySaved: resp.HistorySaved,
	}
}

func (g *Gateway) toHistoryResponse(h *conversation.ConversationHistory, renderHTML bool) ChatHistoryResponse {
	msgs := make([]MessageResponse, 0, len(h.Messages))
	for _, m := range h.Messages {
		mr := toMessageResponse(m)
		if renderHTML {
			mr.ContentHTML = g.renderMarkdown(m.Content)
		}
		msgs = append(msgs, mr)
	}
	return ChatHistoryResponse{
		ChatID:    h.ID,
		Title:     h.Title,
		CreatedAt: h.CreatedAt,
		UpdatedAt: h.UpdatedAt,
		Messages:  msgs,
	}
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		ChatID:    m.ConversationID,
		Sender:    m.Sender,
		Content:   m.Content,
		Timestamp: m.CreatedAt,
	}
}

// writeError maps err to its status and client-safe message.
// Causes are logged here and never rendered.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ae := apperr.From(err)
	status := apperr.HTTPStatus(ae.Code)

	attrs := []any{"path", r.URL.Path, "code", ae.Code, "stage", ae.Stage, "error", err}
	switch {
	case status >= http.StatusInternalServerError:
		g.logger.Error("request failed", attrs...)
	case status == http.StatusUnauthorized:
		g.logger.Debug("request rejected", attrs...)
	default:
		g.logger.Info("request rejected", attrs...)
	}

	var rle *uploads.RateLimitedError
	if errors.As(err, &rle) {
		secs := int(rle.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}

	message := ae.Message
	if ae.Code == apperr.CodeInternal {
		message = "internal server error"
	}
	g.sendJSONError(w, status, message)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"detail": message, "error": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

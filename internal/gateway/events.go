// ABOUTME: Server-sent event stream of a user's newly recorded chat messages
// ABOUTME: Lets other open clients follow a conversation without polling history

package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fynq/tutor-gateway/internal/auth"
)

// handleEvents handles GET /api/v1/chat/events.
// It emits "connected" once, then one "message" event per recorded message,
// with comment pings while idle.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserFromContext(ctx)

	ch, err := g.conversation.Subscribe(ctx, auth.TokenFromContext(ctx))
	if err != nil {
		g.writeError(w, r, err)
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(w, formatSSEEvent("connected", "{}")); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		g.logger.Error("streaming not supported", "error", err)
		return
	}
	g.logger.Debug("event stream opened", "user_id", userID)

	ticker := time.NewTicker(g.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Debug("event stream closed by client", "user_id", userID)
			return
		case msg, ok := <-ch:
			if !ok {
				g.logger.Debug("event stream ended", "user_id", userID)
				return
			}
			if err := g.writeSSEEvent(w, "message", toMessageResponse(msg)); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// formatSSEEvent formats an SSE event as a string with the standard format:
// event: <eventType>\ndata: <data>\n\n
func formatSSEEvent(eventType, data string) string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", eventType, data)
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w io.Writer, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}
	_, err = io.WriteString(w, formatSSEEvent(event, string(dataJSON)))
	return err
}

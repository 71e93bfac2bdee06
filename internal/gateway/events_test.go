// ABOUTME: Tests for the server-sent chat event stream
// ABOUTME: Uses a real HTTP server so streamed events can be read as they are flushed

package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	name string
	data string
}

// readEvents parses SSE frames from the stream until it ends.
func readEvents(r *bufio.Reader, out chan<- sseEvent) {
	defer close(out)
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" {
				out <- ev
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, ":"):
			out <- sseEvent{name: "comment"}
		}
	}
}

func nextEvent(t *testing.T, ch <-chan sseEvent, skipComments bool) sseEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("event stream ended")
			}
			if skipComments && ev.name == "comment" {
				continue
			}
			return ev
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEvents_StreamsRecordedMessages(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	tok := env.token(t, "alice")
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/chat/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 16)
	go readEvents(bufio.NewReader(resp.Body), events)

	assert.Equal(t, "connected", nextEvent(t, events, true).name)

	// Someone else's turn must not show up on alice's stream.
	env.postJSON(t, "/api/v1/chat/message", env.token(t, "bob"), ChatMessageRequest{Message: "bob here"})
	rec := env.postJSON(t, "/api/v1/chat/message", tok, ChatMessageRequest{Message: "alice here"})
	require.Equal(t, http.StatusOK, rec.Code)

	var got []MessageResponse
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, events, true)
		require.Equal(t, "message", ev.name)
		var m MessageResponse
		require.NoError(t, json.Unmarshal([]byte(ev.data), &m))
		got = append(got, m)
	}

	assert.Equal(t, "user", got[0].Sender)
	assert.Equal(t, "alice here", got[0].Content)
	assert.Equal(t, "assistant", got[1].Sender)
	assert.Equal(t, got[0].ChatID, got[1].ChatID)
}

func TestEvents_Keepalive(t *testing.T) {
	env := newTestEnv(t)
	env.gw.keepalive = 20 * time.Millisecond
	srv := httptest.NewServer(env.gw.Handler())
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/chat/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, "alice"))

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan sseEvent, 16)
	go readEvents(bufio.NewReader(resp.Body), events)

	assert.Equal(t, "connected", nextEvent(t, events, false).name)
	assert.Equal(t, "comment", nextEvent(t, events, false).name)
}

func TestEvents_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/api/v1/chat/events", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFormatSSEEvent(t *testing.T) {
	assert.Equal(t, "event: message\ndata: {}\n\n", formatSSEEvent("message", "{}"))
}

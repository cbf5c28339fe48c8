package chathub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/backend/internal/chathub"
	"chatrelay/backend/internal/models"
	"chatrelay/backend/internal/pending"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closeEvent struct {
	code   int
	reason string
}

type recordingHandler struct {
	mu     sync.Mutex
	frames []string
	closed chan closeEvent
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{closed: make(chan closeEvent, 1)}
}

func (h *recordingHandler) HandleFrame(ctx context.Context, c chathub.Client, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, string(data))
}

func (h *recordingHandler) HandleClose(c chathub.Client, code int, reason string) {
	h.closed <- closeEvent{code, reason}
}

func (h *recordingHandler) received() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.frames...)
}

// startSocket serves one upgraded connection wrapped in a WebSocketClient
// and returns both ends.
func startSocket(t *testing.T, opts chathub.ClientOptions) (*chathub.WebSocketClient, *websocket.Conn, *recordingHandler) {
	t.Helper()
	handler := newRecordingHandler()
	clients := make(chan *chathub.WebSocketClient, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := chathub.NewWebSocketClient(conn, "A", "R", handler, opts, zerolog.Nop())
		c.Run(context.Background())
		clients <- c
	}))
	t.Cleanup(srv.Close)

	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })

	select {
	case c := <-clients:
		return c, peer, handler
	case <-time.After(waitFor):
		t.Fatal("server side never upgraded")
		return nil, nil, nil
	}
}

func TestWebSocketClient_RoundTrip(t *testing.T) {
	c, peer, handler := startSocket(t, chathub.ClientOptions{Kind: pending.KindChat})

	assert.Equal(t, chathub.StateOpen, c.State())
	assert.Equal(t, "A", c.UserID())
	assert.Equal(t, "R", c.RoomID())
	assert.NotEmpty(t, c.ID())

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{"sender_id":"A","text":"hi"}`)))
	require.Eventually(t, func() bool { return len(handler.received()) == 1 }, waitFor, tick)

	require.True(t, c.Send([]byte(`{"type":"message","payload":{"text":"one"}}`)))
	require.True(t, c.SendFrame(models.NewErrorFrame("two")))

	_ = peer.SetReadDeadline(time.Now().Add(waitFor))
	_, first, err := peer.ReadMessage()
	require.NoError(t, err)
	_, second, err := peer.ReadMessage()
	require.NoError(t, err)

	assert.JSONEq(t, `{"type":"message","payload":{"text":"one"}}`, string(first))
	assert.JSONEq(t, `{"type":"error","payload":"two"}`, string(second))
}

func TestWebSocketClient_PeerCloseReportsCode(t *testing.T) {
	c, peer, handler := startSocket(t, chathub.ClientOptions{})

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	require.NoError(t, peer.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	select {
	case ev := <-handler.closed:
		assert.Equal(t, websocket.CloseNormalClosure, ev.code)
		assert.Equal(t, "bye", ev.reason)
	case <-time.After(waitFor):
		t.Fatal("close was not reported")
	}
	assert.Equal(t, chathub.StateClosed, c.State())
	assert.False(t, c.Send([]byte("late")))
}

func TestWebSocketClient_DroppedSocketIsAbnormal(t *testing.T) {
	_, peer, handler := startSocket(t, chathub.ClientOptions{})

	require.NoError(t, peer.UnderlyingConn().Close())

	select {
	case ev := <-handler.closed:
		assert.Equal(t, websocket.CloseAbnormalClosure, ev.code)
	case <-time.After(waitFor):
		t.Fatal("close was not reported")
	}
}

func TestWebSocketClient_PingAndPongUpdateHeartbeat(t *testing.T) {
	c, peer, _ := startSocket(t, chathub.ClientOptions{})

	pinged := make(chan struct{}, 1)
	peer.SetPingHandler(func(data string) error {
		pinged <- struct{}{}
		return peer.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := peer.ReadMessage(); err != nil {
				return
			}
		}
	}()

	before := c.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Ping())

	select {
	case <-pinged:
	case <-time.After(waitFor):
		t.Fatal("peer never saw the ping")
	}
	require.Eventually(t, func() bool { return c.LastHeartbeat().After(before) }, waitFor, tick)
}

func TestWebSocketClient_ServerClose(t *testing.T) {
	c, peer, handler := startSocket(t, chathub.ClientOptions{})

	c.Close(websocket.CloseServiceRestart, "restart")
	assert.NotEqual(t, chathub.StateOpen, c.State())

	_ = peer.SetReadDeadline(time.Now().Add(waitFor))
	_, _, err := peer.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseServiceRestart), "got %v", err)

	select {
	case ev := <-handler.closed:
		assert.Equal(t, websocket.CloseServiceRestart, ev.code)
	case <-time.After(waitFor):
		t.Fatal("close was not reported")
	}
}

func TestWebSocketClient_RateLimit(t *testing.T) {
	_, peer, handler := startSocket(t, chathub.ClientOptions{RateLimit: 0.001, RateBurst: 1})

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`)))
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`)))

	_ = peer.SetReadDeadline(time.Now().Add(waitFor))
	_, data, err := peer.ReadMessage()
	require.NoError(t, err)

	var f models.ServerFrame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, models.FrameError, f.Type)
	assert.JSONEq(t, `"Rate limit exceeded"`, string(f.Payload))
	assert.Equal(t, []string{`{"n":1}`}, handler.received())
}

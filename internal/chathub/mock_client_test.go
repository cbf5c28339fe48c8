package chathub_test

import (
	"encoding/json"
	"sync"
	"time"

	"chatrelay/backend/internal/chathub"
	"chatrelay/backend/internal/models"

	"github.com/google/uuid"
)

type MockClient struct {
	id     string
	userID string
	roomID string

	mu         sync.Mutex
	state      chathub.State
	last       time.Time
	frames     [][]byte
	refuse     bool
	pings      int
	terminated bool
	closeCode  int
}

func newMockClient(userID, roomID string) *MockClient {
	return &MockClient{
		id:     uuid.NewString(),
		userID: userID,
		roomID: roomID,
		state:  chathub.StateOpen,
		last:   time.Now(),
	}
}

func (c *MockClient) ID() string     { return c.id }
func (c *MockClient) UserID() string { return c.userID }
func (c *MockClient) RoomID() string { return c.roomID }

func (c *MockClient) State() chathub.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *MockClient) setState(s chathub.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *MockClient) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *MockClient) setLastHeartbeat(t time.Time) {
	c.mu.Lock()
	c.last = t
	c.mu.Unlock()
}

func (c *MockClient) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != chathub.StateOpen || c.refuse {
		return false
	}
	c.frames = append(c.frames, frame)
	return true
}

func (c *MockClient) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *MockClient) Terminate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = true
	c.state = chathub.StateClosed
}

func (c *MockClient) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCode = code
	c.state = chathub.StateClosing
}

func (c *MockClient) received() []models.ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.ServerFrame, 0, len(c.frames))
	for _, raw := range c.frames {
		var f models.ServerFrame
		if err := json.Unmarshal(raw, &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// texts returns the text of every message frame received, in order.
func (c *MockClient) texts() []string {
	var out []string
	for _, f := range c.received() {
		if f.Type != models.FrameMessage {
			continue
		}
		var msg models.ChatMessage
		if err := json.Unmarshal(f.Payload, &msg); err == nil {
			out = append(out, msg.Text)
		}
	}
	return out
}

// errorTexts returns the payload of every error frame received.
func (c *MockClient) errorTexts() []string {
	var out []string
	for _, f := range c.received() {
		if f.Type != models.FrameError {
			continue
		}
		var text string
		if err := json.Unmarshal(f.Payload, &text); err == nil {
			out = append(out, text)
		}
	}
	return out
}

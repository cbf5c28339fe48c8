package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/backend/internal/config"
	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// FrameHandler receives what a socket reads.
type FrameHandler interface {
	HandleFrame(ctx context.Context, c Client, data []byte)
	HandleClose(c Client, code int, reason string)
}

// ClientOptions tunes one socket.
type ClientOptions struct {
	// Kind labels metrics, pending.KindChat or pending.KindNotification.
	Kind          string
	RateLimit     float64
	RateBurst     int
	SendQueueSize int
}

func (o ClientOptions) limiter() *rate.Limiter {
	if o.RateLimit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := o.RateBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(o.RateLimit), burst)
}

// WebSocketClient implements Client on top of a gorilla connection.
// The read pump feeds the FrameHandler, the write pump drains the send
// queue. Pings are driven by the registry heartbeat.
type WebSocketClient struct {
	id     string
	userID string
	roomID string
	kind   string

	conn    *websocket.Conn
	handler FrameHandler
	limiter *rate.Limiter
	send    chan []byte
	logger  zerolog.Logger

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	done          chan struct{}
	doneOnce      sync.Once
}

// NewWebSocketClient wraps an upgraded connection. The client starts OPEN,
// so frames can be queued before Run.
func NewWebSocketClient(conn *websocket.Conn, userID, roomID string, handler FrameHandler, opts ClientOptions, logger zerolog.Logger) *WebSocketClient {
	size := opts.SendQueueSize
	if size <= 0 {
		size = config.SendQueueSize
	}
	c := &WebSocketClient{
		id:      uuid.NewString(),
		userID:  userID,
		roomID:  roomID,
		kind:    opts.Kind,
		conn:    conn,
		handler: handler,
		limiter: opts.limiter(),
		send:    make(chan []byte, size),
		done:    make(chan struct{}),
	}
	c.logger = logging.Module(logger, "socket").With().
		Str("conn_id", c.id).
		Str("user_id", userID).
		Str("room_id", roomID).
		Logger()
	c.state.Store(int32(StateOpen))
	c.touch()
	return c
}

func (c *WebSocketClient) ID() string     { return c.id }
func (c *WebSocketClient) UserID() string { return c.userID }
func (c *WebSocketClient) RoomID() string { return c.roomID }
func (c *WebSocketClient) State() State   { return State(c.state.Load()) }

func (c *WebSocketClient) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

func (c *WebSocketClient) touch() {
	c.lastHeartbeat.Store(time.Now().UnixNano())
}

// Run starts the pumps. ctx is handed to the FrameHandler for every frame.
func (c *WebSocketClient) Run(ctx context.Context) {
	go c.writePump()
	go c.readPump(ctx)
}

// Send queues frame. A full queue refuses the frame instead of blocking
// the caller.
func (c *WebSocketClient) Send(frame []byte) bool {
	if c.State() != StateOpen {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.logger.Warn().Int("queue", cap(c.send)).Msg("Send queue full, frame refused")
		return false
	}
}

// SendFrame encodes and queues f.
func (c *WebSocketClient) SendFrame(f models.ServerFrame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode frame")
		return false
	}
	return c.Send(data)
}

func (c *WebSocketClient) Ping() error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WriteWait))
}

// Close sends a close frame and drops the socket if the peer does not
// answer within the write timeout.
func (c *WebSocketClient) Close(code int, reason string) {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(config.WriteWait)); err != nil {
		c.logger.Debug().Err(err).Msg("Failed to write close frame")
		c.Terminate()
		return
	}
	time.AfterFunc(config.WriteWait, c.Terminate)
}

// Terminate closes the socket immediately.
func (c *WebSocketClient) Terminate() {
	c.state.Store(int32(StateClosed))
	c.doneOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *WebSocketClient) readPump(ctx context.Context) {
	code, reason := websocket.CloseAbnormalClosure, ""
	defer func() {
		if rec := recover(); rec != nil {
			logging.LogPanic(c.logger, rec, "Recovered panic in read pump")
			code, reason = websocket.CloseInternalServerErr, "internal error"
		}
		c.Terminate()
		c.handler.HandleClose(c, code, reason)
	}()

	c.conn.SetReadLimit(config.MaxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseServiceRestart) {
				c.logger.Debug().Err(err).Msg("Socket read ended")
			}
			return
		}
		c.touch()

		if !c.limiter.Allow() {
			metrics.RateLimitHits.WithLabelValues(c.kind).Inc()
			c.SendFrame(models.NewErrorFrame("Rate limit exceeded"))
			continue
		}
		c.handler.HandleFrame(ctx, c, data)
	}
}

func (c *WebSocketClient) writePump() {
	defer c.Terminate()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.logger.Debug().Err(err).Msg("Socket write failed")
				return
			}
			// Drain what queued up meanwhile, one frame per message.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.write(<-c.send); err != nil {
					c.logger.Debug().Err(err).Msg("Socket write failed")
					return
				}
			}
		}
	}
}

func (c *WebSocketClient) write(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/models"
	"chatrelay/backend/internal/pending"

	"github.com/rs/zerolog"
)

// Error frame texts sent back to clients.
const (
	errInvalidJSON         = "Invalid JSON format"
	errInvalidMessage      = "Invalid message format: sender_id and text are required"
	errInvalidNotification = "Invalid notification format: type and content are required"
	errSenderMismatch      = "Invalid message format: sender_id does not match the connected user"
	errSaveFailed          = "Failed to save message"
	errPublishFailed       = "Failed to deliver message, please retry"
)

// Publisher sends messages to the broker.
type Publisher interface {
	PublishChat(ctx context.Context, roomID string, msg models.ChatMessage) error
	PublishNotification(ctx context.Context, userID string, n models.NotificationPayload) error
}

// Persister stores a chat message before it is published.
type Persister interface {
	SaveMessage(ctx context.Context, roomID string, msg models.ExternalMessage) error
}

// Deps are the collaborators of a ManagerService.
type Deps struct {
	Publisher Publisher
	Consumers Consumers
	Persister Persister
	// Buffer is shared by both registries; keys carry the channel kind.
	Buffer *pending.Buffer
}

// Options tune the registries and the sockets created for them.
type Options struct {
	Registry      RegistryConfig
	RateLimit     float64
	RateBurst     int
	SendQueueSize int
}

// ManagerService is the chat hub: it owns the chat and notification
// registries, the shared broker consumers and the inbound frame flows.
type ManagerService struct {
	opts Options

	chats         *Registry
	notifications *Registry
	fanout        *Fanout
	chatSubs      *Subscriptions
	notifSubs     *Subscriptions

	publisher Publisher
	persister Persister

	now    func() time.Time
	logger zerolog.Logger
}

// NewManagerService wires the hub. ctx bounds the broker consumers it starts.
func NewManagerService(ctx context.Context, deps Deps, opts Options, logger zerolog.Logger) *ManagerService {
	m := &ManagerService{
		opts:      opts,
		publisher: deps.Publisher,
		persister: deps.Persister,
		now:       time.Now,
		logger:    logging.Module(logger, "hub"),
	}

	m.chats = NewRegistry(pending.KindChat, opts.Registry, deps.Buffer, logger)
	m.notifications = NewRegistry(pending.KindNotification, opts.Registry, deps.Buffer, logger)
	m.fanout = NewFanout(m.chats, m.notifications, logger)

	m.chatSubs = NewSubscriptions(ctx, pending.KindChat, func(ctx context.Context, roomID string) Subscription {
		return deps.Consumers.ConsumeChat(ctx, roomID, func(ctx context.Context, msg models.ChatMessage) error {
			if msg.RoomID == "" {
				msg.RoomID = roomID
			}
			return m.fanout.DeliverChat(ctx, msg)
		})
	}, logger)
	m.notifSubs = NewSubscriptions(ctx, pending.KindNotification, func(ctx context.Context, userID string) Subscription {
		return deps.Consumers.ConsumeNotifications(ctx, userID, m.fanout.DeliverNotification)
	}, logger)

	m.chats.OnPairEmpty(func(userID, roomID string) {
		m.chatSubs.ReleaseIf(roomID, func() bool { return len(m.chats.Users(roomID)) == 0 })
	})
	m.notifications.OnPairEmpty(func(userID, roomID string) {
		m.notifSubs.ReleaseIf(userID, func() bool { return !slices.Contains(m.notifications.Users(""), userID) })
	})
	return m
}

func (m *ManagerService) Chats() *Registry         { return m.chats }
func (m *ManagerService) Notifications() *Registry { return m.notifications }
func (m *ManagerService) Fanout() *Fanout          { return m.fanout }

// ChatSubscriptions lists rooms with a running consumer.
func (m *ManagerService) ChatSubscriptions() []string { return m.chatSubs.Active() }

// NotificationSubscriptions lists users with a running consumer.
func (m *ManagerService) NotificationSubscriptions() []string { return m.notifSubs.Active() }

// ClientOptions returns socket options for a channel kind.
func (m *ManagerService) ClientOptions(kind string) ClientOptions {
	return ClientOptions{
		Kind:          kind,
		RateLimit:     m.opts.RateLimit,
		RateBurst:     m.opts.RateBurst,
		SendQueueSize: m.opts.SendQueueSize,
	}
}

// Run drives both registry heartbeats until ctx is done.
func (m *ManagerService) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.notifications.Run(ctx)
	}()
	m.chats.Run(ctx)
	<-done
}

// ConnectChat registers a room connection, flushing its pending frames,
// and makes sure the room consumer runs.
func (m *ManagerService) ConnectChat(ctx context.Context, c Client) error {
	err := m.chats.Register(ctx, c)
	m.chatSubs.Ensure(c.RoomID())
	return err
}

// ConnectNotifications does the same for a user notification connection.
func (m *ManagerService) ConnectNotifications(ctx context.Context, c Client) error {
	err := m.notifications.Register(ctx, c)
	m.notifSubs.Ensure(c.UserID())
	return err
}

// HandleChatFrame validates, persists and publishes one client chat frame.
// Every failure is answered with an error frame; the connection stays open.
func (m *ManagerService) HandleChatFrame(ctx context.Context, c Client, data []byte) {
	log := m.logger.With().Str("op", "chat_frame").Str("user_id", c.UserID()).Str("room_id", c.RoomID()).Str("conn_id", c.ID()).Logger()

	var f models.ClientChatFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Msg("Invalid JSON from client")
		sendError(c, errInvalidJSON)
		return
	}
	if f.SenderID == "" || f.Text == "" {
		log.Warn().Msg("Chat frame without sender_id or text")
		sendError(c, errInvalidMessage)
		return
	}
	if f.SenderID != c.UserID() {
		log.Warn().Str("sender_id", f.SenderID).Msg("Chat frame sender differs from the connected user")
		sendError(c, errSenderMismatch)
		return
	}

	msg := models.NewChatMessage(c.RoomID(), f, m.now())
	external := models.ExternalMessage{SenderID: f.SenderID, ReceiverID: f.ReceiverID, Text: f.Text}
	if err := m.persister.SaveMessage(ctx, c.RoomID(), external); err != nil {
		log.Error().Err(err).Msg("Failed to persist message")
		sendError(c, errSaveFailed)
		return
	}
	if err := m.publisher.PublishChat(ctx, c.RoomID(), msg); err != nil {
		log.Error().Err(err).Msg("Failed to publish message")
		sendError(c, errPublishFailed)
		return
	}
	log.Debug().Bool("direct", msg.IsDirect()).Msg("Message published")
}

// HandleNotificationFrame validates, stamps and publishes one client
// notification frame to the queue of the connection owner.
func (m *ManagerService) HandleNotificationFrame(ctx context.Context, c Client, data []byte) {
	log := m.logger.With().Str("op", "notification_frame").Str("user_id", c.UserID()).Str("conn_id", c.ID()).Logger()

	var f models.ClientNotificationFrame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Msg("Invalid JSON from client")
		sendError(c, errInvalidJSON)
		return
	}
	if f.Type == "" || f.Content == "" {
		log.Warn().Msg("Notification frame without type or content")
		sendError(c, errInvalidNotification)
		return
	}

	n := models.NewNotification(f, m.now())
	if err := m.publisher.PublishNotification(ctx, c.UserID(), n); err != nil {
		log.Error().Err(err).Msg("Failed to publish notification")
		sendError(c, errPublishFailed)
		return
	}
	log.Debug().Str("type", n.Type).Msg("Notification published")
}

func sendError(c Client, text string) {
	data, _ := json.Marshal(models.NewErrorFrame(text))
	c.Send(data)
}

// ChatFrames is the FrameHandler of chat sockets.
func (m *ManagerService) ChatFrames() FrameHandler { return chatFrames{m} }

// NotificationFrames is the FrameHandler of notification sockets.
func (m *ManagerService) NotificationFrames() FrameHandler { return notificationFrames{m} }

type chatFrames struct{ m *ManagerService }

func (h chatFrames) HandleFrame(ctx context.Context, c Client, data []byte) {
	h.m.HandleChatFrame(ctx, c, data)
}

func (h chatFrames) HandleClose(c Client, code int, reason string) {
	h.m.chats.Unregister(c, code, reason)
}

type notificationFrames struct{ m *ManagerService }

func (h notificationFrames) HandleFrame(ctx context.Context, c Client, data []byte) {
	h.m.HandleNotificationFrame(ctx, c, data)
}

func (h notificationFrames) HandleClose(c Client, code int, reason string) {
	h.m.notifications.Unregister(c, code, reason)
}

// Shutdown closes every socket with code, then stops the broker consumers.
func (m *ManagerService) Shutdown(ctx context.Context, code int, reason string) error {
	m.chats.CloseAll(code, reason)
	m.notifications.CloseAll(code, reason)

	errChats := m.chatSubs.Close(ctx)
	errNotifs := m.notifSubs.Close(ctx)
	if err := errors.Join(errChats, errNotifs); err != nil {
		return fmt.Errorf("stop consumers: %w", err)
	}
	return nil
}

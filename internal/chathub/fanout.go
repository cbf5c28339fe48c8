package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/models"

	"github.com/rs/zerolog"
)

// Fanout turns broker deliveries into socket frames.
type Fanout struct {
	chats         *Registry
	notifications *Registry
	logger        zerolog.Logger
}

func NewFanout(chats, notifications *Registry, logger zerolog.Logger) *Fanout {
	return &Fanout{chats: chats, notifications: notifications, logger: logging.Module(logger, "fanout")}
}

// DeliverChat sends msg to sender and receiver of a direct message, or to
// every user of the room otherwise. An error is returned only when no
// recipient got the frame delivered or buffered.
func (f *Fanout) DeliverChat(ctx context.Context, msg models.ChatMessage) error {
	frame, err := models.NewMessageFrame(msg)
	if err != nil {
		return fmt.Errorf("encode message frame: %w", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode message frame: %w", err)
	}

	var recipients []string
	if msg.IsDirect() {
		recipients = []string{msg.SenderID}
		if msg.ReceiverID != msg.SenderID {
			recipients = append(recipients, msg.ReceiverID)
		}
	} else {
		recipients = f.chats.Users(msg.RoomID)
	}

	log := f.logger.With().Str("op", "deliver_chat").Str("room_id", msg.RoomID).Str("user_id", msg.SenderID).Bool("direct", msg.IsDirect()).Logger()
	return f.deliver(ctx, f.chats, msg.RoomID, recipients, data, log)
}

// DeliverNotification sends n to its receiver, or to every user with a
// notification connection when it has none.
func (f *Fanout) DeliverNotification(ctx context.Context, n models.NotificationPayload) error {
	frame, err := models.NewNotificationFrame(n)
	if err != nil {
		return fmt.Errorf("encode notification frame: %w", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode notification frame: %w", err)
	}

	recipients := []string{n.Receiver}
	if !n.IsDirect() {
		recipients = f.notifications.Users("")
	}

	log := f.logger.With().Str("op", "deliver_notification").Str("type", n.Type).Bool("direct", n.IsDirect()).Logger()
	return f.deliver(ctx, f.notifications, "", recipients, data, log)
}

func (f *Fanout) deliver(ctx context.Context, reg *Registry, roomID string, recipients []string, data []byte, log zerolog.Logger) error {
	if len(recipients) == 0 {
		log.Debug().Msg("No registered recipients")
		return nil
	}

	var errs []error
	delivered, buffered := 0, 0
	for _, user := range recipients {
		res, err := reg.Deliver(ctx, user, roomID, data)
		switch res {
		case Delivered:
			delivered++
		case Buffered:
			buffered++
		}
		if err != nil {
			log.Error().Err(err).Str("recipient", user).Msg("Failed to deliver or buffer frame")
			errs = append(errs, fmt.Errorf("recipient %s: %w", user, err))
		}
	}

	log.Debug().Int("recipients", len(recipients)).Int("delivered", delivered).Int("buffered", buffered).Msg("Frame fanned out")
	if delivered+buffered == 0 && len(errs) > 0 {
		return fmt.Errorf("fan out to room %q: %w", roomID, errors.Join(errs...))
	}
	return nil
}

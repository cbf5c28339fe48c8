// Package pending buffers frames for (user, room) pairs that have no live
// connection and replays them, oldest first, on the next connection.
package pending

import (
	"context"
	"fmt"
	"net/url"

	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/metrics"

	"github.com/rs/zerolog"
)

// Channel kinds a buffer can belong to.
const (
	KindChat         = "chat"
	KindNotification = "notification"
)

// Key identifies one buffer. RoomID is empty for notification buffers.
type Key struct {
	Kind   string
	UserID string
	RoomID string
}

// String is the storage key. IDs are query-escaped so a ':' inside one
// cannot collide with the separator.
func (k Key) String() string {
	return fmt.Sprintf("pending:%s:%s:%s", k.Kind, url.QueryEscape(k.UserID), url.QueryEscape(k.RoomID))
}

// Store persists buffered entries in insertion order.
type Store interface {
	// Append adds entry at the tail, dropping the oldest entries beyond limit.
	Append(ctx context.Context, key Key, entry []byte, limit int) (evicted int, err error)
	// Entries returns all entries, oldest first.
	Entries(ctx context.Context, key Key) ([][]byte, error)
	// Trim removes the n oldest entries.
	Trim(ctx context.Context, key Key, n int) error
}

// Sender accepts one encoded frame. It reports false when the frame was not taken.
type Sender interface {
	Send(frame []byte) bool
}

// Buffer applies the capacity and flush rules on top of a Store.
type Buffer struct {
	store  Store
	limit  int
	logger zerolog.Logger
}

func NewBuffer(store Store, limit int, logger zerolog.Logger) *Buffer {
	if limit < 1 {
		limit = 1
	}
	return &Buffer{store: store, limit: limit, logger: logging.Module(logger, "pending")}
}

func (b *Buffer) Limit() int { return b.limit }

// Store appends frame to the buffer of key.
func (b *Buffer) Store(ctx context.Context, key Key, frame []byte) error {
	evicted, err := b.store.Append(ctx, key, frame, b.limit)
	if err != nil {
		return fmt.Errorf("store pending frame for %s: %w", key, err)
	}
	metrics.FramesBuffered.WithLabelValues(key.Kind).Inc()
	if evicted > 0 {
		metrics.PendingEvicted.Add(float64(evicted))
		b.logger.Warn().
			Str("user_id", key.UserID).
			Str("room_id", key.RoomID).
			Int("evicted", evicted).
			Int("limit", b.limit).
			Msg("Pending buffer full, dropped oldest frames")
	}
	return nil
}

// Flush sends every buffered frame in order. Entries are trimmed only after
// the send loop; frames after a refused send stay buffered.
func (b *Buffer) Flush(ctx context.Context, key Key, s Sender) (int, error) {
	entries, err := b.store.Entries(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("read pending frames for %s: %w", key, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	sent := 0
	for _, entry := range entries {
		if !s.Send(entry) {
			break
		}
		sent++
	}

	if sent > 0 {
		if err := b.store.Trim(ctx, key, sent); err != nil {
			return sent, fmt.Errorf("trim pending frames for %s: %w", key, err)
		}
		metrics.PendingFlushed.Add(float64(sent))
	}

	log := b.logger.Info()
	if sent < len(entries) {
		log = b.logger.Warn()
	}
	log.Str("user_id", key.UserID).
		Str("room_id", key.RoomID).
		Int("sent", sent).
		Int("remaining", len(entries)-sent).
		Msg("Flushed pending frames")
	return sent, nil
}

// Len returns the number of buffered frames of key.
func (b *Buffer) Len(ctx context.Context, key Key) (int, error) {
	entries, err := b.store.Entries(ctx, key)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

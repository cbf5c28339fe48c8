// Package persistence calls the external service that stores chat messages.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"

	"github.com/rs/zerolog"
)

// ErrRejected is returned when the service answers with a non-2xx status.
var ErrRejected = errors.New("persistence service rejected message")

const maxErrorBody = 4 << 10

// Client posts messages to {base}/api/chat/{roomID}/messages.
type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logging.Module(logger, "persistence"),
	}
}

// StatusError carries the HTTP status of a rejected request.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: status %d", ErrRejected, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrRejected }

// SaveMessage stores msg before it is published. Any error means the
// message must not be published.
func (c *Client) SaveMessage(ctx context.Context, roomID string, msg models.ExternalMessage) error {
	endpoint := fmt.Sprintf("%s/api/chat/%s/messages", c.baseURL, url.PathEscape(roomID))
	log := c.logger.With().Str("room_id", roomID).Str("user_id", msg.SenderID).Logger()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	receiver := msg.ReceiverID
	if receiver == "" {
		receiver = "all"
	}
	log.Info().Str("receiver_id", receiver).Msg("Processing message through persistence service")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.PersistenceLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		log.Error().Err(err).Str("url", endpoint).Msg("Failed to reach persistence service")
		return fmt.Errorf("post message: %w", err)
	}
	defer resp.Body.Close()
	elapsed := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.PersistenceLatency.WithLabelValues("rejected").Observe(elapsed.Seconds())
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Error().
			Int("status", resp.StatusCode).
			Str("url", endpoint).
			Str("response", string(raw)).
			Msg("Persistence service rejected message")
		if resp.StatusCode == http.StatusTooManyRequests {
			log.Warn().Msg("Rate limit exceeded for persistence service")
		}
		return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	metrics.PersistenceLatency.WithLabelValues("ok").Observe(elapsed.Seconds())
	log.Info().Dur("duration", elapsed).Msg("Successfully processed message through persistence service")
	return nil
}

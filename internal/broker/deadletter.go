package broker

import (
	"context"
	"encoding/json"
	"time"

	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Archive stores drained dead letters.
type Archive interface {
	SaveDeadLetter(ctx context.Context, dl *models.DeadLetter) error
}

// Death summarises the x-death header RabbitMQ attaches to dead-lettered messages.
type Death struct {
	Queues     []string // most recent first
	Reason     string
	Exchange   string
	RoutingKey string
	Count      int64
}

// ParseDeath reads the x-death header. Missing or oddly typed fields are left empty.
func ParseDeath(headers amqp.Table) Death {
	var d Death
	entries, _ := headers["x-death"].([]interface{})
	for i, raw := range entries {
		entry, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		if q, ok := entry["queue"].(string); ok {
			d.Queues = append(d.Queues, q)
		}
		d.Count += toInt64(entry["count"])

		if i == 0 {
			d.Reason, _ = entry["reason"].(string)
			d.Exchange, _ = entry["exchange"].(string)
			if keys, ok := entry["routing-keys"].([]interface{}); ok && len(keys) > 0 {
				d.RoutingKey, _ = keys[0].(string)
			}
		}
	}
	return d
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	default:
		return 0
	}
}

// DeadLetterHandler drains the dead-letter queues. Every delivery is logged,
// archived when an archive is configured and acked, whatever happens.
type DeadLetterHandler struct {
	router  *Router
	archive Archive
	logger  zerolog.Logger
	timeout time.Duration
}

// NewDeadLetterHandler creates the handler. archive may be nil.
func NewDeadLetterHandler(router *Router, archive Archive, logger zerolog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{
		router:  router,
		archive: archive,
		logger:  logging.Module(logger, "deadletter"),
		timeout: 5 * time.Second,
	}
}

// Start consumes every dead-letter queue until ctx is done.
func (h *DeadLetterHandler) Start(ctx context.Context) []*Consumer {
	var consumers []*Consumer
	for _, queue := range DeadLetterQueues() {
		h.logger.Info().Str("queue", queue).Msg("Setting up dead-letter consumer")
		consumers = append(consumers, h.router.ConsumeQueue(ctx, queue, AckAlways, func(ctx context.Context, d amqp.Delivery) error {
			return h.Handle(ctx, queue, d)
		}))
	}
	return consumers
}

// Handle records one dead letter. It never fails so the delivery is always acked.
func (h *DeadLetterHandler) Handle(ctx context.Context, queue string, d amqp.Delivery) error {
	death := ParseDeath(d.Headers)
	valid := json.Valid(d.Body)
	metrics.DeadLetters.WithLabelValues(queue).Inc()

	event := h.logger.Error().
		Str("queue", queue).
		Str("reason", death.Reason).
		Str("origin_exchange", death.Exchange).
		Str("origin_routing_key", death.RoutingKey).
		Strs("death_queues", death.Queues).
		Int64("death_count", death.Count).
		Bool("valid_json", valid)
	if valid {
		event = event.RawJSON("payload", d.Body)
	} else {
		event = event.Bytes("payload", d.Body)
	}
	event.Msg("Processing dead lettered message")

	if h.archive == nil {
		return nil
	}

	dl := &models.DeadLetter{
		Queue:       queue,
		Exchange:    death.Exchange,
		RoutingKey:  death.RoutingKey,
		Reason:      death.Reason,
		DeathQueues: death.Queues,
		DeathCount:  death.Count,
		Body:        string(d.Body),
		ValidJSON:   valid,
	}

	archiveCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.archive.SaveDeadLetter(archiveCtx, dl); err != nil {
		h.logger.Error().Err(err).Str("queue", queue).Msg("Failed to archive dead letter")
	}
	return nil
}

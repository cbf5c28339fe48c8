package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/models"
	"chatrelay/backend/internal/retry"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ErrMalformed marks a delivery whose body could not be decoded. Such
// deliveries are dead-lettered without requeue.
var ErrMalformed = errors.New("malformed delivery")

// errHandlerPanic is returned for a delivery whose handler panicked.
var errHandlerPanic = errors.New("delivery handler panicked")

const (
	resubscribeDelay = 500 * time.Millisecond
	cancelDrainWait  = 5 * time.Second
)

// AckPolicy decides how failed deliveries are settled.
type AckPolicy int

const (
	// AckOnSuccess acks handled deliveries and nacks failed ones.
	AckOnSuccess AckPolicy = iota
	// AckAlways acks every delivery, failed or not. Used by terminal sinks.
	AckAlways
)

// DeliveryHandler processes one raw delivery.
type DeliveryHandler func(ctx context.Context, d amqp.Delivery) error

// Router names, asserts and binds the per-entity queues and moves
// messages through them.
type Router struct {
	broker *Manager
	retry  retry.Config
	logger zerolog.Logger

	mu       sync.Mutex
	asserted map[Kind]map[string]struct{}
	group    singleflight.Group
}

func NewRouter(broker *Manager, retryCfg retry.Config, logger zerolog.Logger) *Router {
	return &Router{
		broker: broker,
		retry:  retryCfg,
		logger: logging.Module(logger, "router"),
		asserted: map[Kind]map[string]struct{}{
			KindChat:         {},
			KindNotification: {},
		},
	}
}

func (r *Router) isAsserted(kind Kind, entityID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.asserted[kind][entityID]
	return ok
}

// AssertQueue declares and binds the entity queue once per process.
// Concurrent first calls for the same queue share one broker round trip.
func (r *Router) AssertQueue(ctx context.Context, kind Kind, entityID string) error {
	if r.isAsserted(kind, entityID) {
		return nil
	}

	queue := kind.QueueName(entityID)
	_, err, _ := r.group.Do(queue, func() (any, error) {
		if r.isAsserted(kind, entityID) {
			return nil, nil
		}
		ch, err := r.broker.Channel()
		if err != nil {
			return nil, err
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, kind.queueArgs()); err != nil {
			return nil, fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, entityID, kind.Exchange(), false, nil); err != nil {
			return nil, fmt.Errorf("bind queue %s: %w", queue, err)
		}

		r.mu.Lock()
		r.asserted[kind][entityID] = struct{}{}
		r.mu.Unlock()
		r.logger.Info().Str("queue", queue).Str("exchange", kind.Exchange()).Msg("Queue asserted and bound")
		return nil, nil
	})
	return err
}

// PublishChat publishes a chat message to the room queue.
func (r *Router) PublishChat(ctx context.Context, roomID string, msg models.ChatMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode chat message: %w", err)
	}
	return r.publish(ctx, KindChat, roomID, body)
}

// PublishNotification publishes a notification to the user queue.
func (r *Router) PublishNotification(ctx context.Context, userID string, n models.NotificationPayload) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return r.publish(ctx, KindNotification, userID, body)
}

func (r *Router) publish(ctx context.Context, kind Kind, entityID string, body []byte) error {
	queue := kind.QueueName(entityID)
	_, err := retry.Do(ctx, r.retry, r.logger, "publish "+queue, func(ctx context.Context) (struct{}, error) {
		if err := r.AssertQueue(ctx, kind, entityID); err != nil {
			return struct{}{}, permanentIfShutdown(err)
		}
		return struct{}{}, permanentIfShutdown(r.broker.Publish(ctx, kind.Exchange(), entityID, persistentJSON(body)))
	})
	if err != nil {
		metrics.BrokerPublishTotal.WithLabelValues(kind.Exchange(), "error").Inc()
		return fmt.Errorf("publish to %s: %w", queue, err)
	}

	metrics.BrokerPublishTotal.WithLabelValues(kind.Exchange(), "ok").Inc()
	r.logger.Debug().Str("queue", queue).Msg("Message published")
	return nil
}

// Republish sends a raw body to an exchange, used to replay dead letters.
func (r *Router) Republish(ctx context.Context, exchange, key string, body []byte) error {
	_, err := retry.Do(ctx, r.retry, r.logger, "republish "+exchange, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, permanentIfShutdown(r.broker.Publish(ctx, exchange, key, persistentJSON(body)))
	})
	return err
}

func persistentJSON(body []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}
}

func permanentIfShutdown(err error) error {
	if errors.Is(err, ErrShuttingDown) {
		return retry.Permanent(err)
	}
	return err
}

// Consumer is a running receive loop bound to one queue.
type Consumer struct {
	queue  string
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *Consumer) Queue() string { return c.queue }

// Cancel stops the loop. Prefetched deliveries are requeued.
func (c *Consumer) Cancel() { c.cancel() }

// Done is closed once the loop has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// ConsumeChat starts the receive loop of the room queue.
func (r *Router) ConsumeChat(ctx context.Context, roomID string, fn func(context.Context, models.ChatMessage) error) *Consumer {
	return r.consumeEntity(ctx, KindChat, roomID, func(ctx context.Context, d amqp.Delivery) error {
		var msg models.ChatMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return fn(ctx, msg)
	})
}

// ConsumeNotifications starts the receive loop of the user notification queue.
func (r *Router) ConsumeNotifications(ctx context.Context, userID string, fn func(context.Context, models.NotificationPayload) error) *Consumer {
	return r.consumeEntity(ctx, KindNotification, userID, func(ctx context.Context, d amqp.Delivery) error {
		var n models.NotificationPayload
		if err := json.Unmarshal(d.Body, &n); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return fn(ctx, n)
	})
}

func (r *Router) consumeEntity(ctx context.Context, kind Kind, entityID string, handle DeliveryHandler) *Consumer {
	setup := func(ctx context.Context) error { return r.AssertQueue(ctx, kind, entityID) }
	return r.start(ctx, string(kind), string(kind)+"-"+entityID, kind.QueueName(entityID), setup, AckOnSuccess, handle)
}

// ConsumeQueue starts a receive loop on an already declared queue.
func (r *Router) ConsumeQueue(ctx context.Context, queue string, policy AckPolicy, handle DeliveryHandler) *Consumer {
	return r.start(ctx, queue, queue, queue, nil, policy, handle)
}

func (r *Router) start(parent context.Context, label, tagPrefix, queue string, setup func(context.Context) error, policy AckPolicy, handle DeliveryHandler) *Consumer {
	ctx, cancel := context.WithCancel(parent)
	c := &Consumer{
		queue:  queue,
		tag:    tagPrefix + "-" + uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.run(ctx, c, label, setup, policy, handle)
	return c
}

// run keeps one consumer subscribed across broker reconnects. A panic in
// one subscription round is recovered and the consumer subscribes again.
func (r *Router) run(ctx context.Context, c *Consumer, label string, setup func(context.Context) error, policy AckPolicy, handle DeliveryHandler) {
	defer close(c.done)
	log := r.logger.With().Str("queue", c.queue).Str("consumer_tag", c.tag).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.broker.Ready():
		}

		stop, backoff := r.subscribe(ctx, c, label, setup, policy, handle, log)
		if stop {
			return
		}
		if backoff && !sleepCtx(ctx, resubscribeDelay) {
			return
		}
	}
}

// subscribe runs one consume round. stop reports the consumer was
// cancelled; backoff asks for a pause before the next round and stays set
// when a panic is recovered.
func (r *Router) subscribe(ctx context.Context, c *Consumer, label string, setup func(context.Context) error, policy AckPolicy, handle DeliveryHandler, log zerolog.Logger) (stop, backoff bool) {
	defer r.broker.Guard("consume " + c.queue)
	backoff = true

	ch, err := r.broker.Channel()
	if err == nil && setup != nil {
		err = setup(ctx)
	}
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to set up consumer, retrying")
		return ctx.Err() != nil, true
	}

	log.Info().Msg("Consumer setup completed")
	if r.drain(ctx, ch, c, label, policy, handle, deliveries, log) {
		return true, false
	}
	log.Warn().Msg("Delivery stream closed, waiting for broker")
	return false, false
}

// drain processes deliveries until the stream closes (false) or the
// consumer is cancelled (true).
func (r *Router) drain(ctx context.Context, ch Channel, c *Consumer, label string, policy AckPolicy, handle DeliveryHandler, deliveries <-chan amqp.Delivery, log zerolog.Logger) bool {
	cancelConsumer := func() bool {
		if err := ch.Cancel(c.tag, false); err != nil {
			log.Debug().Err(err).Msg("Consumer cancel failed")
		}
		requeueRemaining(deliveries)
		log.Info().Msg("Consumer cancelled")
		return true
	}

	for {
		if ctx.Err() != nil {
			return cancelConsumer()
		}
		select {
		case <-ctx.Done():
			return cancelConsumer()
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			r.dispatch(ctx, label, policy, handle, d, log)
		}
	}
}

func requeueRemaining(deliveries <-chan amqp.Delivery) {
	timeout := time.NewTimer(cancelDrainWait)
	defer timeout.Stop()
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			_ = d.Nack(false, true)
		case <-timeout.C:
			return
		}
	}
}

// dispatch settles one delivery: success acks, malformed payloads and
// repeated failures are dead-lettered, first failures are requeued.
func (r *Router) dispatch(ctx context.Context, label string, policy AckPolicy, handle DeliveryHandler, d amqp.Delivery, log zerolog.Logger) {
	err := safeHandle(ctx, handle, d, log)

	var outcome string
	var ackErr error
	switch {
	case err == nil || policy == AckAlways:
		outcome = "ack"
		ackErr = d.Ack(false)
	case errors.Is(err, ErrMalformed) || d.Redelivered:
		outcome = "dead_letter"
		ackErr = d.Nack(false, false)
	default:
		outcome = "requeue"
		ackErr = d.Nack(false, true)
	}
	metrics.BrokerConsumed.WithLabelValues(label, outcome).Inc()

	if err != nil {
		log.Error().Err(err).Bool("redelivered", d.Redelivered).Str("outcome", outcome).Msg("Error processing delivery")
	}
	if ackErr != nil {
		log.Error().Err(ackErr).Str("outcome", outcome).Msg("Failed to settle delivery")
	}
}

func safeHandle(ctx context.Context, handle DeliveryHandler, d amqp.Delivery, log zerolog.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.LogPanic(log, rec, "Recovered panic in delivery handler")
			err = errHandlerPanic
		}
	}()
	return handle(ctx, d)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package chathub

import (
	"context"
	"sort"
	"sync"

	"chatrelay/backend/internal/broker"
	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/models"

	"github.com/rs/zerolog"
)

// Subscription is a running broker consumer.
type Subscription interface {
	Cancel()
	Done() <-chan struct{}
}

// Consumers starts broker consumers for rooms and users.
type Consumers interface {
	ConsumeChat(ctx context.Context, roomID string, fn func(context.Context, models.ChatMessage) error) Subscription
	ConsumeNotifications(ctx context.Context, userID string, fn func(context.Context, models.NotificationPayload) error) Subscription
}

type routerConsumers struct {
	router *broker.Router
}

// RouterConsumers adapts a broker router to Consumers.
func RouterConsumers(r *broker.Router) Consumers {
	return routerConsumers{router: r}
}

func (rc routerConsumers) ConsumeChat(ctx context.Context, roomID string, fn func(context.Context, models.ChatMessage) error) Subscription {
	return rc.router.ConsumeChat(ctx, roomID, fn)
}

func (rc routerConsumers) ConsumeNotifications(ctx context.Context, userID string, fn func(context.Context, models.NotificationPayload) error) Subscription {
	return rc.router.ConsumeNotifications(ctx, userID, fn)
}

// Subscriptions keeps one shared consumer per entity (room or user) for as
// long as the entity has registered connections.
type Subscriptions struct {
	ctx    context.Context
	start  func(ctx context.Context, entityID string) Subscription
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]Subscription
	closed bool
}

func NewSubscriptions(ctx context.Context, name string, start func(ctx context.Context, entityID string) Subscription, logger zerolog.Logger) *Subscriptions {
	return &Subscriptions{
		ctx:    ctx,
		start:  start,
		logger: logging.Module(logger, "subscriptions").With().Str("kind", name).Logger(),
		active: make(map[string]Subscription),
	}
}

// Ensure starts the consumer of entityID unless it is already running.
func (s *Subscriptions) Ensure(entityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if _, ok := s.active[entityID]; ok {
		return
	}
	s.active[entityID] = s.start(s.ctx, entityID)
	s.logger.Info().Str("entity_id", entityID).Msg("Consumer started")
}

// ReleaseIf cancels the consumer of entityID when idle reports true.
// idle runs under the subscriptions lock so it cannot race Ensure.
func (s *Subscriptions) ReleaseIf(entityID string, idle func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.active[entityID]
	if !ok || !idle() {
		return
	}
	delete(s.active, entityID)
	sub.Cancel()
	s.logger.Info().Str("entity_id", entityID).Msg("Consumer released")
}

// Active returns the entities with a running consumer.
func (s *Subscriptions) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close cancels every consumer and waits for them to stop or for ctx.
func (s *Subscriptions) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	subs := make([]Subscription, 0, len(s.active))
	for id, sub := range s.active {
		sub.Cancel()
		subs = append(subs, sub)
		delete(s.active, id)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info().Int("consumers", len(subs)).Msg("All consumers stopped")
	return nil
}

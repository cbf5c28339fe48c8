package chathub

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/metrics"
	"chatrelay/backend/internal/pending"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RegistryConfig holds the liveness timings of a registry.
type RegistryConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	GracePeriod       time.Duration
}

// DeliveryResult reports what happened to one frame for one (user, room).
type DeliveryResult int

const (
	Delivered DeliveryResult = iota
	Buffered
	Dropped
)

func (r DeliveryResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Buffered:
		return "buffered"
	default:
		return "dropped"
	}
}

type pairKey struct {
	user string
	room string
}

type entry struct {
	client Client
	// held marks a closed connection kept for the grace period.
	held  bool
	timer *time.Timer
}

type pairLock struct {
	sync.Mutex
	refs int
}

// Registry maps (user, room) pairs to their live connections. All
// operations on the same pair are serialized by a per-pair lock so a
// pending flush always completes before the next live frame is sent.
type Registry struct {
	kind   string
	cfg    RegistryConfig
	buffer *pending.Buffer
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[string]map[string]map[string]*entry // room -> user -> conn id

	locksMu sync.Mutex
	locks   map[pairKey]*pairLock

	hookMu      sync.RWMutex
	onPairEmpty func(userID, roomID string)
}

// NewRegistry creates a registry for one channel kind (pending.KindChat or
// pending.KindNotification).
func NewRegistry(kind string, cfg RegistryConfig, buffer *pending.Buffer, logger zerolog.Logger) *Registry {
	return &Registry{
		kind:   kind,
		cfg:    cfg,
		buffer: buffer,
		logger: logging.Module(logger, "registry").With().Str("kind", kind).Logger(),
		rooms:  make(map[string]map[string]map[string]*entry),
		locks:  make(map[pairKey]*pairLock),
	}
}

// OnPairEmpty sets a hook called after the last entry of a pair is purged.
func (r *Registry) OnPairEmpty(fn func(userID, roomID string)) {
	r.hookMu.Lock()
	r.onPairEmpty = fn
	r.hookMu.Unlock()
}

func (r *Registry) firePairEmpty(k pairKey) {
	r.hookMu.RLock()
	fn := r.onPairEmpty
	r.hookMu.RUnlock()
	if fn != nil {
		fn(k.user, k.room)
	}
}

func (r *Registry) lockPair(k pairKey) func() {
	r.locksMu.Lock()
	l, ok := r.locks[k]
	if !ok {
		l = &pairLock{}
		r.locks[k] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, k)
		}
		r.locksMu.Unlock()
	}
}

func (r *Registry) pendingKey(k pairKey) pending.Key {
	return pending.Key{Kind: r.kind, UserID: k.user, RoomID: k.room}
}

// connsLocked returns the connection map of a pair, creating it if asked.
func (r *Registry) connsLocked(k pairKey, create bool) map[string]*entry {
	users, ok := r.rooms[k.room]
	if !ok {
		if !create {
			return nil
		}
		users = make(map[string]map[string]*entry)
		r.rooms[k.room] = users
	}
	conns, ok := users[k.user]
	if !ok && create {
		conns = make(map[string]*entry)
		users[k.user] = conns
	}
	return conns
}

// removeLocked deletes one entry and reports whether the pair became empty.
func (r *Registry) removeLocked(k pairKey, id string) bool {
	conns := r.connsLocked(k, false)
	if conns == nil {
		return false
	}
	delete(conns, id)
	if len(conns) > 0 {
		return false
	}
	users := r.rooms[k.room]
	delete(users, k.user)
	if len(users) == 0 {
		delete(r.rooms, k.room)
	}
	return true
}

// Register adds c to its pair. Grace-held entries of the pair are
// reclaimed. When the pair had no live connection, the pending buffer is
// flushed into c before Register returns.
func (r *Registry) Register(ctx context.Context, c Client) error {
	k := pairKey{user: c.UserID(), room: c.RoomID()}
	unlock := r.lockPair(k)
	defer unlock()

	r.mu.Lock()
	conns := r.connsLocked(k, true)
	live, reclaimed := 0, 0
	for id, e := range conns {
		if e.held {
			e.timer.Stop()
			delete(conns, id)
			reclaimed++
			continue
		}
		live++
	}
	conns[c.ID()] = &entry{client: c}
	r.mu.Unlock()

	metrics.ActiveConnections.WithLabelValues(r.kind).Inc()
	log := r.logger.With().Str("user_id", k.user).Str("room_id", k.room).Str("conn_id", c.ID()).Logger()
	log.Info().Int("live", live+1).Int("reclaimed", reclaimed).Msg("Connection registered")

	if live > 0 || r.buffer == nil {
		return nil
	}
	if _, err := r.buffer.Flush(ctx, r.pendingKey(k), c); err != nil {
		log.Error().Err(err).Msg("Failed to flush pending frames")
		return err
	}
	return nil
}

// Unregister removes c after a close with the given code. Network
// interruptions keep the entry as closed-but-pending for the grace period.
// Calling it again for the same connection is a no-op.
func (r *Registry) Unregister(c Client, code int, reason string) {
	k := pairKey{user: c.UserID(), room: c.RoomID()}
	class := ClassifyClose(code, reason)
	unlock := r.lockPair(k)

	r.mu.Lock()
	e, ok := r.connsLocked(k, false)[c.ID()]
	if !ok || e.held || e.client != c {
		r.mu.Unlock()
		unlock()
		return
	}
	empty := false
	if class == NetworkInterruption && r.cfg.GracePeriod > 0 {
		e.held = true
		e.timer = time.AfterFunc(r.cfg.GracePeriod, func() { r.purge(k, c.ID(), e) })
	} else {
		empty = r.removeLocked(k, c.ID())
	}
	r.mu.Unlock()
	unlock()

	metrics.ActiveConnections.WithLabelValues(r.kind).Dec()
	metrics.ConnectionsClosed.WithLabelValues(r.kind, class.String()).Inc()
	r.logger.Info().
		Str("user_id", k.user).
		Str("room_id", k.room).
		Str("conn_id", c.ID()).
		Int("code", code).
		Str("reason", reason).
		Str("classification", class.String()).
		Msg("Connection unregistered")

	if empty {
		r.firePairEmpty(k)
	}
}

// purge removes a grace-held entry once its window has passed.
func (r *Registry) purge(k pairKey, id string, e *entry) {
	unlock := r.lockPair(k)
	r.mu.Lock()
	empty := false
	current, ok := r.connsLocked(k, false)[id]
	if ok && current == e {
		empty = r.removeLocked(k, id)
	}
	r.mu.Unlock()
	unlock()

	if !ok || current != e {
		return
	}
	r.logger.Info().Str("user_id", k.user).Str("room_id", k.room).Str("conn_id", id).Msg("Grace period expired, entry purged")
	if empty {
		r.firePairEmpty(k)
	}
}

// Deliver sends frame to every live connection of the pair. Connections
// that are no longer open are pruned. When none accepts the frame it is
// stored in the pending buffer.
func (r *Registry) Deliver(ctx context.Context, userID, roomID string, frame []byte) (DeliveryResult, error) {
	k := pairKey{user: userID, room: roomID}
	unlock := r.lockPair(k)

	r.mu.Lock()
	var clients []Client
	for _, e := range r.connsLocked(k, false) {
		if !e.held {
			clients = append(clients, e.client)
		}
	}
	r.mu.Unlock()

	accepted := 0
	var stale []Client
	for _, c := range clients {
		if c.State() != StateOpen {
			stale = append(stale, c)
			continue
		}
		if c.Send(frame) {
			accepted++
		}
	}

	empty := r.prune(k, stale)

	result := Delivered
	var err error
	switch {
	case accepted > 0:
		metrics.FramesDelivered.WithLabelValues(r.kind).Add(float64(accepted))
	case r.buffer == nil:
		result = Dropped
	default:
		result = Buffered
		if err = r.buffer.Store(ctx, r.pendingKey(k), frame); err != nil {
			result = Dropped
		}
	}
	unlock()

	if empty {
		r.firePairEmpty(k)
	}
	return result, err
}

func (r *Registry) prune(k pairKey, stale []Client) bool {
	if len(stale) == 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	empty := false
	conns := r.connsLocked(k, false)
	for _, c := range stale {
		e, ok := conns[c.ID()]
		if !ok || e.held || e.client != c {
			continue
		}
		empty = r.removeLocked(k, c.ID())
		metrics.ActiveConnections.WithLabelValues(r.kind).Dec()
		r.logger.Debug().Str("user_id", k.user).Str("room_id", k.room).Str("conn_id", c.ID()).
			Str("state", c.State().String()).Msg("Pruned connection that is not open")
	}
	return empty
}

// live returns every live connection.
func (r *Registry) live() []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Client
	for _, users := range r.rooms {
		for _, conns := range users {
			for _, e := range conns {
				if !e.held {
					out = append(out, e.client)
				}
			}
		}
	}
	return out
}

// Heartbeat pings every open connection and terminates those whose last
// pong is older than the heartbeat timeout.
func (r *Registry) Heartbeat(now time.Time) {
	for _, c := range r.live() {
		if c.State() != StateOpen {
			continue
		}
		if now.Sub(c.LastHeartbeat()) > r.cfg.HeartbeatTimeout {
			metrics.HeartbeatTimeouts.Inc()
			r.logger.Warn().
				Str("user_id", c.UserID()).
				Str("room_id", c.RoomID()).
				Str("conn_id", c.ID()).
				Time("last_heartbeat", c.LastHeartbeat()).
				Msg("Heartbeat timeout, terminating connection")
			c.Terminate()
			r.Unregister(c, websocket.CloseAbnormalClosure, "heartbeat timeout")
			continue
		}
		if err := c.Ping(); err != nil {
			r.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Ping failed")
		}
	}
}

// Run drives Heartbeat until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Heartbeat(now)
		}
	}
}

// Users returns the users with at least one entry in room, live or held.
func (r *Registry) Users(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.rooms[roomID]))
	for user := range r.rooms[roomID] {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// Connections returns the live connections of a pair.
func (r *Registry) Connections(userID, roomID string) []Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Client
	for _, e := range r.connsLocked(pairKey{user: userID, room: roomID}, false) {
		if !e.held {
			out = append(out, e.client)
		}
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.live())
}

// CloseAll starts the close handshake on every live connection.
func (r *Registry) CloseAll(code int, reason string) {
	clients := r.live()
	for _, c := range clients {
		c.Close(code, reason)
	}
	r.logger.Info().Int("connections", len(clients)).Int("code", code).Msg("Closed all connections")
}

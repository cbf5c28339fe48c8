package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"chatrelay/backend/internal/config"
	"chatrelay/backend/internal/logging"
	"chatrelay/backend/internal/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var (
	ErrUnavailable  = errors.New("broker unavailable")
	ErrShuttingDown = errors.New("broker is shutting down")

	// Both wrap ErrUnavailable.
	ErrChannelNotAvailable    = fmt.Errorf("broker channel not available: %w", ErrUnavailable)
	ErrConnectionNotAvailable = fmt.Errorf("broker connection not available: %w", ErrUnavailable)
)

// Channel is the part of *amqp.Channel the service uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	IsClosed() bool
	Close() error
}

// Connection is the part of *amqp.Connection the service uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(c chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection.
type Dialer func(url string, cfg amqp.Config) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP is the Dialer backed by amqp091-go.
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{conn}, nil
}

// Options configures a Manager.
type Options struct {
	URL            string
	Environment    string
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	JitterMax      time.Duration
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
	Prefetch       int
}

// OptionsFromConfig maps the service configuration onto broker options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:            cfg.RabbitMQURL,
		Environment:    cfg.Environment,
		MaxRetries:     cfg.BrokerMaxRetries,
		InitialDelay:   cfg.BrokerInitialDelay,
		MaxDelay:       cfg.BrokerMaxDelay,
		JitterMax:      config.BrokerJitterMax,
		ConnectTimeout: cfg.BrokerConnectTimeout,
		Heartbeat:      config.BrokerHeartbeat,
		Prefetch:       cfg.BrokerPrefetch,
	}
}

// Status is a snapshot of the manager state.
type Status struct {
	Connected     bool `json:"connected"`
	Connecting    bool `json:"connecting"`
	ShuttingDown  bool `json:"shutting_down"`
	HasConnection bool `json:"has_connection"`
	HasChannel    bool `json:"has_channel"`
}

// Manager owns the single broker connection and its shared channel,
// recovering both after failures.
type Manager struct {
	opts   Options
	dial   Dialer
	logger zerolog.Logger

	mu             sync.Mutex
	conn           Connection
	ch             Channel
	connGen        uint64
	chGen          uint64
	connecting     bool
	shuttingDown   bool
	reconnectTimer *time.Timer
	ready          chan struct{}
	readyClosed    bool

	publishMu sync.Mutex
}

// NewManager creates a disconnected manager. Call Connect to open it.
func NewManager(opts Options, dial Dialer, logger zerolog.Logger) *Manager {
	if dial == nil {
		dial = DialAMQP
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	return &Manager{
		opts:   opts,
		dial:   dial,
		logger: logging.Module(logger, "broker"),
		ready:  make(chan struct{}),
	}
}

// Connect opens the connection and channel, retrying with backoff. It
// returns nil immediately when already connected or when another attempt
// is in flight.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if m.connecting {
		m.mu.Unlock()
		m.logger.Debug().Msg("Connection attempt already in progress")
		return nil
	}
	if m.conn != nil && m.ch != nil {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.stopReconnectTimerLocked()
	m.mu.Unlock()

	err := m.connectLoop(ctx)

	m.mu.Lock()
	m.connecting = false
	m.mu.Unlock()

	if err != nil && errors.Is(err, ErrUnavailable) {
		m.logger.Error().Err(err).Msg("Giving up on broker connection, scheduling reconnect")
		m.scheduleReconnect()
	}
	return err
}

func (m *Manager) connectLoop(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		if m.isShuttingDown() {
			return ErrShuttingDown
		}

		m.logger.Info().Int("attempt", attempt).Int("max_attempts", m.opts.MaxRetries).Msg("Connecting to broker")
		err := m.dialOnce()
		if err == nil {
			m.logger.Info().Msg("Successfully connected to broker")
			return nil
		}
		if errors.Is(err, ErrShuttingDown) {
			return err
		}
		lastErr = err

		m.logger.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", m.opts.MaxRetries).Msg("Broker connection attempt failed")
		if attempt == m.opts.MaxRetries {
			break
		}

		wait := m.backoff(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, m.opts.MaxRetries, lastErr)
}

func (m *Manager) dialOnce() error {
	m.mu.Lock()
	stale := m.conn
	m.conn = nil
	m.connGen++
	m.clearChannelLocked()
	m.mu.Unlock()
	if stale != nil {
		_ = stale.Close()
	}

	conn, err := m.dial(m.opts.URL, m.amqpConfig())
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := m.openChannel(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return ErrShuttingDown
	}
	m.connGen++
	gen := m.connGen
	m.conn = conn
	m.installChannelLocked(ch)
	m.mu.Unlock()

	go m.watchConnection(conn, gen)
	metrics.BrokerReconnects.Inc()
	return nil
}

func (m *Manager) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	props["connection_name"] = fmt.Sprintf("%s_%s_%s", config.ConnectionNameStart, m.opts.Environment,
		strconv.FormatInt(time.Now().UnixMilli(), 10))

	cfg := amqp.Config{
		Heartbeat:  m.opts.Heartbeat,
		Locale:     config.BrokerLocale,
		Properties: props,
	}
	if m.opts.ConnectTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(m.opts.ConnectTimeout)
	}
	return cfg
}

// openChannel opens a channel and prepares it for use.
func (m *Manager) openChannel(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if m.opts.Prefetch > 0 {
		if err := ch.Qos(m.opts.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	return ch, nil
}

func (m *Manager) installChannelLocked(ch Channel) {
	m.chGen++
	m.ch = ch
	if !m.readyClosed {
		close(m.ready)
		m.readyClosed = true
	}
	metrics.BrokerConnected.Set(1)
	go m.watchChannel(ch, m.chGen)
}

func (m *Manager) clearChannelLocked() {
	m.ch = nil
	m.chGen++
	if m.readyClosed {
		m.ready = make(chan struct{})
		m.readyClosed = false
	}
	metrics.BrokerConnected.Set(0)
}

func (m *Manager) watchConnection(conn Connection, gen uint64) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	for {
		select {
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if b.Active {
				m.logger.Warn().Str("reason", b.Reason).Msg("Connection blocked")
			} else {
				m.logger.Info().Msg("Connection unblocked")
			}
		case err := <-closed:
			m.handleConnectionFailure(gen, err)
			return
		}
	}
}

func (m *Manager) watchChannel(ch Channel, gen uint64) {
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	for {
		select {
		case r, ok := <-returns:
			if !ok {
				returns = nil
				continue
			}
			m.logger.Warn().
				Str("exchange", r.Exchange).
				Str("routing_key", r.RoutingKey).
				Uint16("reply_code", r.ReplyCode).
				Str("reply_text", r.ReplyText).
				Bytes("body", r.Body).
				Msg("Message returned by broker")
		case err := <-closed:
			m.handleChannelFailure(gen, err)
			return
		}
	}
}

func (m *Manager) handleConnectionFailure(gen uint64, cause *amqp.Error) {
	m.mu.Lock()
	if m.shuttingDown || gen != m.connGen {
		m.mu.Unlock()
		m.logger.Debug().Msg("Ignoring stale or shutdown connection event")
		return
	}
	conn := m.conn
	m.conn = nil
	m.connGen++
	m.clearChannelLocked()
	m.mu.Unlock()

	m.logger.Warn().Err(amqpErr(cause)).Msg("Connection closed unexpectedly")
	if conn != nil {
		_ = conn.Close()
	}
	m.scheduleReconnect()
}

// handleChannelFailure recreates only the channel while the connection is
// alive, and falls back to a full reconnect otherwise.
func (m *Manager) handleChannelFailure(gen uint64, cause *amqp.Error) {
	m.mu.Lock()
	if m.shuttingDown || gen != m.chGen {
		m.mu.Unlock()
		m.logger.Debug().Msg("Ignoring stale or shutdown channel event")
		return
	}
	m.clearChannelLocked()
	conn := m.conn
	connGen := m.connGen
	m.mu.Unlock()

	m.logger.Warn().Err(amqpErr(cause)).Msg("Channel closed unexpectedly")

	if conn == nil || conn.IsClosed() {
		m.handleConnectionFailure(connGen, cause)
		return
	}

	m.logger.Info().Msg("Attempting to recreate channel")
	ch, err := m.openChannel(conn)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to recreate channel")
		m.handleConnectionFailure(connGen, nil)
		return
	}

	m.mu.Lock()
	if m.shuttingDown || connGen != m.connGen || m.ch != nil {
		m.mu.Unlock()
		_ = ch.Close()
		return
	}
	m.installChannelLocked(ch)
	m.mu.Unlock()
	m.logger.Info().Msg("Channel recreated successfully")
}

// scheduleReconnect arms the single deferred reconnect timer.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown || m.reconnectTimer != nil {
		return
	}

	delay := m.backoff(0)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.reconnectTimer == timer {
			m.reconnectTimer = nil
		}
		m.mu.Unlock()

		if err := m.Connect(context.Background()); err != nil && !errors.Is(err, ErrShuttingDown) {
			m.logger.Error().Err(err).Msg("Reconnection failed")
		}
	})
	m.reconnectTimer = timer
	m.logger.Info().Dur("delay", delay).Msg("Broker reconnect scheduled")
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// backoff returns min(initial*2^n, max) plus random jitter.
func (m *Manager) backoff(n int) time.Duration {
	d := m.opts.InitialDelay
	for i := 0; i < n && d < m.opts.MaxDelay; i++ {
		d *= 2
	}
	if m.opts.MaxDelay > 0 && d > m.opts.MaxDelay {
		d = m.opts.MaxDelay
	}
	if m.opts.JitterMax > 0 {
		d += time.Duration(rand.Int64N(int64(m.opts.JitterMax)))
	}
	return d
}

// Channel returns the shared channel. After Close it returns ErrShuttingDown.
func (m *Manager) Channel() (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shuttingDown {
		return nil, ErrShuttingDown
	}
	if m.ch == nil {
		return nil, ErrChannelNotAvailable
	}
	return m.ch, nil
}

// Connection returns the active connection.
func (m *Manager) Connection() (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return nil, ErrConnectionNotAvailable
	}
	return m.conn, nil
}

// Ready returns a channel that is closed while a broker channel is available.
// A fresh channel is handed out after every loss.
func (m *Manager) Ready() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Connected:     m.conn != nil && m.ch != nil,
		Connecting:    m.connecting,
		ShuttingDown:  m.shuttingDown,
		HasConnection: m.conn != nil,
		HasChannel:    m.ch != nil,
	}
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Publish sends one message on the shared channel. Publishes never run concurrently.
func (m *Manager) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if m.isShuttingDown() {
		return ErrShuttingDown
	}
	ch, err := m.Channel()
	if err != nil {
		return err
	}

	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	return ch.PublishWithContext(ctx, exchange, key, true, false, msg)
}

// Guard recovers a panic in the calling goroutine and schedules a reconnect.
// Use it as `defer m.Guard("op")`.
func (m *Manager) Guard(op string) {
	if r := recover(); r != nil {
		logging.LogPanic(m.logger.With().Str("op", op).Logger(), r, "Recovered panic, scheduling broker reconnect")
		m.scheduleReconnect()
	}
}

// ForceReconnect drops the current connection and connects again.
func (m *Manager) ForceReconnect(ctx context.Context) error {
	if m.isShuttingDown() {
		return ErrShuttingDown
	}
	m.logger.Info().Msg("Forcing reconnection")

	if err := m.teardown(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Error while closing connection before reconnect")
	}

	timer := time.NewTimer(m.opts.InitialDelay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}
	return m.Connect(ctx)
}

// Close shuts the manager down for good: the pending reconnect is cancelled,
// the channel then the connection are closed and no reconnect follows.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()

	m.logger.Info().Msg("Closing broker connection")
	err := m.teardown(ctx)
	if err == nil {
		m.logger.Info().Msg("Broker connection closed gracefully")
	}
	return err
}

func (m *Manager) teardown(ctx context.Context) error {
	m.mu.Lock()
	m.stopReconnectTimerLocked()
	ch, conn := m.ch, m.conn
	m.conn = nil
	m.connGen++
	m.clearChannelLocked()
	m.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		var errs []error
		if ch != nil {
			if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close channel: %w", err))
			}
		}
		if conn != nil {
			if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, fmt.Errorf("close connection: %w", err))
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func amqpErr(e *amqp.Error) error {
	if e == nil {
		return nil
	}
	return e
}

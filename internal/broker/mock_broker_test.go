package broker_test

import (
	"context"
	"errors"
	"sync"

	"chatrelay/backend/internal/broker"

	amqp "github.com/rabbitmq/amqp091-go"
)

type binding struct {
	queue, key, exchange string
}

type publishCall struct {
	exchange, key string
	mandatory     bool
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu sync.Mutex

	closed        bool
	closeNotify   []chan *amqp.Error
	returnNotify  []chan amqp.Return
	exchanges     []string
	queueArgs     map[string]amqp.Table
	declareCalls  map[string]int
	bindings      []binding
	prefetch      int
	published     []publishCall
	publishErrs   []error
	consumers     map[string]chan amqp.Delivery
	consumerQueue map[string]string
	consumeCalls  int
	consumePanics int
	cancelled     []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		queueArgs:     map[string]amqp.Table{},
		declareCalls:  map[string]int{},
		consumers:     map[string]chan amqp.Delivery{},
		consumerQueue: map[string]string{},
	}
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	c.queueArgs[name] = args
	c.declareCalls[name]++
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{name, key, exchange})
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.publishErrs) > 0 {
		err := c.publishErrs[0]
		c.publishErrs = c.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	c.published = append(c.published, publishCall{exchange, key, mandatory, msg})
	return nil
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	c.consumeCalls++
	if c.consumePanics > 0 {
		c.consumePanics--
		panic("consume exploded")
	}
	deliveries := make(chan amqp.Delivery, 16)
	c.consumers[consumer] = deliveries
	c.consumerQueue[consumer] = queue
	return deliveries, nil
}

func (c *fakeChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	if d, ok := c.consumers[consumer]; ok {
		close(d)
		delete(c.consumers, consumer)
	}
	return nil
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.closeNotify = append(c.closeNotify, ch)
	return ch
}

func (c *fakeChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.returnNotify = append(c.returnNotify, ch)
	return ch
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.shutdown(nil)
	return nil
}

// fail simulates a broker-side channel exception.
func (c *fakeChannel) fail(err *amqp.Error) {
	c.shutdown(err)
}

func (c *fakeChannel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.closeNotify
	returns := c.returnNotify
	c.closeNotify, c.returnNotify = nil, nil
	for tag, d := range c.consumers {
		close(d)
		delete(c.consumers, tag)
	}
	c.mu.Unlock()

	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	for _, r := range returns {
		close(r)
	}
}

// consumerFor returns the delivery stream of the active consumer on queue.
func (c *fakeChannel) consumerFor(queue string) chan amqp.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tag, q := range c.consumerQueue {
		if q != queue {
			continue
		}
		if d, ok := c.consumers[tag]; ok {
			return d
		}
	}
	return nil
}

func (c *fakeChannel) publishes() []publishCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishCall(nil), c.published...)
}

func (c *fakeChannel) declares(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.declareCalls[queue]
}

func (c *fakeChannel) cancelledTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancelled...)
}

type fakeConnection struct {
	mu sync.Mutex

	closed        bool
	closeNotify   []chan *amqp.Error
	blockedNotify []chan amqp.Blocking
	channels      []*fakeChannel
	channelErr    error
	prepare       func(*fakeChannel)
}

func (c *fakeConnection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := newFakeChannel()
	if c.prepare != nil {
		c.prepare(ch)
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.closeNotify = append(c.closeNotify, ch)
	return ch
}

func (c *fakeConnection) NotifyBlocked(ch chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.blockedNotify = append(c.blockedNotify, ch)
	return ch
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.shutdown(nil)
	return nil
}

// fail simulates a dropped TCP connection: every channel dies with it.
func (c *fakeConnection) fail(err *amqp.Error) {
	c.shutdown(err)
}

func (c *fakeConnection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.closeNotify
	blocked := c.blockedNotify
	channels := append([]*fakeChannel(nil), c.channels...)
	c.closeNotify, c.blockedNotify = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, n := range notify {
		if err != nil {
			n <- err
		}
		close(n)
	}
	for _, b := range blocked {
		close(b)
	}
}

func (c *fakeConnection) channel(i int) *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 {
		i = len(c.channels) + i
	}
	if i < 0 || i >= len(c.channels) {
		return nil
	}
	return c.channels[i]
}

func (c *fakeConnection) channelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

var errDialRefused = errors.New("dial tcp: connection refused")

type fakeDialer struct {
	mu sync.Mutex

	failures int
	calls    int
	configs  []amqp.Config
	conns    []*fakeConnection
	gate     chan struct{}
	prepare  func(*fakeChannel)
}

func (d *fakeDialer) Dial(url string, cfg amqp.Config) (broker.Connection, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.configs = append(d.configs, cfg)
	if d.failures > 0 {
		d.failures--
		return nil, errDialRefused
	}
	conn := &fakeConnection{prepare: d.prepare}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConnection {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// currentChannel returns the newest channel of the newest connection.
func (d *fakeDialer) currentChannel() *fakeChannel {
	conn := d.last()
	if conn == nil {
		return nil
	}
	return conn.channel(-1)
}

type settle struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcker struct {
	mu      sync.Mutex
	settled []settle
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settle{tag: tag, ack: true})
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = append(a.settled, settle{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcker) results() []settle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]settle(nil), a.settled...)
}

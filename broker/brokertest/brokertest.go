// Package brokertest provides in-memory AMQP doubles for tests.
package brokertest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"task-pipeline/broker"
)

// Channel records declarations and publishes and feeds deliveries from a buffered channel.
type Channel struct {
	mu         sync.Mutex
	declared   []string
	published  []amqp.Publishing
	keys       []string
	prefetch   int
	notify     []chan *amqp.Error
	closed     bool
	Deliveries chan amqp.Delivery

	PublishErr error
	ConsumeErr error
	DeclareErr error
	Messages   int
}

func NewChannel() *Channel {
	return &Channel{Deliveries: make(chan amqp.Delivery, 64)}
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name, Messages: c.Messages}, nil
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DeclareErr != nil {
		return amqp.Queue{}, c.DeclareErr
	}
	return amqp.Queue{Name: name, Messages: c.Messages}, nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	c.prefetch = prefetchCount
	c.mu.Unlock()
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	if autoAck {
		return nil, errors.New("auto ack is not allowed")
	}
	return c.Deliveries, nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if c.PublishErr != nil {
		return c.PublishErr
	}
	c.published = append(c.published, msg)
	c.keys = append(c.keys, key)
	return nil
}

func (c *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	c.notify = append(c.notify, receiver)
	c.mu.Unlock()
	return receiver
}

func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

// Fail simulates a broker side channel closure.
func (c *Channel) Fail(reason string) {
	c.shutdown(&amqp.Error{Code: amqp.ChannelError, Reason: reason})
}

func (c *Channel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

func (c *Channel) Declared() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.declared...)
}

func (c *Channel) Published() []amqp.Publishing {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]amqp.Publishing(nil), c.published...)
}

// RoutingKeys returns the routing key of every publish, in order.
func (c *Channel) RoutingKeys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.keys...)
}

func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connection hands out a single Channel.
type Connection struct {
	mu     sync.Mutex
	ch     *Channel
	notify []chan *amqp.Error
	closed bool

	ChannelErr error
}

func NewConnection(ch *Channel) *Connection {
	if ch == nil {
		ch = NewChannel()
	}
	return &Connection{ch: ch}
}

func (c *Connection) Channel() (broker.Channel, error) {
	if c.ChannelErr != nil {
		return nil, c.ChannelErr
	}
	return c.ch, nil
}

func (c *Connection) Ch() *Channel { return c.ch }

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	c.notify = append(c.notify, receiver)
	c.mu.Unlock()
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

// Drop simulates the broker going away: the connection and its channel are
// closed with an error and the delivery stream ends.
func (c *Connection) Drop(reason string) {
	c.ch.Fail(reason)
	close(c.ch.Deliveries)
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason})
}

func (c *Connection) shutdown(err *amqp.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, n := range c.notify {
		if err != nil {
			select {
			case n <- err:
			default:
			}
		}
		close(n)
	}
	c.notify = nil
}

// Dialer returns scripted failures first and then fresh connections.
type Dialer struct {
	mu    sync.Mutex
	errs  []error
	conns []*Connection
	calls int
	ready chan *Connection
}

func NewDialer(failures ...error) *Dialer {
	return &Dialer{errs: failures, ready: make(chan *Connection, 16)}
}

func (d *Dialer) Dial(ctx context.Context, url string) (broker.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	conn := NewConnection(nil)
	d.conns = append(d.conns, conn)
	select {
	case d.ready <- conn:
	default:
	}
	return conn, nil
}

// Calls reports how many dial attempts were made.
func (d *Dialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Connections returns every successfully dialed connection.
func (d *Dialer) Connections() []*Connection {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Connection(nil), d.conns...)
}

// Ready yields connections as they are dialed.
func (d *Dialer) Ready() <-chan *Connection { return d.ready }

// Acknowledger records acknowledgements by delivery tag.
type Acknowledger struct {
	mu       sync.Mutex
	acked    []uint64
	nacked   []uint64
	requeued []uint64
	events   chan uint64
}

func NewAcknowledger() *Acknowledger {
	return &Acknowledger{events: make(chan uint64, 64)}
}

func (a *Acknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	a.signal(tag)
	return nil
}

func (a *Acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacked = append(a.nacked, tag)
	if requeue {
		a.requeued = append(a.requeued, tag)
	}
	a.mu.Unlock()
	a.signal(tag)
	return nil
}

func (a *Acknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *Acknowledger) signal(tag uint64) {
	select {
	case a.events <- tag:
	default:
	}
}

// Settled yields delivery tags as they are acked or nacked.
func (a *Acknowledger) Settled() <-chan uint64 { return a.events }

func (a *Acknowledger) Acked() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...)
}

func (a *Acknowledger) Nacked() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.nacked...)
}

func (a *Acknowledger) Requeued() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.requeued...)
}

// Delivery builds a delivery settled through a.
func (a *Acknowledger) Delivery(tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: a,
		DeliveryTag:  tag,
		ContentType:  "application/json",
		Body:         body,
	}
}

var _ broker.Connection = (*Connection)(nil)
var _ broker.Channel = (*Channel)(nil)

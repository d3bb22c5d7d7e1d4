package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"task-pipeline/broker"
	"task-pipeline/domain"
)

// State is the lifecycle of the queue connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Consuming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Consuming:
		return "consuming"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	errConnectionClosed = errors.New("queue connection closed")
	errDeliveriesClosed = errors.New("delivery stream closed")
)

// Router receives decoded events. A non-nil error means the event could not
// be handed on and should be redelivered.
type Router interface {
	Route(ctx context.Context, env domain.Envelope) error
}

type Options struct {
	URL            string
	Queue          string
	Prefetch       int
	ReconnectDelay time.Duration
	Tag            string
	Dial           broker.Dialer
	Logger         log.FieldLogger
}

// Consumer drains the durable task events queue with manual acknowledgement
// and reconnects forever with a fixed delay.
type Consumer struct {
	url      string
	queue    string
	prefetch int
	delay    time.Duration
	tag      string
	dial     broker.Dialer
	router   Router
	log      log.FieldLogger
	state    atomic.Int32
}

func New(opts Options, router Router) *Consumer {
	if opts.Dial == nil {
		opts.Dial = broker.DialAMQP
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	return &Consumer{
		url:      opts.URL,
		queue:    opts.Queue,
		prefetch: opts.Prefetch,
		delay:    opts.ReconnectDelay,
		tag:      opts.Tag,
		dial:     opts.Dial,
		router:   router,
		log:      opts.Logger.WithFields(log.Fields{"component": "queue-consumer", "queue": opts.Queue}),
	}
}

// State reports the current connection state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run consumes until ctx is cancelled. Connection failures are never fatal.
func (c *Consumer) Run(ctx context.Context) {
	for {
		err := c.consume(ctx)
		c.setState(Disconnected)
		if ctx.Err() != nil {
			c.log.Info("queue consumer stopped")
			return
		}
		c.log.WithError(err).Errorf("queue consumer disconnected, reconnecting in %v", c.delay)
		if !sleep(ctx, c.delay) {
			c.log.Info("queue consumer stopped")
			return
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	c.setState(Connecting)
	conn, err := c.dial(ctx, c.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("qos: %w", err)
		}
	}
	if _, err := broker.DeclareQueue(ch, c.queue); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	c.setState(Consuming)
	c.log.Info("connected to queue, waiting for messages")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason, ok := <-connClosed:
			if !ok || reason == nil {
				return errConnectionClosed
			}
			return fmt.Errorf("%w: %v", errConnectionClosed, reason)
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handle(ctx, d)
		}
	}
}

// handle settles every delivery exactly once. Undecodable payloads are
// acknowledged so they never block the queue.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	m, ctx := newDeliveryMetrics(ctx, c.log, c.queue, d.DeliveryTag)

	env, err := domain.DecodeEnvelope(d.Body)
	if err != nil {
		c.log.WithError(err).WithField("body", preview(d.Body)).Error("bad message")
		c.ack(d)
		m.Finish(outcomeMalformed, err)
		return
	}
	m.SetEvent(env)

	if err := c.router.Route(ctx, env); err != nil {
		c.log.WithError(err).WithFields(log.Fields{"type": env.Type, "user": env.UserID}).Error("route event, requeueing")
		if nerr := d.Nack(false, true); nerr != nil {
			c.log.WithError(nerr).Error("nack")
		}
		m.Finish(outcomeRequeued, err)
		sleep(ctx, c.delay)
		return
	}
	c.ack(d)
	if env.UserID == "" {
		m.Finish(outcomeNoSubject, nil)
		return
	}
	m.Finish(outcomeRouted, nil)
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.log.WithError(err).WithField("tag", d.DeliveryTag).Error("ack")
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func preview(body []byte) string {
	const limit = 256
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}

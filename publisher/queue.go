package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"

	"task-pipeline/broker"
	"task-pipeline/domain"
)

var errSinkClosed = errors.New("sink closed")

// QueueSink publishes persistent messages to the durable work queue over one
// lazily opened channel. A broker side close discards the channel and the next
// publish dials again. A publish waits for the channel no longer than its ctx
// allows.
type QueueSink struct {
	url   string
	queue string
	dial  broker.Dialer
	log   log.FieldLogger

	// sem guards the fields below. It is a channel so that waiting for it can
	// be abandoned when a publish context ends.
	sem    chan struct{}
	conn   broker.Connection
	ch     broker.Channel
	closed bool
}

func NewQueueSink(dial broker.Dialer, url, queue string, logger log.FieldLogger) *QueueSink {
	if dial == nil {
		dial = broker.DialAMQP
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &QueueSink{
		url:   url,
		queue: queue,
		dial:  dial,
		sem:   make(chan struct{}, 1),
		log:   logger.WithFields(log.Fields{"sink": "queue", "queue": queue}),
	}
}

func (q *QueueSink) Name() string { return "queue" }

func (q *QueueSink) Publish(ctx context.Context, env domain.Envelope, body []byte) error {
	if err := q.lock(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", q.queue, err)
	}
	defer q.unlock()

	ch, err := q.channelLocked(ctx)
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         env.Type,
		Body:         body,
	})
	if err != nil {
		q.resetLocked()
		return fmt.Errorf("publish to %s: %w", q.queue, err)
	}
	return nil
}

func (q *QueueSink) lock(ctx context.Context) error {
	select {
	case q.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *QueueSink) unlock() { <-q.sem }

func (q *QueueSink) channelLocked(ctx context.Context) (broker.Channel, error) {
	if q.closed {
		return nil, errSinkClosed
	}
	if q.ch != nil {
		return q.ch, nil
	}
	conn, err := q.dial(ctx, q.url)
	if err != nil {
		return nil, fmt.Errorf("dial queue broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := broker.DeclareQueue(ch, q.queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", q.queue, err)
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	q.conn, q.ch = conn, ch
	go q.watch(conn, connClosed, chClosed)
	q.log.Info("queue publisher connected")
	return ch, nil
}

func (q *QueueSink) watch(conn broker.Connection, connClosed, chClosed <-chan *amqp.Error) {
	var reason *amqp.Error
	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	}
	q.sem <- struct{}{}
	defer q.unlock()
	if q.conn != conn {
		return
	}
	q.resetLocked()
	if reason != nil {
		q.log.WithError(reason).Error("queue connection closed, will reconnect on next publish")
	}
}

func (q *QueueSink) resetLocked() {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
	q.ch = nil
	q.conn = nil
}

func (q *QueueSink) Close() error {
	q.sem <- struct{}{}
	defer q.unlock()
	q.closed = true
	q.resetLocked()
	return nil
}

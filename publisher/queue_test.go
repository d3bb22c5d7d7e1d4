package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus/hooks/test"

	"task-pipeline/broker"
	"task-pipeline/broker/brokertest"
	"task-pipeline/domain"
)

func TestQueueSinkPublishesPersistentJSON(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dialer := brokertest.NewDialer()
	sink := NewQueueSink(dialer.Dial, "amqp://localhost", "task_events", logger)
	defer sink.Close()

	if dialer.Calls() != 0 {
		t.Fatalf("sink should dial lazily")
	}
	env := domain.Created("u1", domain.Task{ID: "t1", Title: "Hi"})
	body, _ := domain.EncodeEnvelope(env)
	if err := sink.Publish(context.Background(), env, body); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sink.Publish(context.Background(), env, body); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if dialer.Calls() != 1 {
		t.Fatalf("expected the channel to be reused, dialed %d times", dialer.Calls())
	}

	ch := dialer.Connections()[0].Ch()
	if got := ch.Declared(); len(got) != 1 || got[0] != "task_events" {
		t.Fatalf("expected durable queue declaration, got %v", got)
	}
	msgs := ch.Published()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].DeliveryMode != amqp.Persistent {
		t.Fatalf("expected persistent delivery, got %d", msgs[0].DeliveryMode)
	}
	if msgs[0].ContentType != "application/json" {
		t.Fatalf("unexpected content type: %s", msgs[0].ContentType)
	}
	if string(msgs[0].Body) != string(body) {
		t.Fatalf("unexpected body: %s", msgs[0].Body)
	}
	if keys := ch.RoutingKeys(); keys[0] != "task_events" {
		t.Fatalf("expected default exchange routing to the queue, got %v", keys)
	}
}

func TestQueueSinkReconnectsAfterBrokerClose(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dialer := brokertest.NewDialer()
	sink := NewQueueSink(dialer.Dial, "amqp://localhost", "task_events", logger)
	defer sink.Close()

	env := domain.Deleted("u1", "t1")
	body, _ := domain.EncodeEnvelope(env)
	if err := sink.Publish(context.Background(), env, body); err != nil {
		t.Fatalf("publish: %v", err)
	}
	dialer.Connections()[0].Drop("broker restarted")

	deadline := time.Now().Add(time.Second)
	for {
		err := sink.Publish(context.Background(), env, body)
		if err == nil && dialer.Calls() == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sink did not reconnect, calls: %d, last err: %v", dialer.Calls(), err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(dialer.Connections()[1].Ch().Published()); got == 0 {
		t.Fatalf("expected publish on the new channel")
	}
}

func TestQueueSinkDialFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dialer := brokertest.NewDialer(errors.New("connection refused"))
	sink := NewQueueSink(dialer.Dial, "amqp://localhost", "task_events", logger)

	env := domain.Deleted("u1", "t1")
	body, _ := domain.EncodeEnvelope(env)
	if err := sink.Publish(context.Background(), env, body); err == nil {
		t.Fatalf("expected dial error")
	}
	if err := sink.Publish(context.Background(), env, body); err != nil {
		t.Fatalf("expected the next publish to dial again: %v", err)
	}
	if dialer.Calls() != 2 {
		t.Fatalf("expected 2 dial attempts, got %d", dialer.Calls())
	}
}

func TestQueueSinkClosed(t *testing.T) {
	logger, _ := test.NewNullLogger()
	sink := NewQueueSink(brokertest.NewDialer().Dial, "amqp://localhost", "task_events", logger)
	_ = sink.Close()

	if err := sink.Publish(context.Background(), domain.Envelope{Type: "x"}, []byte(`{}`)); !errors.Is(err, errSinkClosed) {
		t.Fatalf("expected errSinkClosed, got %v", err)
	}
}

func TestQueueSinkPublishGivesUpWithContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	dialing := make(chan struct{}, 1)
	dial := func(ctx context.Context, _ string) (broker.Connection, error) {
		dialing <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sink := NewQueueSink(dial, "amqp://localhost", "task_events", logger)
	defer sink.Close()

	env := domain.Deleted("u1", "t1")
	body, _ := domain.EncodeEnvelope(env)

	stalled, release := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- sink.Publish(stalled, env, body) }()
	<-dialing

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := sink.Publish(ctx, env, body); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded while the channel is busy, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish ignored its context, took %v", elapsed)
	}

	release()
	select {
	case err := <-first:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected the stalled dial to end with its context, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("stalled dial did not return after cancel")
	}
}

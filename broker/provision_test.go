package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"task-pipeline/broker"
	"task-pipeline/broker/brokertest"
)

func TestProvisionQueueRetriesUntilBrokerIsUp(t *testing.T) {
	d := brokertest.NewDialer(errors.New("connection refused"), errors.New("connection refused"))

	err := broker.ProvisionQueue(context.Background(), d.Dial, "amqp://test", "task_events", time.Millisecond)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if d.Calls() != 3 {
		t.Fatalf("expected 3 dial attempts, got %d", d.Calls())
	}
	conns := d.Connections()
	if len(conns) != 1 {
		t.Fatalf("expected one connection, got %d", len(conns))
	}
	if got := conns[0].Ch().Declared(); len(got) != 1 || got[0] != "task_events" {
		t.Fatalf("unexpected declarations %v", got)
	}
	if !conns[0].IsClosed() || !conns[0].Ch().Closed() {
		t.Fatalf("expected connection and channel to be closed")
	}
}

func TestProvisionQueueGivesUpOnCancel(t *testing.T) {
	d := brokertest.NewDialer(errors.New("down"), errors.New("down"), errors.New("down"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := broker.ProvisionQueue(ctx, d.Dial, "amqp://test", "task_events", time.Hour)
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if d.Calls() != 1 {
		t.Fatalf("expected a single attempt, got %d", d.Calls())
	}
}

func TestQueueDepth(t *testing.T) {
	ch := brokertest.NewChannel()
	ch.Messages = 4
	dial := func(context.Context, string) (broker.Connection, error) {
		return brokertest.NewConnection(ch), nil
	}

	depth, err := broker.QueueDepth(context.Background(), dial, "amqp://test", "task_events")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 4 {
		t.Fatalf("expected depth 4, got %d", depth)
	}
	if len(ch.Declared()) != 0 {
		t.Fatalf("passive declare must not be recorded as a declaration")
	}
}

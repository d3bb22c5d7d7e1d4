package broker

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

func withChannel(ctx context.Context, dial Dialer, url string, fn func(Channel) error) error {
	conn, err := dial(ctx, url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	defer ch.Close()
	return fn(ch)
}

// ProvisionQueue declares the durable queue, retrying every delay until it
// succeeds or ctx ends.
func ProvisionQueue(ctx context.Context, dial Dialer, url, name string, delay time.Duration) error {
	for attempt := 1; ; attempt++ {
		err := withChannel(ctx, dial, url, func(ch Channel) error {
			_, err := DeclareQueue(ch, name)
			return err
		})
		if err == nil {
			log.WithFields(log.Fields{"queue": name, "attempt": attempt}).Info("queue declared")
			return nil
		}
		log.WithError(err).WithFields(log.Fields{"queue": name, "attempt": attempt}).Warn("declare queue failed")
		select {
		case <-ctx.Done():
			return fmt.Errorf("declare %s: %w", name, err)
		case <-time.After(delay):
		}
	}
}

// QueueDepth reports how many ready messages the queue holds without
// declaring it.
func QueueDepth(ctx context.Context, dial Dialer, url, name string) (int, error) {
	var depth int
	err := withChannel(ctx, dial, url, func(ch Channel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return err
		}
		depth = q.Messages
		return nil
	})
	return depth, err
}

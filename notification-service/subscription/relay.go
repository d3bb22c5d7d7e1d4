package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"task-pipeline/domain"
)

// Deliverer hands a notification to the sessions held by this instance.
type Deliverer interface {
	Deliver(userID string, n domain.Notification) int
}

type relayMessage struct {
	UserID       string              `json:"userId"`
	Notification domain.Notification `json:"notification"`
	Origin       string              `json:"origin,omitempty"`
}

// Relay spreads notifications over a Redis channel so that every
// notification-service instance delivers to the sessions it holds.
type Relay struct {
	rc       *redis.Client
	channel  string
	instance string
	retry    time.Duration
	log      log.FieldLogger
}

func NewRelay(rc *redis.Client, channel, instance string, logger log.FieldLogger) *Relay {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Relay{
		rc:       rc,
		channel:  channel,
		instance: instance,
		retry:    time.Second,
		log:      logger.WithFields(log.Fields{"component": "relay", "channel": channel}),
	}
}

// Send publishes n for userID to every instance, this one included.
func (r *Relay) Send(ctx context.Context, userID string, n domain.Notification) error {
	payload, err := sonic.Marshal(relayMessage{UserID: userID, Notification: n, Origin: r.instance})
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	if err := r.rc.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Run subscribes to the relay channel and delivers locally until ctx is done.
// A closed subscription is re-established after a short pause.
func (r *Relay) Run(ctx context.Context, d Deliverer) {
	for {
		r.subscribe(ctx, d)
		if ctx.Err() != nil {
			return
		}
		r.log.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.retry):
		}
	}
}

func (r *Relay) subscribe(ctx context.Context, d Deliverer) {
	sub := r.rc.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			r.log.WithError(err).Error("subscribe")
		}
		return
	}
	r.log.Info("relay subscribed")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var rm relayMessage
			if err := sonic.UnmarshalString(msg.Payload, &rm); err != nil {
				r.log.WithError(err).Error("unable to parse relay message")
				continue
			}
			if rm.UserID == "" {
				r.log.Warn("relay message missing userId")
				continue
			}
			d.Deliver(rm.UserID, rm.Notification)
		}
	}
}

package fanout

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"task-pipeline/domain"
)

var ErrMissingMessage = errors.New("missing message")

// Outlet carries a notification to wherever the subject's sessions live.
// Without one the router delivers to its own registry.
type Outlet interface {
	Send(ctx context.Context, userID string, n domain.Notification) error
}

// Router turns task events into notifications and fans them out to every
// connection of the event's subject.
type Router struct {
	reg    *Registry
	outlet Outlet
	log    log.FieldLogger
	now    func() time.Time
}

func NewRouter(reg *Registry, logger log.FieldLogger) *Router {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Router{reg: reg, log: logger.WithField("component", "router"), now: time.Now}
}

// SetOutlet routes notifications through o instead of the local registry.
func (r *Router) SetOutlet(o Outlet) {
	r.outlet = o
}

// Route delivers the notification derived from env. Events without a subject
// are logged and dropped; an error is returned only when the outlet fails.
func (r *Router) Route(ctx context.Context, env domain.Envelope) error {
	if env.UserID == "" {
		r.log.WithFields(log.Fields{"type": env.Type, "at": env.At}).Warn("event missing userId, dropped")
		return nil
	}
	return r.send(ctx, env.UserID, domain.NotificationFor(env, r.now()))
}

// Notify sends an info notification to userID without touching either broker.
func (r *Router) Notify(ctx context.Context, userID, message string) error {
	if userID == "" {
		return ErrMissingSubject
	}
	if message == "" {
		return ErrMissingMessage
	}
	return r.send(ctx, userID, domain.Info(message, r.now()))
}

func (r *Router) send(ctx context.Context, userID string, n domain.Notification) error {
	if r.outlet != nil {
		return r.outlet.Send(ctx, userID, n)
	}
	r.Deliver(userID, n)
	return nil
}

// Deliver writes n to every local connection of userID and returns how many
// accepted it.
func (r *Router) Deliver(userID string, n domain.Notification) int {
	sinks := r.reg.sinksOf(userID)
	if len(sinks) == 0 {
		r.log.WithFields(log.Fields{"user": userID, "type": n.Type}).Debug("no connections for user")
		return 0
	}
	payload, err := domain.EncodeNotification(n)
	if err != nil {
		r.log.WithError(err).WithField("user", userID).Error("encode notification")
		return 0
	}
	delivered := 0
	for id, s := range sinks {
		if s.Deliver(payload) {
			delivered++
			continue
		}
		r.log.WithFields(log.Fields{"user": userID, "connection": id, "type": n.Type}).Warn("connection buffer full, notification dropped")
	}
	return delivered
}

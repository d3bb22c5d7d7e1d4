package publisher

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"task-pipeline/domain"
)

// Sink is one broker substrate the dual publisher writes to.
type Sink interface {
	Name() string
	Publish(ctx context.Context, env domain.Envelope, body []byte) error
	Close() error
}

type Options struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// Dual publishes every envelope to each sink independently. Each sink has
// its own worker pool, so a stalled or saturated sink delays and drops only
// its own copy. Publishing is best effort: failures are logged and never
// reach the caller.
type Dual struct {
	lanes   []*lane
	timeout time.Duration
	clock   *clock
	log     log.FieldLogger
}

type lane struct {
	sink Sink
	pool *pool
}

func NewDual(logger log.FieldLogger, opts Options, sinks ...Sink) *Dual {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	d := &Dual{
		timeout: opts.Timeout,
		clock:   newClock(),
		log:     logger.WithField("component", "publisher"),
	}
	for _, s := range sinks {
		l := &lane{sink: s}
		l.pool = newPool(opts.Workers, opts.Buffer, opts.HandoffTimeout, func(worker int, j publishJob) {
			d.deliver(l.sink, worker, j)
		})
		d.lanes = append(d.lanes, l)
	}
	d.log.Infof("publisher started, sinks: %d, workers per sink: %d, buffer: %d, timeout: %v, handoff: %v",
		len(sinks), opts.Workers, opts.Buffer, opts.Timeout, opts.HandoffTimeout)
	return d
}

// Publish stamps and encodes env and hands it to every sink's pool. It
// returns the envelope as published and whether at least one sink accepted
// it. A saturated sink drops its copy without holding up the others.
func (d *Dual) Publish(env domain.Envelope) (domain.Envelope, bool) {
	if env.At == "" {
		env.At = d.clock.next()
	}
	body, err := domain.EncodeEnvelope(env)
	if err != nil {
		d.log.WithError(err).WithField("type", env.Type).Error("encode envelope")
		return env, false
	}
	j := publishJob{env: env, body: body}

	accepted := 0
	var full []*lane
	for _, l := range d.lanes {
		if l.pool.offer(j) {
			accepted++
			continue
		}
		full = append(full, l)
	}
	// healthy sinks already have the job, only saturated ones wait for room
	for _, l := range full {
		if l.pool.tryEnqueue(j) {
			accepted++
			continue
		}
		d.log.WithFields(log.Fields{"sink": l.sink.Name(), "type": env.Type, "user": env.UserID}).
			Warn("publisher saturated, event dropped")
	}
	return env, accepted > 0
}

func (d *Dual) deliver(s Sink, worker int, j publishJob) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Publish(ctx, j.env, j.body); err != nil {
		d.log.WithError(err).WithFields(log.Fields{
			"sink":   s.Name(),
			"type":   j.env.Type,
			"user":   j.env.UserID,
			"worker": worker,
		}).Error("publish failed")
		return
	}
	d.log.WithFields(log.Fields{"sink": s.Name(), "type": j.env.Type, "user": j.env.UserID}).Debug("event published")
}

// Close drains queued events and closes every sink.
func (d *Dual) Close() {
	for _, l := range d.lanes {
		l.pool.close()
	}
	for _, l := range d.lanes {
		if err := l.sink.Close(); err != nil {
			d.log.WithError(err).WithField("sink", l.sink.Name()).Warn("close sink")
		}
	}
}

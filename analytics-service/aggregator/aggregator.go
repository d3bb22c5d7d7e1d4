package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"task-pipeline/domain"
)

// MessageReader is the part of a kafka-go group reader the aggregator uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Options struct {
	// CommitOffsets stores the group position after each message. Leaving it
	// off makes every start replay the whole retained stream.
	CommitOffsets bool
	RetryDelay    time.Duration
	Logger        log.FieldLogger
}

// Aggregator folds the task event stream into a Tally.
type Aggregator struct {
	reader MessageReader
	opts   Options
	log    log.FieldLogger

	mu    sync.RWMutex
	tally Tally
}

func New(reader MessageReader, opts Options) *Aggregator {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Aggregator{
		reader: reader,
		opts:   opts,
		log:    opts.Logger.WithField("component", "aggregator"),
		tally:  newTally(),
	}
}

// Run reads the stream until ctx is cancelled or the reader is closed.
// Fetch errors are retried after RetryDelay.
func (a *Aggregator) Run(ctx context.Context) error {
	a.log.Info("stream aggregator started")
	for {
		msg, err := a.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				a.log.Info("stream aggregator stopped")
				return nil
			}
			a.log.WithError(err).WithField("retry_in", a.opts.RetryDelay.String()).Error("stream fetch failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.opts.RetryDelay):
			}
			continue
		}

		a.handle(msg)

		if a.opts.CommitOffsets {
			if err := a.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				a.log.WithError(err).WithField("offset", msg.Offset).Warn("commit failed")
			}
		}
	}
}

func (a *Aggregator) handle(msg kafka.Message) {
	if err := a.Apply(msg.Value); err != nil {
		a.log.WithError(err).WithFields(log.Fields{
			"partition": msg.Partition,
			"offset":    msg.Offset,
		}).Warn("bad message")
	}
}

// Apply counts one stream value and keeps it verbatim as the last event.
// Values that are not an envelope are rejected and leave the tally as is.
func (a *Aggregator) Apply(value []byte) error {
	env, err := domain.DecodeEnvelope(value)
	if err != nil {
		return err
	}
	raw := append(json.RawMessage(nil), value...)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.tally.Total++
	a.tally.ByType[env.Type]++
	a.tally.LastEvent = raw
	return nil
}

// Snapshot returns a copy of the current tally.
func (a *Aggregator) Snapshot() Tally {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tally.Clone()
}

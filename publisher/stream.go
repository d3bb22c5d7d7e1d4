package publisher

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"task-pipeline/domain"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StreamSink appends envelopes to the event stream keyed by subject.
type StreamSink struct {
	w     MessageWriter
	topic string
}

func NewStreamSink(w MessageWriter, topic string) *StreamSink {
	return &StreamSink{w: w, topic: topic}
}

func (s *StreamSink) Name() string { return "stream" }

func (s *StreamSink) Publish(ctx context.Context, env domain.Envelope, body []byte) error {
	msg := kafka.Message{
		Key:   []byte(env.UserID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(env.Type)},
		},
	}
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", s.topic, err)
	}
	return nil
}

func (s *StreamSink) Close() error {
	return s.w.Close()
}

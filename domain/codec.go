package domain

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrMalformedEnvelope is returned for payloads that are not an event object.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// DecodeEnvelope parses a queue or stream payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if len(data) == 0 {
		return env, ErrMalformedEnvelope
	}
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return env, nil
}

// UnmarshalJSON decodes an envelope whose userId may be a JSON string or
// number. Numeric ids are kept in their decimal string form.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type   string    `json:"type"`
		UserID subjectID `json:"userId"`
		Task   *Task     `json:"task"`
		TaskID string    `json:"taskId"`
		At     string    `json:"at"`
	}
	if err := sonic.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Envelope{
		Type:   wire.Type,
		UserID: string(wire.UserID),
		Task:   wire.Task,
		TaskID: wire.TaskID,
		At:     wire.At,
	}
	return nil
}

// EncodeEnvelope serialises an envelope once so every sink receives the same bytes.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return sonic.Marshal(env)
}

func EncodeNotification(n Notification) ([]byte, error) {
	return sonic.Marshal(n)
}

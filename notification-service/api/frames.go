package api

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

const (
	eventNotification = "notification"
	eventConnectError = "connect_error"
	eventAuth         = "auth"
)

// frame is the envelope every message on the WebSocket travels in.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type authData struct {
	Token string `json:"token"`
}

type errorData struct {
	Message string `json:"message"`
}

func encodeFrame(event string, data []byte) []byte {
	out, err := sonic.Marshal(frame{Event: event, Data: data})
	if err != nil {
		return nil
	}
	return out
}

func connectErrorFrame(err error) []byte {
	data, _ := sonic.Marshal(errorData{Message: err.Error()})
	return encodeFrame(eventConnectError, data)
}

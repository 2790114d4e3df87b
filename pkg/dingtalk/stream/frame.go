// Package stream implements the DingTalk stream-mode websocket protocol.
package stream

import (
	"encoding/json"
	"fmt"
)

// Frame types.
const (
	TypeSystem   = "SYSTEM"
	TypeEvent    = "EVENT"
	TypeCallback = "CALLBACK"
)

// System topics.
const (
	TopicPing       = "ping"
	TopicDisconnect = "disconnect"
)

// Frame is one downstream message from the stream gateway.
type Frame struct {
	SpecVersion string  `json:"specVersion"`
	Type        string  `json:"type"`
	Headers     Headers `json:"headers"`
	Data        string  `json:"data"`
}

// Headers holds frame headers. Non-string values are kept in their JSON form.
type Headers map[string]string

func (h *Headers) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Headers, len(raw))
	for key, value := range raw {
		var s string
		if err := json.Unmarshal(value, &s); err == nil {
			out[key] = s
			continue
		}
		out[key] = string(value)
	}
	*h = out
	return nil
}

func (f Frame) Topic() string     { return f.Headers["topic"] }
func (f Frame) MessageID() string { return f.Headers["messageId"] }

// Response is the upstream acknowledgement for a frame.
type Response struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers"`
	Message string            `json:"message"`
	Data    string            `json:"data"`
}

const (
	// CallbackAckData is the payload acknowledging a robot message callback.
	CallbackAckData = `{"response":null}`
	// EventAckData is the payload acknowledging an event.
	EventAckData = `{"status":"SUCCESS","message":"success"}`
)

func ackResponse(frame Frame, data string) Response {
	return Response{
		Code: 200,
		Headers: map[string]string{
			"contentType": "application/json",
			"messageId":   frame.MessageID(),
		},
		Message: "OK",
		Data:    data,
	}
}

func decodeFrame(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}

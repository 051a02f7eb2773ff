package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the closed set of envelope kinds carried on the wire.
// Decoding rejects values outside this set so downstream routing can
// switch exhaustively.
type MessageType string

const (
	MessageDeviceData        MessageType = "device_data"
	MessageControlCommand    MessageType = "control_command"
	MessageConnection        MessageType = "connection"
	MessageHeartbeat         MessageType = "heartbeat"
	MessageHeartbeatResponse MessageType = "heartbeat_response"
)

func ParseMessageType(s string) (MessageType, error) {
	switch MessageType(s) {
	case MessageDeviceData, MessageControlCommand, MessageConnection, MessageHeartbeat, MessageHeartbeatResponse:
		return MessageType(s), nil
	}
	return "", fmt.Errorf("unknown message type: %q", s)
}

// Envelope is the full wire message: user id, timestamp, message type, body.
// All four fields are mandatory; anything less is malformed.
type Envelope struct {
	UserID    string      `json:"user_id"`
	Timestamp int64       `json:"timestamp"`
	Type      MessageType `json:"message_type"`
	Data      DataBody    `json:"data"`
}

// DataBody is the typed envelope payload. Status is meaningful for
// device_data reports, Command for control messages; both may be present
// on the wire but only the one matching the message type is read.
type DataBody struct {
	Area       string         `json:"area,omitempty"`
	DeviceType string         `json:"device_type,omitempty"`
	DeviceID   string         `json:"device_id,omitempty"`
	Status     map[string]any `json:"status,omitempty"`
	Command    *Command       `json:"command,omitempty"`
	Timestamp  *int64         `json:"timestamp,omitempty"`
}

type Command struct {
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DecodeError marks an envelope that failed the validation gate.
// Payloads that decode to a DecodeError are dropped before they reach
// any downstream component.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode envelope: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// rawEnvelope uses pointers so a missing field is distinguishable from a
// zero value.
type rawEnvelope struct {
	UserID      *string          `json:"user_id"`
	Timestamp   *int64           `json:"timestamp"`
	MessageType *string          `json:"message_type"`
	Data        *json.RawMessage `json:"data"`
}

// Decode parses a raw transport payload into an Envelope. It fails if the
// payload is not a JSON object or if any of user_id, timestamp,
// message_type or data is absent. Inner body fields are optional.
func Decode(raw []byte) (Envelope, error) {
	var re rawEnvelope
	if err := json.Unmarshal(raw, &re); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	switch {
	case re.UserID == nil:
		return Envelope{}, &DecodeError{Reason: "missing user_id"}
	case re.Timestamp == nil:
		return Envelope{}, &DecodeError{Reason: "missing timestamp"}
	case re.MessageType == nil:
		return Envelope{}, &DecodeError{Reason: "missing message_type"}
	case re.Data == nil:
		return Envelope{}, &DecodeError{Reason: "missing data"}
	}
	mt, err := ParseMessageType(*re.MessageType)
	if err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid message_type", Err: err}
	}
	var body DataBody
	if err := json.Unmarshal(*re.Data, &body); err != nil {
		return Envelope{}, &DecodeError{Reason: "invalid data body", Err: err}
	}
	return Envelope{UserID: *re.UserID, Timestamp: *re.Timestamp, Type: mt, Data: body}, nil
}

// Encode serializes an Envelope back to its wire form. Round-trip with
// Decode holds for the fields the hub itself populates.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

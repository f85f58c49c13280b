// Package protocol defines the JSON messages exchanged between the fleet
// server and node agents over the /fleet websocket.
//
// Every message is an envelope:
//
//	{"event": "heartbeat", "data": {...}}
//
// Nodes send heartbeat, instance_started, instance_stopped and agent_error
// events. The server sends start_instance, stop_instance, drain_node and
// update_config commands.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names, node to server.
const (
	EventHeartbeat       = "heartbeat"
	EventInstanceStarted = "instance_started"
	EventInstanceStopped = "instance_stopped"
	EventAgentError      = "agent_error"
)

// Command names, server to node.
const (
	CommandStartInstance = "start_instance"
	CommandStopInstance  = "stop_instance"
	CommandDrainNode     = "drain_node"
	CommandUpdateConfig  = "update_config"
)

var (
	// ErrMalformed is returned for frames that are not a valid envelope.
	ErrMalformed = errors.New("malformed message")
)

// Envelope is the outer frame of every message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode wraps data in an envelope for event and marshals it.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s data: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses a frame into its envelope without decoding the payload.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event", ErrMalformed)
	}
	return env, nil
}

// DecodeData unmarshals an envelope payload into T.
func DecodeData[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("%w: %s has no data", ErrMalformed, env.Event)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return v, nil
}

// Command is an outbound server-to-node message.
type Command interface {
	// Name is the envelope event name.
	Name() string
}

// Marshal encodes a command into an envelope frame.
func Marshal(cmd Command) ([]byte, error) {
	return Encode(cmd.Name(), cmd)
}

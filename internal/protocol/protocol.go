// ABOUTME: Wire framing for the relay websocket protocol
// ABOUTME: Envelope encoding plus decoders for inbound (client) and outbound (server) events

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event type names as they appear on the wire.
const (
	TypeWidgetConnect   = "widget:connect"
	TypeAgentConnect    = "agent:connect"
	TypeMessageSend     = "message:send"
	TypeAgentReply      = "agent:reply"
	TypeVisitorIdentify = "visitor:identify"
	TypeTypingStart     = "typing:start"
	TypeTypingStop      = "typing:stop"

	TypeWidgetConnected     = "widget:connected"
	TypeAgentConnected      = "agent:connected"
	TypeMessageAck          = "message:ack"
	TypeMessageError        = "message:error"
	TypeMessageNew          = "message:new"
	TypeConversationNew     = "conversation:new"
	TypeConversationUpdated = "conversation:updated"
	TypeError               = "error"
)

var (
	// ErrMalformed is returned when a frame is not a valid envelope or its data does not match the type
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownEvent is returned for an envelope whose type is not part of the protocol
	ErrUnknownEvent = errors.New("unknown event type")
)

// Envelope is the unit written to and read from a websocket: {"type": ..., "data": {...}}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps an outbound event in an envelope.
func Encode(ev Outbound) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", ev.Type(), err)
	}
	return Envelope{Type: ev.Type(), Data: data}, nil
}

// MustEncode is Encode for events whose encoding cannot fail (plain structs of strings and numbers).
func MustEncode(ev Outbound) Envelope {
	env, err := Encode(ev)
	if err != nil {
		panic(err)
	}
	return env
}

// EncodeInbound wraps a client-side event in an envelope.
func EncodeInbound(ev Inbound) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", ev.Type(), err)
	}
	return Envelope{Type: ev.Type(), Data: data}, nil
}

// DecodeInbound parses a raw client frame into its typed event.
func DecodeInbound(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev Inbound
	switch env.Type {
	case TypeWidgetConnect:
		ev = &WidgetConnect{}
	case TypeAgentConnect:
		ev = &AgentConnect{}
	case TypeMessageSend:
		ev = &MessageSend{}
	case TypeAgentReply:
		ev = &AgentReply{}
	case TypeVisitorIdentify:
		ev = &VisitorIdentify{}
	case TypeTypingStart:
		ev = &Typing{Active: true}
	case TypeTypingStop:
		ev = &Typing{Active: false}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if err := unmarshalData(env.Data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return ev, nil
}

// DecodeOutbound parses a raw server frame into its typed event.
func DecodeOutbound(raw []byte) (Outbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev Outbound
	switch env.Type {
	case TypeWidgetConnected:
		ev = &WidgetConnected{}
	case TypeAgentConnected:
		ev = &AgentConnected{}
	case TypeMessageAck:
		ev = &MessageAck{}
	case TypeMessageError:
		ev = &MessageError{}
	case TypeMessageNew:
		ev = &MessageNew{}
	case TypeConversationNew:
		ev = &ConversationNew{}
	case TypeConversationUpdated:
		ev = &ConversationUpdated{}
	case TypeTypingStart:
		ev = &TypingNotice{Active: true}
	case TypeTypingStop:
		ev = &TypingNotice{Active: false}
	case TypeError:
		ev = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if err := unmarshalData(env.Data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return ev, nil
}

func unmarshalData(data json.RawMessage, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// Package protocol defines the envelope exchanged between a Runtime Host and
// the plugin code running inside its sandbox.
//
// Every message is stamped with the session token of the sandbox it belongs
// to. Message kinds form a closed set; Decode rejects anything else.
package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Kind is the envelope discriminator
type Kind string

const (
	KindProbe        Kind = "handshake:probe"
	KindHandshake    Kind = "handshake"
	KindRequest      Kind = "rpc:request"
	KindResponse     Kind = "rpc:response"
	KindHostRequest  Kind = "host:rpc"
	KindHostResponse Kind = "host:response"
	KindTelemetry    Kind = "telemetry"
	KindCrash        Kind = "sandbox:crash"
)

// Valid reports whether k is a known message kind
func (k Kind) Valid() bool {
	switch k {
	case KindProbe, KindHandshake, KindRequest, KindResponse,
		KindHostRequest, KindHostResponse, KindTelemetry, KindCrash:
		return true
	}
	return false
}

// Telemetry levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// PluginInfo identifies the plugin in a handshake probe
type PluginInfo struct {
	ID          string   `json:"id"`
	Version     string   `json:"version"`
	Permissions []string `json:"permissions"`
}

// Message is the tagged union of every envelope kind. Only the fields that
// belong to Type are meaningful.
type Message struct {
	Type  Kind   `json:"type"`
	Token string `json:"token"`

	// rpc:request, rpc:response, host:rpc, host:response
	RequestID string `json:"requestId,omitempty"`
	Method    string `json:"method,omitempty"`
	Args      any    `json:"args,omitempty"`
	OK        bool   `json:"ok,omitempty"`
	Result    any    `json:"result,omitempty"`
	Error     *Error `json:"error,omitempty"`

	// handshake:probe, handshake
	Methods      []string    `json:"methods,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	Plugin       *PluginInfo `json:"plugin,omitempty"`

	// telemetry, sandbox:crash
	Level  string `json:"level,omitempty"`
	Event  string `json:"event,omitempty"`
	Detail any    `json:"detail,omitempty"`
}

// ============================================================================
// Constructors
// ============================================================================

// NewProbe builds the handshake probe sent when a session starts
func NewProbe(token string, capabilities []string, plugin PluginInfo) Message {
	return Message{Type: KindProbe, Token: token, Capabilities: capabilities, Plugin: &plugin}
}

// NewHandshake builds the plugin's handshake reply
func NewHandshake(token string, methods, capabilities []string) Message {
	return Message{Type: KindHandshake, Token: token, Methods: methods, Capabilities: capabilities}
}

// NewRequest builds a host to plugin call
func NewRequest(token, requestID, method string, args any) Message {
	return Message{Type: KindRequest, Token: token, RequestID: requestID, Method: method, Args: args}
}

// NewHostRequest builds a plugin to host call
func NewHostRequest(token, requestID, method string, args any) Message {
	return Message{Type: KindHostRequest, Token: token, RequestID: requestID, Method: method, Args: args}
}

// NewResult builds a successful response of the given kind
func NewResult(kind Kind, token, requestID string, result any) Message {
	return Message{Type: kind, Token: token, RequestID: requestID, OK: true, Result: result}
}

// NewFailure builds a failed response of the given kind
func NewFailure(kind Kind, token, requestID string, err *Error) Message {
	return Message{Type: kind, Token: token, RequestID: requestID, Error: err}
}

// NewTelemetry builds a telemetry record
func NewTelemetry(token, level, event string, detail any) Message {
	return Message{Type: KindTelemetry, Token: token, Level: level, Event: event, Detail: detail}
}

// NewCrash builds a crash signal
func NewCrash(token string, detail any) Message {
	return Message{Type: KindCrash, Token: token, Detail: detail}
}

// ============================================================================
// Validation and codec
// ============================================================================

// Validate checks that the fields required by m.Type are present
func (m *Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	switch m.Type {
	case KindProbe:
		if m.Plugin == nil {
			return fmt.Errorf("%s: missing plugin", m.Type)
		}
	case KindRequest, KindHostRequest:
		if m.RequestID == "" {
			return fmt.Errorf("%s: missing requestId", m.Type)
		}
		if m.Method == "" {
			return fmt.Errorf("%s: missing method", m.Type)
		}
	case KindResponse, KindHostResponse:
		if m.RequestID == "" {
			return fmt.Errorf("%s: missing requestId", m.Type)
		}
	case KindTelemetry:
		if m.Event == "" {
			return fmt.Errorf("%s: missing event", m.Type)
		}
	}
	return nil
}

// Failure returns the error carried by a response. A response flagged as
// failed without an error body yields a generic plugin failure.
func (m *Message) Failure() *Error {
	if m.OK {
		return nil
	}
	if m.Error != nil {
		return m.Error
	}
	return Errorf(CodePluginFailure, "%s %s failed without detail", m.Type, m.RequestID)
}

// Encode serializes m as JSON
func Encode(m Message) ([]byte, error) {
	data, err := sonic.Marshal(&m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses and validates a JSON envelope
func Decode(data []byte) (Message, error) {
	var m Message
	if err := sonic.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

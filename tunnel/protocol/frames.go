// Package protocol defines the tagged frames exchanged on an instance's
// control channel and the protocol version negotiation.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mydia/relay/relayerrors"
)

// Type tags a control-channel frame.
type Type string

const (
	TypeHello          Type = "hello"
	TypeWelcome        Type = "welcome"
	TypeHeartbeat      Type = "heartbeat"
	TypeAck            Type = "ack"
	TypeForwardRequest Type = "forward_request"
	TypeResponse       Type = "response"
	TypeStreamChunk    Type = "stream_chunk"
	TypeStreamEnd      Type = "stream_end"
	TypeCancel         Type = "cancel"
	TypeError          Type = "error"
)

// Frame is the wire envelope. Exactly one body matching Type is set.
type Frame struct {
	Type Type `json:"type"`

	Hello          *Hello          `json:"hello,omitempty"`
	Welcome        *Welcome        `json:"welcome,omitempty"`
	Heartbeat      *Heartbeat      `json:"heartbeat,omitempty"`
	Ack            *Ack            `json:"ack,omitempty"`
	ForwardRequest *ForwardRequest `json:"forward_request,omitempty"`
	Response       *Response       `json:"response,omitempty"`
	StreamChunk    *StreamChunk    `json:"stream_chunk,omitempty"`
	StreamEnd      *StreamEnd      `json:"stream_end,omitempty"`
	Cancel         *Cancel         `json:"cancel,omitempty"`
	Error          *ErrorBody      `json:"error,omitempty"`
}

// Hello opens a control channel. Sent once, instance to relay.
type Hello struct {
	InstanceID        string   `json:"instance_id"`
	Token             string   `json:"token"`
	SupportedVersions []string `json:"supported_versions"`
}

// Welcome acknowledges a successful hello.
type Welcome struct {
	NegotiatedVersion string `json:"negotiated_version"`
	ServerTimeUnixS   int64  `json:"server_time_unix_s"`
}

// Heartbeat refreshes presence and optionally the advertised direct URLs.
type Heartbeat struct {
	DirectURLs []string `json:"direct_urls,omitempty"`
}

// Ack confirms a heartbeat.
type Ack struct{}

// ForwardRequest carries one client request to the instance.
type ForwardRequest struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Response carries the instance's reply for a forwarded request. Exactly one
// of Payload and Error is set.
type Response struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

// StreamChunk carries one ordered piece of a streamed response.
type StreamChunk struct {
	RequestID string `json:"request_id"`
	Seq       uint64 `json:"seq"`
	Data      []byte `json:"data"`
}

// StreamEnd terminates a streamed response.
type StreamEnd struct {
	RequestID string `json:"request_id"`
}

// Cancel tells the instance to abandon work for a forwarded request.
type Cancel struct {
	RequestID string `json:"request_id"`
}

// ErrorBody is the typed error carried in error frames and error responses.
type ErrorBody struct {
	Code              relayerrors.Code `json:"code"`
	Message           string           `json:"message,omitempty"`
	SupportedVersions []string         `json:"supported_versions,omitempty"`
}

// Constraints bounds untrusted frame input.
type Constraints struct {
	MaxFrameBytes   int
	MaxInstanceID   int
	MaxToken        int
	MaxPayloadBytes int
}

func DefaultConstraints() Constraints {
	return Constraints{
		MaxFrameBytes:   1 << 20,
		MaxInstanceID:   128,
		MaxToken:        2048,
		MaxPayloadBytes: 1 << 20,
	}
}

var (
	ErrFrameTooLarge     = errors.New("frame too large")
	ErrFrameInvalidJSON  = errors.New("frame invalid json")
	ErrFrameUnknownType  = errors.New("frame unknown type")
	ErrFrameBodyMismatch = errors.New("frame body missing or mismatched")
	ErrFrameMissingField = errors.New("frame missing required field")
)

// ParseFrame decodes and validates one control-channel frame.
func ParseFrame(b []byte, c Constraints) (*Frame, error) {
	if c.MaxFrameBytes > 0 && len(b) > c.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, ErrFrameInvalidJSON
	}
	if err := validate(&f, c); err != nil {
		return nil, err
	}
	return &f, nil
}

// Encode marshals a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

func validate(f *Frame, c Constraints) error {
	switch f.Type {
	case TypeHello:
		if f.Hello == nil {
			return ErrFrameBodyMismatch
		}
		if f.Hello.InstanceID == "" || f.Hello.Token == "" {
			return ErrFrameMissingField
		}
		if c.MaxInstanceID > 0 && len(f.Hello.InstanceID) > c.MaxInstanceID {
			return fmt.Errorf("instance_id too long: %w", ErrFrameMissingField)
		}
		if c.MaxToken > 0 && len(f.Hello.Token) > c.MaxToken {
			return fmt.Errorf("token too long: %w", ErrFrameMissingField)
		}
		if len(f.Hello.SupportedVersions) == 0 {
			return fmt.Errorf("supported_versions empty: %w", ErrFrameMissingField)
		}
	case TypeWelcome:
		if f.Welcome == nil {
			return ErrFrameBodyMismatch
		}
	case TypeHeartbeat:
		if f.Heartbeat == nil {
			f.Heartbeat = &Heartbeat{}
		}
	case TypeAck:
		if f.Ack == nil {
			f.Ack = &Ack{}
		}
	case TypeForwardRequest:
		if f.ForwardRequest == nil || f.ForwardRequest.RequestID == "" {
			return ErrFrameBodyMismatch
		}
		if c.MaxPayloadBytes > 0 && len(f.ForwardRequest.Payload) > c.MaxPayloadBytes {
			return ErrFrameTooLarge
		}
	case TypeResponse:
		if f.Response == nil || f.Response.RequestID == "" {
			return ErrFrameBodyMismatch
		}
		if c.MaxPayloadBytes > 0 && len(f.Response.Payload) > c.MaxPayloadBytes {
			return ErrFrameTooLarge
		}
	case TypeStreamChunk:
		if f.StreamChunk == nil || f.StreamChunk.RequestID == "" {
			return ErrFrameBodyMismatch
		}
		if c.MaxPayloadBytes > 0 && len(f.StreamChunk.Data) > c.MaxPayloadBytes {
			return ErrFrameTooLarge
		}
	case TypeStreamEnd:
		if f.StreamEnd == nil || f.StreamEnd.RequestID == "" {
			return ErrFrameBodyMismatch
		}
	case TypeCancel:
		if f.Cancel == nil || f.Cancel.RequestID == "" {
			return ErrFrameBodyMismatch
		}
	case TypeError:
		if f.Error == nil || f.Error.Code == "" {
			return ErrFrameBodyMismatch
		}
	default:
		return ErrFrameUnknownType
	}
	return nil
}

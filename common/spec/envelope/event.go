// Package envelope defines the JSON frames exchanged with realtime clients
// and message-bus producers.
//
// Inbound frames are validated against an embedded JSON Schema before they
// are decoded, so malformed input is rejected with a precise error instead of
// reaching the orchestrator as an empty message.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Inbound frame types.
const (
	TypeMessage = "message"
	TypePing    = "ping"
)

// Outbound frame types.
const (
	TypeReply  = "reply"
	TypePong   = "pong"
	TypeError  = "error"
	TypeNotice = "notice"
)

// Error codes carried by error frames.
const (
	CodeBadRequest       = "bad_request"
	CodeGenerationFailed = "generation_failed"
	CodeRateLimited      = "rate_limited"
	CodeUnavailable      = "unavailable"
)

// ErrInvalid is returned when an inbound frame fails schema validation.
var ErrInvalid = errors.New("envelope: invalid frame")

const inboundSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type":    {"type": "string", "enum": ["message", "ping"]},
    "content": {"type": "string", "maxLength": 65536},
    "session": {"type": "string", "maxLength": 256},
    "ts":      {"type": "string", "format": "date-time"}
  },
  "if":   {"properties": {"type": {"const": "message"}}},
  "then": {"required": ["content"], "properties": {"content": {"minLength": 1}}},
  "additionalProperties": false
}`

var schema = jsonschema.MustCompileString("kioku://envelope/inbound.json", inboundSchema)

// Inbound is a frame sent by a client or producer.
type Inbound struct {
	// Type is "message" or "ping".
	Type string `json:"type"`

	// Content is the user text. Required for messages.
	Content string `json:"content,omitempty"`

	// Session optionally overrides the session key of the carrying
	// connection or subject.
	Session string `json:"session,omitempty"`

	// TS is the producer timestamp. Zero means "use the receive time".
	TS time.Time `json:"ts,omitempty"`
}

// Outbound is a frame sent back to a client.
type Outbound struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	SessionKey   string `json:"session,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`
	Generation   uint64 `json:"generation,omitempty"`
	Source       string `json:"source,omitempty"`
	Sentiment    string `json:"sentiment,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
	Consolidated bool   `json:"consolidated,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
}

// LooksLikeJSON reports whether data should be treated as a JSON frame
// rather than plain text.
func LooksLikeJSON(data []byte) bool {
	s := strings.TrimSpace(string(data))
	return strings.HasPrefix(s, "{")
}

// ParseInbound validates data against the inbound schema and decodes it.
func ParseInbound(data []byte) (*Inbound, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(raw); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, fmt.Errorf("%w: %s", ErrInvalid, ve.Error())
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return &in, nil
}

// ErrorFrame builds an error frame.
func ErrorFrame(code, message string) Outbound {
	return Outbound{Type: TypeError, Code: code, Message: message}
}

// Encode serialises an outbound frame.
func Encode(out Outbound) ([]byte, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("envelope encode: %w", err)
	}
	return data, nil
}

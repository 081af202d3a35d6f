package envelope

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

var defaultMapType = reflect.TypeOf(map[string]any(nil))

// ErrMalformed marks byte streams that cannot be decoded into a valid
// envelope. The transport layer logs and drops these; they must never
// crash a dispatch loop.
var ErrMalformed = errors.New("malformed envelope")

type Type uint8

const (
	TypeText Type = iota + 1
	TypeEvent
	TypeToolCall
	TypeToolResult
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeEvent:
		return "event"
	case TypeToolCall:
		return "tool_call"
	case TypeToolResult:
		return "tool_result"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Envelope is the unit of transport on the bus. Fields carry integer
// CBOR keys so the wire format stays stable as fields are added; older
// decoders ignore keys they do not know.
type Envelope struct {
	ID            string             `cbor:"1,keyasint" json:"id"`
	Timestamp     time.Time          `cbor:"2,keyasint" json:"timestamp"`
	SourceAgentID string             `cbor:"3,keyasint" json:"source_agent_id"`
	TeamID        string             `cbor:"4,keyasint" json:"team_id"`
	TraceID       string             `cbor:"5,keyasint" json:"trace_id"`
	Type          Type               `cbor:"6,keyasint" json:"type"`
	Text          *TextPayload       `cbor:"7,keyasint,omitempty" json:"text,omitempty"`
	Event         *EventPayload      `cbor:"8,keyasint,omitempty" json:"event,omitempty"`
	ToolCall      *ToolCallPayload   `cbor:"9,keyasint,omitempty" json:"tool_call,omitempty"`
	ToolResult    *ToolResultPayload `cbor:"10,keyasint,omitempty" json:"tool_result,omitempty"`
	Context       map[string]any     `cbor:"11,keyasint,omitempty" json:"context,omitempty"`
}

type TextPayload struct {
	Content     string `cbor:"1,keyasint" json:"content"`
	RecipientID string `cbor:"2,keyasint,omitempty" json:"recipient_id,omitempty"`
	Intent      string `cbor:"3,keyasint,omitempty" json:"intent,omitempty"`
}

type EventPayload struct {
	EventType string         `cbor:"1,keyasint" json:"event_type"`
	Data      map[string]any `cbor:"2,keyasint,omitempty" json:"data,omitempty"`
	StreamID  string         `cbor:"3,keyasint,omitempty" json:"stream_id,omitempty"`
}

type ToolCallPayload struct {
	ToolName  string         `cbor:"1,keyasint" json:"tool_name"`
	Arguments map[string]any `cbor:"2,keyasint,omitempty" json:"arguments,omitempty"`
	CallID    string         `cbor:"3,keyasint" json:"call_id"`
}

type ToolResultPayload struct {
	CallID  string `cbor:"1,keyasint" json:"call_id"`
	Result  any    `cbor:"2,keyasint,omitempty" json:"result,omitempty"`
	IsError bool   `cbor:"3,keyasint,omitempty" json:"is_error,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding: the same envelope always produces
	// identical bytes, which keeps dedup by content possible downstream.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("envelope: cbor encoder init: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Context and event data decode into map[string]any, not the
		// CBOR default map[any]any, so they stay compatible with
		// encoding/json on the HTTP surfaces.
		DefaultMapType: defaultMapType,
	}.DecMode()
	if err != nil {
		panic("envelope: cbor decoder init: " + err.Error())
	}
}

// Encode serializes the envelope after validating that the populated
// payload variant matches its declared type.
func Encode(env *Envelope) ([]byte, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode deserializes an envelope, returning ErrMalformed for byte
// streams that do not parse or whose type and payload disagree.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the type discriminant against the populated payload
// variant. Exactly one variant must be set and it must match Type.
func (e *Envelope) Validate() error {
	var set int
	for _, p := range []bool{e.Text != nil, e.Event != nil, e.ToolCall != nil, e.ToolResult != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: %d payload variants set", ErrMalformed, set)
	}

	ok := false
	switch e.Type {
	case TypeText:
		ok = e.Text != nil
	case TypeEvent:
		ok = e.Event != nil
	case TypeToolCall:
		ok = e.ToolCall != nil
	case TypeToolResult:
		ok = e.ToolResult != nil
	}
	if !ok {
		return fmt.Errorf("%w: type %s does not match payload", ErrMalformed, e.Type)
	}
	return nil
}

// NewText builds a TEXT envelope with a fresh id and trace id. Pass a
// non-empty traceID to propagate an existing correlation chain.
func NewText(sourceAgent, team, content, recipient, intent, traceID string, ctx map[string]any) *Envelope {
	env := newEnvelope(sourceAgent, team, traceID, ctx)
	env.Type = TypeText
	env.Text = &TextPayload{Content: content, RecipientID: recipient, Intent: intent}
	return env
}

func NewEvent(sourceAgent, team, eventType string, data map[string]any, streamID, traceID string, ctx map[string]any) *Envelope {
	env := newEnvelope(sourceAgent, team, traceID, ctx)
	env.Type = TypeEvent
	env.Event = &EventPayload{EventType: eventType, Data: data, StreamID: streamID}
	return env
}

func NewToolCall(sourceAgent, team, toolName string, args map[string]any, callID string) *Envelope {
	env := newEnvelope(sourceAgent, team, "", nil)
	env.Type = TypeToolCall
	env.ToolCall = &ToolCallPayload{ToolName: toolName, Arguments: args, CallID: callID}
	return env
}

func NewToolResult(sourceAgent, team, callID string, result any, isError bool) *Envelope {
	env := newEnvelope(sourceAgent, team, "", nil)
	env.Type = TypeToolResult
	env.ToolResult = &ToolResultPayload{CallID: callID, Result: result, IsError: isError}
	return env
}

func newEnvelope(sourceAgent, team, traceID string, ctx map[string]any) *Envelope {
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return &Envelope{
		ID:            "msg-" + uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		SourceAgentID: sourceAgent,
		TeamID:        team,
		TraceID:       traceID,
		Context:       ctx,
	}
}

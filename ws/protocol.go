package ws

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Wire error strings sent back to the offending connection.
const (
	ErrTextInvalidJSON     = "Invalid JSON"
	ErrTextMustIdentify    = "Must identify first"
	ErrTextInvalidIdentify = "Invalid identify frame"
	ErrTextAlreadyIdent    = "Already identified"
	ErrTextIdentityTaken   = "Agent ID already connected"
	ErrTextInvalidMessage  = "Invalid message format"
	ErrTextSpoofed         = "Spoofed identity detected"
	ErrTextDeliveryFailed  = "Delivery failed"
	ReasonTargetOffline    = "Target offline"
)

// Envelope is the unit of routing between identities. The hub never
// rewrites an envelope; it forwards the bytes it validated.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	EventType string          `json:"eventType"`
	// Timestamp is milliseconds since the epoch; any JSON number is accepted.
	Timestamp float64         `json:"timestamp,omitempty"`
	ThreadID  string          `json:"threadId,omitempty"`
	InReplyTo string          `json:"inReplyTo,omitempty"`
	ReturnTo  string          `json:"returnTo,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Destination is where replies to this envelope belong: returnTo when set,
// otherwise the sender.
func (e Envelope) Destination() string {
	if e.ReturnTo != "" {
		return e.ReturnTo
	}
	return e.From
}

// PayloadString returns the payload when it is a JSON string.
func (e Envelope) PayloadString() (string, bool) {
	if len(e.Payload) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err != nil {
		return "", false
	}
	return s, true
}

// IdentifyFrame is the first frame every connection must send.
type IdentifyFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// NewIdentifyFrame builds the identify frame for id.
func NewIdentifyFrame(id string) IdentifyFrame {
	return IdentifyFrame{Type: "identify", ID: id}
}

// ErrorReply is sent by the hub to a connection that violated the protocol
// or whose envelope could not be delivered.
type ErrorReply struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
	Target  string `json:"target,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Issue is a single schema violation.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// FrameError is a protocol violation that maps directly to an ErrorReply.
type FrameError struct {
	Reply ErrorReply
}

func (e *FrameError) Error() string {
	if e.Reply.Details != nil {
		return fmt.Sprintf("%s: %v", e.Reply.Error, e.Reply.Details)
	}
	return e.Reply.Error
}

func frameErr(text string, details any) *FrameError {
	return &FrameError{Reply: ErrorReply{Error: text, Details: details}}
}

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	FrameIdentify FrameKind = iota
	FrameEnvelope
)

// Frame is a decoded inbound frame.
type Frame struct {
	Kind     FrameKind
	Identity string
	Envelope Envelope
	Raw      []byte
}

// DecodeFrame recognises identify frames; everything else is handed back as
// an unvalidated envelope candidate.
func DecodeFrame(data []byte) (Frame, *FrameError) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Frame{}, frameErr(ErrTextInvalidJSON, nil)
	}

	var typ string
	if raw, ok := fields["type"]; ok && json.Unmarshal(raw, &typ) == nil && typ == "identify" {
		var id string
		if raw, ok := fields["id"]; ok && json.Unmarshal(raw, &id) == nil {
			if id == "" {
				return Frame{}, frameErr(ErrTextInvalidIdentify, "id must be a non-empty string")
			}
			return Frame{Kind: FrameIdentify, Identity: id, Raw: data}, nil
		}
	}
	return Frame{Kind: FrameEnvelope, Raw: data}, nil
}

// ParseEnvelope validates data against the envelope schema.
func ParseEnvelope(data []byte) (Envelope, *FrameError) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return Envelope{}, frameErr(ErrTextInvalidJSON, nil)
	}

	var issues []Issue
	for _, name := range []string{"from", "to", "eventType"} {
		if msg := checkString(fields, name, true); msg != "" {
			issues = append(issues, Issue{Path: name, Message: msg})
		}
	}
	for _, name := range []string{"threadId", "inReplyTo", "returnTo"} {
		if msg := checkString(fields, name, false); msg != "" {
			issues = append(issues, Issue{Path: name, Message: msg})
		}
	}
	if msg := checkString(fields, "id", false); msg != "" {
		issues = append(issues, Issue{Path: "id", Message: msg})
	} else if raw, ok := fields["id"]; ok && !isNull(raw) {
		var id string
		_ = json.Unmarshal(raw, &id)
		if _, err := uuid.Parse(id); err != nil {
			issues = append(issues, Issue{Path: "id", Message: "Invalid uuid"})
		}
	}
	if raw, ok := fields["timestamp"]; ok && !isNull(raw) {
		var n float64
		if err := json.Unmarshal(raw, &n); err != nil {
			issues = append(issues, Issue{Path: "timestamp", Message: "Expected number"})
		}
	}
	if len(issues) > 0 {
		sort.SliceStable(issues, func(i, j int) bool { return issues[i].Path < issues[j].Path })
		return Envelope{}, frameErr(ErrTextInvalidMessage, issues)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, frameErr(ErrTextInvalidMessage, []Issue{{Path: "", Message: err.Error()}})
	}
	return env, nil
}

func checkString(fields map[string]json.RawMessage, name string, required bool) string {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		if required {
			return "Required"
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "Expected string"
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

package bridge

import (
	"encoding/json"
	"strings"

	"github.com/nicebartender/aiteam/ws"
)

// LeadID is the identity of the operator console.
const LeadID = "lead"

// Event types a bridge accepts from the hub.
const (
	EventPrompt   = "prompt"
	EventDelegate = "delegate"
	EventRaw      = "raw"
	EventRPC      = "rpc"
)

// Request is a hub envelope a bridge has agreed to act on.
type Request struct {
	EnvelopeID string
	From       string
	ReplyTo    string
	EventType  string
	// Text is the prompt text for prompt and delegate requests.
	Text string
	// Raw is the payload for raw and rpc requests, written through unchanged.
	Raw json.RawMessage
}

// IsRaw reports whether the payload is forwarded to the agent as-is.
func (r Request) IsRaw() bool {
	return r.EventType == EventRaw || r.EventType == EventRPC
}

// ParseRequest turns an inbound envelope into a Request. Envelopes with an
// unhandled event type or an empty payload are ignored.
func ParseRequest(env ws.Envelope, accept ...string) (Request, bool) {
	if !accepts(env.EventType, accept) || emptyPayload(env.Payload) {
		return Request{}, false
	}

	req := Request{
		EnvelopeID: env.ID,
		From:       env.From,
		ReplyTo:    env.Destination(),
		EventType:  env.EventType,
	}
	switch env.EventType {
	case EventPrompt, EventDelegate:
		if s, ok := env.PayloadString(); ok {
			req.Text = s
		} else {
			req.Text = string(env.Payload)
		}
	default:
		req.Raw = env.Payload
	}
	return req, true
}

func accepts(eventType string, accept []string) bool {
	if len(accept) == 0 {
		accept = []string{EventPrompt, EventDelegate, EventRaw}
	}
	for _, a := range accept {
		if a == eventType {
			return true
		}
	}
	return false
}

func emptyPayload(p json.RawMessage) bool {
	switch strings.TrimSpace(string(p)) {
	case "", "null", `""`, "false", "0":
		return true
	}
	return false
}

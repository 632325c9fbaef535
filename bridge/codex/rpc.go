package codex

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// message is any JSON-RPC frame read from or written to the app server.
type message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Kind classifies an app-server frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindResponse
	KindNotification
	KindRequest
)

// EventType is the hub event type used when forwarding a frame of this kind.
func (k Kind) EventType() string {
	switch k {
	case KindResponse:
		return "rpc_response"
	case KindNotification:
		return "rpc_notification"
	case KindRequest:
		return "rpc_request"
	}
	return ""
}

// classify: id without method is a response, method without id a
// notification, both a server-initiated request.
func (m message) classify() Kind {
	hasID := idKey(m.ID) != ""
	switch {
	case hasID && m.Method == "":
		return KindResponse
	case !hasID && m.Method != "":
		return KindNotification
	case hasID && m.Method != "":
		return KindRequest
	}
	return KindInvalid
}

// idKey normalises a JSON-RPC id (string or number) to a map key.
func idKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// payloadID extracts the id of a passthrough payload, if any.
func payloadID(raw json.RawMessage) string {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Method == "" {
		return ""
	}
	return idKey(probe.ID)
}

type threadStartResult struct {
	Thread *struct {
		ID string `json:"id"`
	} `json:"thread"`
	ThreadID string `json:"threadId"`
}

func (r threadStartResult) id() string {
	if r.Thread != nil && r.Thread.ID != "" {
		return r.Thread.ID
	}
	return r.ThreadID
}

type turnRef struct {
	TurnID string `json:"turnId"`
	Turn   *struct {
		ID string `json:"id"`
	} `json:"turn"`
}

func (r turnRef) id() string {
	if r.TurnID != "" {
		return r.TurnID
	}
	if r.Turn != nil {
		return r.Turn.ID
	}
	return ""
}

type itemParams struct {
	Item *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// agentMessageText returns the text of a completed agent message item.
func agentMessageText(params json.RawMessage) string {
	var p itemParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		return ""
	}
	if p.Item.Type != "agentMessage" && p.Item.Type != "agent_message" {
		return ""
	}
	return p.Item.Text
}

func errorText(e *rpcError) string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return "error code " + strconv.Itoa(e.Code)
}

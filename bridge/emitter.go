package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/nicebartender/aiteam/ws"
)

// Outbox delivers envelopes to the hub. *HubConn satisfies it.
type Outbox interface {
	Send(env ws.Envelope) error
}

// ErrorPayload is the payload of an error envelope a bridge sends when the
// native agent could not produce a reply.
type ErrorPayload struct {
	Error      string `json:"error"`
	Reason     string `json:"reason,omitempty"`
	Target     string `json:"target,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	StdoutTail string `json:"stdoutTail,omitempty"`
	StderrTail string `json:"stderrTail,omitempty"`
}

// Emitter stamps envelopes on behalf of one agent identity and sends them.
type Emitter struct {
	id     string
	out    Outbox
	logger *slog.Logger
	now    func() time.Time
}

func NewEmitter(id string, out Outbox, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{id: id, out: out, logger: logger, now: time.Now}
}

func (e *Emitter) ID() string { return e.id }

// Stamp builds an outgoing envelope: fresh id, from and returnTo set to this
// agent, millisecond timestamp.
func (e *Emitter) Stamp(to, eventType string, payload any) (ws.Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return ws.Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return ws.Envelope{
		ID:        uuid.NewString(),
		From:      e.id,
		To:        to,
		EventType: eventType,
		ReturnTo:  e.id,
		Timestamp: float64(e.now().UnixMilli()),
		Payload:   raw,
	}, nil
}

// Emit stamps and sends. Failures are logged; a bridge never stops because
// one reply could not be sent.
func (e *Emitter) Emit(to, eventType string, payload any) {
	env, err := e.Stamp(to, eventType, payload)
	if err != nil {
		e.logger.Error("failed to build envelope", "to", to, "eventType", eventType, "err", err)
		return
	}
	if err := e.out.Send(env); err != nil {
		e.logger.Warn("failed to send envelope", "to", to, "eventType", eventType, "err", err)
	}
}

// EmitDelegation sends a delegate envelope for d.
func (e *Emitter) EmitDelegation(d Delegation) {
	e.logger.Info("intercepted delegation", "to", d.To)
	e.Emit(d.To, EventDelegate, d.Task)
}

func (e *Emitter) EmitError(to string, p ErrorPayload) {
	e.Emit(to, "error", p)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Tail returns at most max trailing bytes of s, cut on a rune boundary.
func Tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := len(s) - max
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

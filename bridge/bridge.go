// Package bridge connects native coding agents to the hub. Each agent
// variant lives in its own subpackage and shares the hub connection,
// correlation, delegation and prompt handling defined here.
package bridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nicebartender/aiteam/ws"
)

var ErrStopped = errors.New("bridge stopped")

// Agent is a bridge variant driven by hub envelopes.
type Agent interface {
	// Handle acts on one envelope routed to this agent. It must not block
	// on the native process.
	Handle(env ws.Envelope)
	// Stop terminates the native process. It is safe to call more than once.
	Stop()
}

// Serve feeds envelopes from conn to agent until the hub connection closes or
// ctx is cancelled, then stops the agent.
func Serve(ctx context.Context, conn *HubConn, agent Agent, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	defer agent.Stop()

	return conn.Listen(ctx, func(in Inbound) {
		if in.Reply != nil {
			logger.Warn("hub rejected frame",
				"error", in.Reply.Error,
				"target", in.Reply.Target,
				"reason", in.Reply.Reason,
				"details", in.Reply.Details)
			return
		}
		agent.Handle(in.Envelope)
	})
}

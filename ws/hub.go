package ws

import (
	"context"
	"log/slog"

	"github.com/nicebartender/aiteam/db"
)

// Ledger persists routing decisions. *db.DB satisfies it.
type Ledger interface {
	RecordRoute(r db.Route) error
	RecentRoutes(limit int) ([]db.Route, error)
	PairCounts() ([]db.PairCount, error)
}

type inboundFrame struct {
	client *Client
	data   []byte
}

// Hub accepts identified connections and forwards envelopes between them.
// All registry mutations and routing decisions happen on the Run goroutine,
// so frames from one sender are forwarded in the order they were read.
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	done       chan struct{}

	registry *Registry
	stats    *routeStats
	ledger   Ledger
	logger   *slog.Logger
}

// NewHub creates a hub. ledger may be nil.
func NewHub(ledger Ledger, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame, 64),
		done:       make(chan struct{}),
		registry:   NewRegistry(),
		stats:      newRouteStats(),
		ledger:     ledger,
		logger:     logger.With("component", "hub"),
	}
}

// Run processes connection events until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			h.logger.Info("hub stopped")
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if h.clients[client] {
				h.drop(client)
			}

		case in := <-h.inbound:
			if h.clients[in.client] {
				h.handleFrame(in.client, in.data)
			}
		}
	}
}

// Register hands a freshly upgraded connection to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.closeSend()
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) deliverInbound(client *Client, data []byte) bool {
	select {
	case h.inbound <- inboundFrame{client: client, data: data}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	if id, ok := h.registry.Release(client); ok {
		h.logger.Info("agent disconnected", "identity", id)
	}
	client.closeSend()
}

// Status returns the connected identities and routing counters. When a
// ledger is configured and history > 0, the most recent routes and the
// ledger's lifetime pair totals are included.
func (h *Hub) Status(history int) Status {
	pairs, events := h.stats.snapshot()
	st := Status{
		Connected:   h.registry.Identities(),
		RoutePairs:  pairs,
		RouteEvents: events,
	}
	if history > 0 && h.ledger != nil {
		recent, err := h.ledger.RecentRoutes(history)
		if err != nil {
			h.logger.Warn("failed to read route ledger", "err", err)
		} else {
			st.Recent = recent
		}
		if totals, err := h.ledger.PairCounts(); err != nil {
			h.logger.Warn("failed to read route totals", "err", err)
		} else {
			st.LedgerPairs = totals
		}
	}
	return st
}

func (h *Hub) handleFrame(client *Client, data []byte) {
	frame, ferr := DecodeFrame(data)
	if ferr != nil {
		client.SendJSON(ferr.Reply)
		return
	}

	if frame.Kind == FrameIdentify {
		h.identify(client, frame.Identity)
		return
	}

	identity := client.Identity()
	if identity == "" {
		client.SendJSON(ErrorReply{Error: ErrTextMustIdentify})
		return
	}

	env, ferr := ParseEnvelope(data)
	if ferr != nil {
		h.logger.Debug("invalid envelope", "identity", identity, "err", ferr)
		client.SendJSON(ferr.Reply)
		return
	}

	if env.From != identity {
		h.logger.Warn("spoofed envelope rejected", "identity", identity, "claimed", env.From)
		client.SendJSON(ErrorReply{
			Error:   ErrTextSpoofed,
			Details: "You are identified as " + identity,
		})
		return
	}

	h.route(client, env, data)
}

func (h *Hub) identify(client *Client, id string) {
	if current := client.Identity(); current != "" {
		client.SendJSON(ErrorReply{
			Error:   ErrTextAlreadyIdent,
			Details: "You are identified as " + current,
		})
		return
	}

	if err := h.registry.Claim(id, client); err != nil {
		h.logger.Warn("duplicate identity refused", "identity", id)
		client.SendJSON(ErrorReply{Error: ErrTextIdentityTaken})
		client.closeSend()
		return
	}

	client.setIdentity(id)
	h.logger.Info("agent connected", "identity", id)
}

// route forwards the validated bytes unchanged. There is no retry and no
// buffering for offline targets.
func (h *Hub) route(sender *Client, env Envelope, data []byte) {
	target, ok := h.registry.Lookup(env.To)
	if ok && target.Enqueue(data) {
		h.stats.record(env.From, env.To, env.EventType)
		h.logger.Debug("routed", "from", env.From, "to", env.To, "eventType", env.EventType)
		h.recordRoute(env, db.OutcomeDelivered)
		return
	}

	h.logger.Warn("Target "+env.To+" not connected.", "from", env.From, "eventType", env.EventType)
	h.recordRoute(env, db.OutcomeOffline)
	sender.SendJSON(ErrorReply{
		Error:  ErrTextDeliveryFailed,
		Target: env.To,
		Reason: ReasonTargetOffline,
	})
}

func (h *Hub) recordRoute(env Envelope, outcome string) {
	if h.ledger == nil {
		return
	}
	err := h.ledger.RecordRoute(db.Route{
		EnvelopeID: env.ID,
		From:       env.From,
		To:         env.To,
		EventType:  env.EventType,
		Outcome:    outcome,
	})
	if err != nil {
		h.logger.Warn("failed to record route", "err", err)
	}
}

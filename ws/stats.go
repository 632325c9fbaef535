package ws

import (
	"sort"
	"sync"

	"github.com/nicebartender/aiteam/db"
)

// EventCount is the number of delivered envelopes of one event type.
type EventCount struct {
	EventType string `json:"eventType"`
	Count     int    `json:"count"`
}

// Status is a point-in-time view of the hub.
type Status struct {
	Connected   []string       `json:"connected"`
	RoutePairs  []db.PairCount `json:"routePairs"`
	RouteEvents []EventCount   `json:"routeEvents"`
	Recent      []db.Route     `json:"recent,omitempty"`
	// LedgerPairs spans every hub run recorded in the ledger.
	LedgerPairs []db.PairCount `json:"ledgerPairs,omitempty"`
}

// Count returns the delivered count for eventType.
func (s Status) Count(eventType string) int {
	for _, e := range s.RouteEvents {
		if e.EventType == eventType {
			return e.Count
		}
	}
	return 0
}

// IsConnected reports whether id was connected when the snapshot was taken.
func (s Status) IsConnected(id string) bool {
	for _, c := range s.Connected {
		if c == id {
			return true
		}
	}
	return false
}

type pairKey struct{ from, to string }

// routeStats counts delivered envelopes since the hub started.
type routeStats struct {
	mu     sync.Mutex
	pairs  map[pairKey]int
	events map[string]int
}

func newRouteStats() *routeStats {
	return &routeStats{
		pairs:  make(map[pairKey]int),
		events: make(map[string]int),
	}
}

func (s *routeStats) record(from, to, eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[pairKey{from, to}]++
	s.events[eventType]++
}

func (s *routeStats) snapshot() ([]db.PairCount, []EventCount) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairs := make([]db.PairCount, 0, len(s.pairs))
	for k, n := range s.pairs {
		pairs = append(pairs, db.PairCount{From: k.from, To: k.to, Count: n})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		if pairs[i].From != pairs[j].From {
			return pairs[i].From < pairs[j].From
		}
		return pairs[i].To < pairs[j].To
	})

	events := make([]EventCount, 0, len(s.events))
	for t, n := range s.events {
		events = append(events, EventCount{EventType: t, Count: n})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Count != events[j].Count {
			return events[i].Count > events[j].Count
		}
		return events[i].EventType < events[j].EventType
	})
	return pairs, events
}

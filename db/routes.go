package db

import (
	"fmt"
	"time"
)

const (
	OutcomeDelivered = "delivered"
	OutcomeOffline   = "offline"
)

// Route is one routing decision made by the hub.
type Route struct {
	Seq        int64     `json:"seq"`
	EnvelopeID string    `json:"envelopeId,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	EventType  string    `json:"eventType"`
	Outcome    string    `json:"outcome"`
	RoutedAt   time.Time `json:"routedAt"`
}

// PairCount is the number of delivered envelopes for one from->to pair.
type PairCount struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

func (db *DB) RecordRoute(r Route) error {
	if r.RoutedAt.IsZero() {
		r.RoutedAt = time.Now().UTC()
	}
	_, err := db.Exec(`
		INSERT INTO routes (envelope_id, from_id, to_id, event_type, outcome, routed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.EnvelopeID, r.From, r.To, r.EventType, r.Outcome, r.RoutedAt)
	if err != nil {
		return fmt.Errorf("record route: %w", err)
	}
	return nil
}

// RecentRoutes returns up to limit routes, oldest first.
func (db *DB) RecentRoutes(limit int) ([]Route, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	rows, err := db.Query(`
		SELECT seq, envelope_id, from_id, to_id, event_type, outcome, routed_at
		FROM routes ORDER BY seq DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var r Route
		if err := rows.Scan(&r.Seq, &r.EnvelopeID, &r.From, &r.To, &r.EventType, &r.Outcome, &r.RoutedAt); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
		routes[i], routes[j] = routes[j], routes[i]
	}
	return routes, nil
}

// PairCounts aggregates delivered routes per pair across the whole ledger.
func (db *DB) PairCounts() ([]PairCount, error) {
	rows, err := db.Query(`
		SELECT from_id, to_id, COUNT(*) FROM routes
		WHERE outcome = ?
		GROUP BY from_id, to_id
		ORDER BY COUNT(*) DESC, from_id, to_id
	`, OutcomeDelivered)
	if err != nil {
		return nil, fmt.Errorf("pair counts: %w", err)
	}
	defer rows.Close()

	var out []PairCount
	for rows.Next() {
		var p PairCount
		if err := rows.Scan(&p.From, &p.To, &p.Count); err != nil {
			return nil, fmt.Errorf("scan pair count: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

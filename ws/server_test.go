package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicebartender/aiteam/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLedger struct {
	mu     sync.Mutex
	routes []db.Route
}

func (l *memLedger) RecordRoute(r db.Route) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r.Seq = int64(len(l.routes) + 1)
	l.routes = append(l.routes, r)
	return nil
}

func (l *memLedger) RecentRoutes(limit int) ([]db.Route, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit > len(l.routes) {
		limit = len(l.routes)
	}
	return append([]db.Route(nil), l.routes[len(l.routes)-limit:]...), nil
}

func (l *memLedger) PairCounts() ([]db.PairCount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []db.PairCount
	for _, r := range l.routes {
		if r.Outcome == db.OutcomeDelivered {
			out = append(out, db.PairCount{From: r.From, To: r.To, Count: 1})
		}
	}
	return out, nil
}

func TestHealthAndStatusEndpoints(t *testing.T) {
	ledger := &memLedger{}
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(ledger, nil)
	go hub.Run(ctx)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	lead := connectAs(t, hub, url, "lead")
	connectAs(t, hub, url, "codex")
	require.NoError(t, lead.WriteJSON(Envelope{From: "lead", To: "codex", EventType: "prompt", Payload: json.RawMessage(`"hi"`)}))
	require.NoError(t, lead.WriteJSON(Envelope{From: "lead", To: "gemini", EventType: "prompt", Payload: json.RawMessage(`"hi"`)}))
	assert.Equal(t, "Delivery failed", readReply(t, lead)["error"])

	resp, err = http.Get(srv.URL + "/status?history=5")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, []string{"codex", "lead"}, st.Connected)
	assert.Equal(t, 1, st.Count("prompt"), "only delivered envelopes are counted")
	require.Len(t, st.Recent, 2)
	assert.Equal(t, db.OutcomeDelivered, st.Recent[0].Outcome)
	assert.Equal(t, db.OutcomeOffline, st.Recent[1].Outcome)
	assert.Equal(t, "gemini", st.Recent[1].To)
	assert.Equal(t, []db.PairCount{{From: "lead", To: "codex", Count: 1}}, st.LedgerPairs)

	bad, err := http.Get(srv.URL + "/status?history=-1")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestListenFallsBackWhenPortBusy(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	ln, fellBack, err := Listen(busy.Addr().String())
	require.NoError(t, err)
	defer ln.Close()
	assert.True(t, fellBack)
	assert.NotEqual(t, busy.Addr().String(), ln.Addr().String())

	free, fellBack, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	free.Close()
	assert.False(t, fellBack)
}

func TestServeStopsOnCancel(t *testing.T) {
	hub := NewHub(nil, nil)
	ln, _, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- hub.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

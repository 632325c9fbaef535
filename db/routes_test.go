package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestRecordAndRecentRoutes(t *testing.T) {
	database := openTestDB(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, database.RecordRoute(Route{From: "lead", To: "codex", EventType: "prompt", Outcome: OutcomeDelivered, RoutedAt: base}))
	require.NoError(t, database.RecordRoute(Route{From: "codex", To: "gemini", EventType: "delegate", Outcome: OutcomeOffline, RoutedAt: base.Add(time.Second)}))
	require.NoError(t, database.RecordRoute(Route{EnvelopeID: "abc", From: "codex", To: "lead", EventType: "rpc_notification", Outcome: OutcomeDelivered}))

	routes, err := database.RecentRoutes(2)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "gemini", routes[0].To)
	assert.Equal(t, OutcomeOffline, routes[0].Outcome)
	assert.Equal(t, "abc", routes[1].EnvelopeID)
	assert.False(t, routes[1].RoutedAt.IsZero())
}

func TestPairCountsOnlyDelivered(t *testing.T) {
	database := openTestDB(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, database.RecordRoute(Route{From: "lead", To: "codex", EventType: "prompt", Outcome: OutcomeDelivered}))
	}
	require.NoError(t, database.RecordRoute(Route{From: "codex", To: "claude", EventType: "delegate", Outcome: OutcomeDelivered}))
	require.NoError(t, database.RecordRoute(Route{From: "codex", To: "gemini", EventType: "delegate", Outcome: OutcomeOffline}))

	counts, err := database.PairCounts()
	require.NoError(t, err)
	assert.Equal(t, []PairCount{
		{From: "lead", To: "codex", Count: 3},
		{From: "codex", To: "claude", Count: 1},
	}, counts)
}

func TestPruneKeepsNewest(t *testing.T) {
	database := openTestDB(t)

	for _, to := range []string{"codex", "claude", "gemini", "codex"} {
		require.NoError(t, database.RecordRoute(Route{From: "lead", To: to, EventType: "prompt", Outcome: OutcomeDelivered}))
	}

	pruned, err := database.Prune(2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pruned)

	routes, err := database.RecentRoutes(10)
	require.NoError(t, err)
	require.Len(t, routes, 2)
	assert.Equal(t, "gemini", routes[0].To)
	assert.Equal(t, "codex", routes[1].To)

	pruned, err = database.Prune(2)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestOpenCreatesParentDir(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "nested", "dir", "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, database.Close())
}

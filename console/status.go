package console

import (
	"fmt"
	"strings"

	"github.com/nicebartender/aiteam/ws"
)

// StatusSource reports hub state. *ws.Hub satisfies it.
type StatusSource interface {
	Status(history int) ws.Status
}

// FormatStatus renders the /status block.
func FormatStatus(st ws.Status, main string, agents []string) string {
	pairs := "(none)"
	if len(st.RoutePairs) > 0 {
		parts := make([]string, 0, len(st.RoutePairs))
		for _, p := range st.RoutePairs {
			parts = append(parts, fmt.Sprintf("%s->%s=%d", p.From, p.To, p.Count))
		}
		pairs = strings.Join(parts, ", ")
	}

	lines := []string{
		"[status]",
		"- self(lead): connected",
		"- main: " + main,
	}
	for _, agent := range agents {
		state := "disconnected"
		if st.IsConnected(agent) {
			state = "connected"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", agent, state))
	}
	lines = append(lines,
		"- routed.pairs: "+pairs,
		fmt.Sprintf("- routed.prompt: %d", st.Count("prompt")),
		fmt.Sprintf("- routed.delegate: %d", st.Count("delegate")),
		`- communication: user plain text routes to main; AI delegates via "@<agent> <task>"`,
		"- note: routed.delegate counts AI-origin delegate events only",
	)
	for _, r := range st.Recent {
		lines = append(lines, fmt.Sprintf("- recent: %s %s->%s %s (%s)",
			r.RoutedAt.Format("15:04:05"), r.From, r.To, r.EventType, r.Outcome))
	}
	return strings.Join(lines, "\n")
}

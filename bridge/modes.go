package bridge

import (
	"fmt"
	"strings"
)

// Modes are prompt transforms applied before text reaches the agent.
type Modes struct {
	// Autonomous prepends collaboration instructions to prompts from lead.
	Autonomous bool
	// TextOnly prepends a no-tools instruction block to every prompt.
	TextOnly bool
}

// Apply wraps the request text for agentID. Raw requests are never wrapped.
func (m Modes) Apply(agentID string, req Request) string {
	text := req.Text
	if req.IsRaw() {
		return text
	}
	if m.Autonomous && req.From == LeadID {
		text = AutonomousPrompt(agentID, text)
	}
	if m.TextOnly {
		text = TextOnlyPrompt(agentID, text)
	}
	return text
}

func AutonomousPrompt(agentID, prompt string) string {
	return strings.Join([]string{
		fmt.Sprintf("[aiteam autonomy mode: %s]", agentID),
		"Prefer agent-to-agent collaboration before replying to lead.",
		"Delegate tasks with exactly one line: @<agent> <task>.",
		"Send progress updates only when blocked; otherwise send final synthesized result.",
		"",
		"Task:",
		prompt,
	}, "\n")
}

func TextOnlyPrompt(agentID, prompt string) string {
	return strings.Join([]string{
		fmt.Sprintf("[aiteam claude text-only mode: %s]", agentID),
		"Reply in plain text only.",
		"Do NOT use tools (Read, Write, Edit, MultiEdit, Bash, Glob, Grep).",
		"Do NOT access files or convert paths.",
		"",
		"Task:",
		prompt,
	}, "\n")
}

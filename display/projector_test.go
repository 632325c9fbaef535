package display

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProject(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"plain string", `"hello"`, "hello"},
		{"whitespace string", `"   \n"`, ""},
		{"ignored method", `{"method":"turn/started","params":{"turn":{"items":[{"type":"agentMessage","text":"x"}]}}}`, ""},
		{"token count", `{"method":"token_count","text":"12"}`, ""},
		{"error with details", `{"error":"Delivery failed","target":"gemini","reason":"Target offline"}`, "Delivery failed (target=gemini, Target offline)"},
		{"error with exit and timeout", `{"error":"Gemini timed out","exitCode":-1,"timedOut":true}`, "Gemini timed out (exit=-1, timedOut)"},
		{"bare error", `{"error":"Invalid JSON"}`, "Invalid JSON"},
		{"codex agent message", `{"method":"codex/event/agent_message","params":{"msg":{"type":"agent_message","message":"Done."}}}`, "Done."},
		{"codex item completed", `{"method":"codex/event/item_completed","params":{"msg":{"item":{"type":"AgentMessage","content":[{"type":"output_text","output_text":"A"},{"text":"B"}]}}}}`, "AB"},
		{"codex task complete", `{"method":"codex/event/task_complete","params":{"event":{"type":"task_complete","last_agent_message":"All set"}}}`, "All set"},
		{"codex warning suppressed", `{"method":"codex/event/warning","params":{"msg":{"type":"warning","message":"careful"}}}`, ""},
		{"claude assistant", `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Hi "},{"type":"tool_use","name":"Read"},{"type":"text","text":"there"}]}}`, "Hi there"},
		{"claude tool use only", `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","name":"Bash"}]}}`, ""},
		{"message string", `{"message":"note"}`, "note"},
		{"result string", `{"type":"result","result":"final"}`, "final"},
		{"result output_text", `{"id":1,"result":{"output_text":"out"}}`, "out"},
		{"result turn items", `{"id":1,"result":{"turn":{"items":[{"role":"user","text":"q"},{"role":"assistant","text":"a"}]}}}`, "a"},
		{"initialize response", `{"id":"x","result":{"userAgent":"codex"}}`, ""},
		{"item completed notification", `{"method":"item/completed","params":{"item":{"type":"agentMessage","text":"v2 text"}}}`, "v2 text"},
		{"user item ignored", `{"method":"item/completed","params":{"item":{"type":"userMessage","text":"prompt echo"}}}`, ""},
		{"turn completed", `{"method":"turn/completed","params":{"turn":{"output":[{"type":"agent_message","message":"done"}]}}}`, "done"},
		{"params event", `{"method":"x","params":{"event":{"last_agent_message":"last"}}}`, "last"},
		{"text field", `{"text":"t"}`, "t"},
		{"content parts", `{"content":["a",{"text":"b"},{"output_text":"c"},7]}`, "abc"},
		{"number payload", `42`, ""},
		{"array payload", `["x"]`, ""},
		{"delta telemetry", `{"method":"item/agentMessage/delta","params":{"delta":"partial"}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, ok := Project("codex", json.RawMessage(tt.payload))
			if tt.want == "" {
				assert.False(t, ok, "got %q", line.Text)
				return
			}
			assert.True(t, ok)
			assert.Equal(t, Line{From: "codex", Text: tt.want}, line)
		})
	}
}

func TestProjectRequiresSenderAndPayload(t *testing.T) {
	_, ok := Project("", json.RawMessage(`"hi"`))
	assert.False(t, ok)
	_, ok = Project("codex", nil)
	assert.False(t, ok)
	_, ok = Project("codex", json.RawMessage(`{bad`))
	assert.False(t, ok)
}

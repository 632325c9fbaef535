package claude

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nicebartender/aiteam/bridge"
	"github.com/nicebartender/aiteam/bridge/bridgetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	idA = "1b4e28ba-2fa1-11d2-883f-0016d3cca427"
	idB = "6fa459ea-ee8a-3ca4-894e-db77e160355e"
)

func newTestBridge(t *testing.T, opts Options) (*Bridge, *bridgetest.Outbox, *bridgetest.Launcher) {
	t.Helper()
	out := bridgetest.NewOutbox()
	launcher := bridgetest.NewLauncher()
	b := New(context.Background(), out, launcher.Launch, opts, nil)
	t.Cleanup(b.Stop)
	return b, out, launcher
}

func assistantLine(text string) map[string]any {
	return map[string]any{
		"type": "assistant",
		"message": map[string]any{
			"role":    "assistant",
			"content": []any{map[string]any{"type": "text", "text": text}},
		},
	}
}

func TestNativeCommand(t *testing.T) {
	cmd := Options{PermissionMode: "  plan "}.NativeCommand()
	assert.Equal(t, "claude", cmd.Path)
	assert.Equal(t, []string{
		"--print", "--verbose", "--input-format=stream-json", "--output-format=stream-json",
		"--permission-mode", "plan", "--disallowedTools", "Bash",
	}, cmd.Args)

	cmd = Options{AllowBash: true}.NativeCommand()
	assert.Equal(t, []string{
		"--print", "--verbose", "--input-format=stream-json", "--output-format=stream-json",
		"--permission-mode", "bypassPermissions",
	}, cmd.Args)
}

func TestLazySpawnAndPromptWrapping(t *testing.T) {
	b, _, launcher := newTestBridge(t, Options{Modes: bridge.Modes{Autonomous: true}})
	assert.Equal(t, StateStopped, b.State())
	assert.Empty(t, launcher.Commands())

	b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, idA, "review main.go"))
	proc := launcher.Next(t)
	assert.Equal(t, StateRunning, b.State())

	msg := proc.NextJSON(t)
	assert.Equal(t, "user", msg["type"])
	inner := msg["message"].(map[string]any)
	assert.Equal(t, "user", inner["role"])
	assert.Equal(t, bridge.AutonomousPrompt("claude", "review main.go"), inner["content"])

	// Peer prompts are not wrapped, and the running process is reused.
	b.Handle(bridgetest.Envelope("codex", "claude", bridge.EventDelegate, idB, "check types"))
	msg = proc.NextJSON(t)
	assert.Equal(t, "check types", msg["message"].(map[string]any)["content"])
	assert.Len(t, launcher.Commands(), 1)
}

func TestRoutesEventsToRequesterUntilResult(t *testing.T) {
	b, out, launcher := newTestBridge(t, Options{})

	env := bridgetest.Envelope("codex", "claude", bridge.EventDelegate, idA, "summarise")
	env.ReturnTo = "codex"
	b.Handle(env)
	proc := launcher.Next(t)
	proc.NextLine(t)

	proc.EmitJSON(t, assistantLine("Here is the summary."))
	got := out.Next(t)
	assert.Equal(t, "codex", got.To)
	assert.Equal(t, "assistant", got.EventType)
	assert.Equal(t, "claude", got.From)
	assert.Equal(t, "claude", got.ReturnTo)

	proc.EmitJSON(t, map[string]any{"type": "result", "result": "Here is the summary."})
	got = out.Next(t)
	assert.Equal(t, "codex", got.To)
	assert.Equal(t, "result", got.EventType)

	// Bookkeeping was cleared by the result; stray output goes to lead.
	proc.EmitJSON(t, map[string]any{"subtype": "init"})
	got = out.Next(t)
	assert.Equal(t, bridge.LeadID, got.To)
	assert.Equal(t, "claude_event", got.EventType)
}

func TestDelegationIntercepted(t *testing.T) {
	b, out, launcher := newTestBridge(t, Options{})
	b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, idA, "make a logo"))
	proc := launcher.Next(t)
	proc.NextLine(t)

	proc.EmitJSON(t, assistantLine("I'll ask for help.\n@gemini generate a logo.png for aiteam"))
	got := out.Next(t)
	assert.Equal(t, "gemini", got.To)
	assert.Equal(t, bridge.EventDelegate, got.EventType)
	assert.Equal(t, "generate a logo.png for aiteam", bridgetest.PayloadText(t, got))
	assert.Equal(t, "claude", got.ReturnTo)
}

func TestMalformedLineDropped(t *testing.T) {
	b, out, launcher := newTestBridge(t, Options{})
	b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, idA, "hi"))
	proc := launcher.Next(t)
	proc.NextLine(t)

	proc.Emit(t, "not json at all")
	proc.EmitJSON(t, assistantLine("hello"))
	got := out.Next(t)
	assert.Equal(t, "assistant", got.EventType)
	assert.Equal(t, StateRunning, b.State())
}

func TestRawPayloadWrittenUnchanged(t *testing.T) {
	b, _, launcher := newTestBridge(t, Options{Modes: bridge.Modes{Autonomous: true, TextOnly: true}})
	env := bridgetest.Envelope("lead", "claude", bridge.EventRaw, idA, "")
	env.Payload = []byte(`{"type": "user", "message": {"role": "user", "content": "verbatim"}}`)
	b.Handle(env)

	proc := launcher.Next(t)
	assert.JSONEq(t, `{"type":"user","message":{"role":"user","content":"verbatim"}}`, string(proc.NextLine(t)))
}

func TestRespawnAfterExit(t *testing.T) {
	b, out, launcher := newTestBridge(t, Options{})
	b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, idA, "one"))
	first := launcher.Next(t)
	first.NextLine(t)

	first.Exit(errors.New("exit status 1"))
	failure := out.Next(t)
	assert.Equal(t, bridge.LeadID, failure.To)
	assert.Equal(t, "error", failure.EventType)
	assert.Equal(t, "Claude process exited", bridgetest.PayloadMap(t, failure)["error"])
	require.Eventually(t, func() bool { return b.State() == StateExited }, time.Second, 5*time.Millisecond)

	b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, idB, "two"))
	second := launcher.Next(t)
	msg := second.NextJSON(t)
	assert.Equal(t, "two", msg["message"].(map[string]any)["content"])
	assert.Equal(t, StateRunning, b.State())
}

func TestSerializedTurns(t *testing.T) {
	b, out, launcher := newTestBridge(t, Options{Serialize: true})

	b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, idA, "first"))
	proc := launcher.Next(t)
	assert.Equal(t, "first", proc.NextJSON(t)["message"].(map[string]any)["content"])

	second := bridgetest.Envelope("codex", "claude", bridge.EventDelegate, idB, "second")
	b.Handle(second)
	proc.NoLine(t, 50*time.Millisecond)

	proc.EmitJSON(t, map[string]any{"type": "result", "result": "done"})
	assert.Equal(t, bridge.LeadID, out.Next(t).To)
	assert.Equal(t, "second", proc.NextJSON(t)["message"].(map[string]any)["content"])

	proc.EmitJSON(t, assistantLine("for codex"))
	assert.Equal(t, "codex", out.Next(t).To)
}

func TestStopKillsProcess(t *testing.T) {
	b, _, launcher := newTestBridge(t, Options{})
	b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, idA, "hi"))
	proc := launcher.Next(t)

	b.Stop()
	assert.True(t, proc.Exited())
	assert.Equal(t, StateStopped, b.State())

	b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, idB, "ignored"))
	assert.Len(t, launcher.Commands(), 1)
}

func TestHandleDoesNotBlockOnStalledStdin(t *testing.T) {
	b, _, launcher := newTestBridge(t, Options{})
	b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, idA, "one"))
	proc := launcher.Next(t)
	proc.NextLine(t)

	proc.PauseStdin()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, text := range []string{"two", "three", "four"} {
			b.Handle(bridgetest.Envelope("lead", "claude", bridge.EventPrompt, "", text))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		proc.ResumeStdin()
		t.Fatal("Handle blocked on native stdin")
	}
	assert.Equal(t, StateRunning, b.State())

	proc.ResumeStdin()
	for _, want := range []string{"two", "three", "four"} {
		assert.Equal(t, want, proc.NextJSON(t)["message"].(map[string]any)["content"])
	}
}

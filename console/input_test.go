package console

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseInput(t *testing.T) {
	tests := []struct {
		line string
		want Input
	}{
		{"", Input{Kind: InputEmpty}},
		{"   ", Input{Kind: InputEmpty}},
		{"exit", Input{Kind: InputExit}},
		{"  quit ", Input{Kind: InputExit}},
		{"/status", Input{Kind: InputStatus}},
		{"fix the build", Input{Kind: InputSend, Target: "codex", Payload: "fix the build"}},
		{"  padded  ", Input{Kind: InputSend, Target: "codex", Payload: "  padded  "}},
		{"@claude review this", Input{Kind: InputSend, Target: "claude", Payload: "review this"}},
		{"@gemini line one\nline two", Input{Kind: InputSend, Target: "gemini", Payload: "line one\nline two"}},
		{"@claude   ", Input{Kind: InputInvalid}},
		{"@claude", Input{Kind: InputInvalid}},
		{"@ hello", Input{Kind: InputInvalid}},
		{"email me@example.com", Input{Kind: InputSend, Target: "codex", Payload: "email me@example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseInput(tt.line, "codex"))
		})
	}
}

package ws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		issues []string
	}{
		{"minimal", `{"from":"a","to":"b","eventType":"prompt"}`, nil},
		{"full", `{"id":"7f9c4c1e-2f64-4c55-9a55-0a3b7d0c2d11","from":"a","to":"b","eventType":"prompt","timestamp":1700000000000,"threadId":"t","inReplyTo":"i","returnTo":"r","payload":[1,2]}`, nil},
		{"null optionals", `{"id":null,"from":"a","to":"b","eventType":"raw","returnTo":null}`, nil},
		{"missing required", `{"from":"a"}`, []string{"eventType", "to"}},
		{"wrong types", `{"from":1,"to":"b","eventType":true,"returnTo":5}`, []string{"eventType", "from", "returnTo"}},
		{"bad uuid", `{"id":"123","from":"a","to":"b","eventType":"prompt"}`, []string{"id"}},
		{"fractional timestamp", `{"from":"a","to":"b","eventType":"chat","timestamp":1712345678901.5,"payload":"hi"}`, nil},
		{"exponent timestamp", `{"from":"a","to":"b","eventType":"prompt","timestamp":1.7e12}`, nil},
		{"string timestamp", `{"from":"a","to":"b","eventType":"prompt","timestamp":"now"}`, []string{"timestamp"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, ferr := ParseEnvelope([]byte(tt.input))
			if tt.issues == nil {
				require.Nil(t, ferr)
				assert.Equal(t, "a", env.From)
				return
			}
			require.NotNil(t, ferr)
			assert.Equal(t, ErrTextInvalidMessage, ferr.Reply.Error)
			issues, ok := ferr.Reply.Details.([]Issue)
			require.True(t, ok)
			var paths []string
			for _, is := range issues {
				paths = append(paths, is.Path)
			}
			assert.Equal(t, tt.issues, paths)
		})
	}
}

func TestFractionalTimestampSurvivesRouting(t *testing.T) {
	env, ferr := ParseEnvelope([]byte(`{"from":"a","to":"b","eventType":"chat","timestamp":1712345678901.5}`))
	require.Nil(t, ferr)
	assert.Equal(t, 1712345678901.5, env.Timestamp)

	env, ferr = ParseEnvelope([]byte(`{"from":"a","to":"b","eventType":"chat","timestamp":1700000000000}`))
	require.Nil(t, ferr)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp":1700000000000`)
}

func TestDecodeFrame(t *testing.T) {
	f, ferr := DecodeFrame([]byte(`{"type":"identify","id":"codex"}`))
	require.Nil(t, ferr)
	assert.Equal(t, FrameIdentify, f.Kind)
	assert.Equal(t, "codex", f.Identity)

	_, ferr = DecodeFrame([]byte(`{"type":"identify","id":""}`))
	require.NotNil(t, ferr)
	assert.Equal(t, ErrTextInvalidIdentify, ferr.Reply.Error)

	f, ferr = DecodeFrame([]byte(`{"type":"identify","id":7}`))
	require.Nil(t, ferr)
	assert.Equal(t, FrameEnvelope, f.Kind)

	_, ferr = DecodeFrame([]byte(`[1,2`))
	require.NotNil(t, ferr)
	assert.Equal(t, ErrTextInvalidJSON, ferr.Reply.Error)
}

func TestEnvelopeDestination(t *testing.T) {
	assert.Equal(t, "lead", Envelope{From: "lead"}.Destination())
	assert.Equal(t, "claude", Envelope{From: "codex", ReturnTo: "claude"}.Destination())
}

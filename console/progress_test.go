package console

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProgress(t *testing.T) {
	p := NewProgress("codex", 5*time.Second)
	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	_, ok := p.Due()
	assert.False(t, ok, "nothing is due before the operator sends")

	p.Begin()
	line, ok := p.Due()
	assert.True(t, ok)
	assert.Equal(t, "[sys:0] waiting for codex...", line)

	p.Hidden()
	p.Hidden()
	_, ok = p.Due()
	assert.False(t, ok, "throttled")

	now = now.Add(5 * time.Second)
	line, ok = p.Due()
	assert.True(t, ok)
	assert.Equal(t, "[sys:2] waiting for codex...", line)

	now = now.Add(5 * time.Second)
	_, ok = p.Due()
	assert.False(t, ok, "unchanged count is not repeated")

	p.End()
	p.Hidden()
	now = now.Add(time.Minute)
	_, ok = p.Due()
	assert.False(t, ok)
}

func TestProgressDefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultProgressInterval, NewProgress("codex", 0).interval)
}

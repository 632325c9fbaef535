package display

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupeWindow(t *testing.T) {
	d := NewDedupe(600 * time.Millisecond)
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	line := Line{From: "claude", Text: "same"}
	assert.False(t, d.Seen(line))

	now = now.Add(300 * time.Millisecond)
	assert.True(t, d.Seen(line))
	assert.False(t, d.Seen(Line{From: "codex", Text: "same"}), "different sender is not a duplicate")

	// A repeat does not extend the window.
	now = now.Add(301 * time.Millisecond)
	assert.False(t, d.Seen(line))
}

func TestDedupeEvictsOldest(t *testing.T) {
	d := NewDedupe(time.Hour)
	d.maxSize = 2
	now := time.Unix(1000, 0)
	d.now = func() time.Time { return now }

	assert.False(t, d.Seen(Line{From: "a", Text: "1"}))
	assert.False(t, d.Seen(Line{From: "a", Text: "2"}))
	assert.False(t, d.Seen(Line{From: "a", Text: "3"}))
	assert.False(t, d.Seen(Line{From: "a", Text: "1"}), "evicted entry is new again")
	assert.True(t, d.Seen(Line{From: "a", Text: "3"}))
}

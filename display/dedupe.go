package display

import (
	"container/list"
	"sync"
	"time"
)

// DefaultDedupeWindow suppresses a repeat of the same line from the same
// sender arriving within this window.
const DefaultDedupeWindow = 600 * time.Millisecond

const defaultDedupeSize = 1024

type dedupeEntry struct {
	key  string
	seen time.Time
}

// Dedupe is a size-bounded window cache keyed on (from, text). Entries are
// kept in arrival order so expiry and eviction only touch the front.
type Dedupe struct {
	mu      sync.Mutex
	window  time.Duration
	maxSize int
	entries map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

func NewDedupe(window time.Duration) *Dedupe {
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	return &Dedupe{
		window:  window,
		maxSize: defaultDedupeSize,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

// Seen reports whether l repeats a line shown within the window. A new line
// is recorded; a repeat does not extend its window.
func (d *Dedupe) Seen(l Line) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.pruneLocked(now)

	key := l.From + "\x00" + l.Text
	if _, ok := d.entries[key]; ok {
		return true
	}

	if d.order.Len() >= d.maxSize {
		front := d.order.Front()
		d.order.Remove(front)
		delete(d.entries, front.Value.(*dedupeEntry).key)
	}
	d.entries[key] = d.order.PushBack(&dedupeEntry{key: key, seen: now})
	return false
}

func (d *Dedupe) pruneLocked(now time.Time) {
	for e := d.order.Front(); e != nil; {
		entry := e.Value.(*dedupeEntry)
		if now.Sub(entry.seen) <= d.window {
			return
		}
		next := e.Next()
		d.order.Remove(e)
		delete(d.entries, entry.key)
		e = next
	}
}

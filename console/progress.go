package console

import (
	"fmt"
	"sync"
	"time"
)

// DefaultProgressInterval is how often the waiting line may be repeated.
const DefaultProgressInterval = 5 * time.Second

// Progress counts hidden telemetry while the operator waits for a reply and
// decides when the "[sys:N] waiting for <main>..." line is due.
type Progress struct {
	mu       sync.Mutex
	main     string
	interval time.Duration
	now      func() time.Time

	waiting  bool
	hidden   int
	rendered int
	lastAt   time.Time
}

func NewProgress(main string, interval time.Duration) *Progress {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	return &Progress{main: main, interval: interval, now: time.Now}
}

// Begin starts a waiting period after the operator sends something.
func (p *Progress) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset(true)
}

// End closes the waiting period once a displayable message arrives.
func (p *Progress) End() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset(false)
}

func (p *Progress) reset(waiting bool) {
	p.waiting = waiting
	p.hidden = 0
	p.rendered = 0
	p.lastAt = time.Time{}
}

// Hidden counts one suppressed message.
func (p *Progress) Hidden() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hidden++
}

// Due returns the waiting line when one should be printed now. The line is
// throttled to the interval and not repeated for an unchanged non-zero count.
func (p *Progress) Due() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.waiting {
		return "", false
	}
	now := p.now()
	if !p.lastAt.IsZero() && now.Sub(p.lastAt) < p.interval {
		return "", false
	}
	if p.hidden > 0 && p.hidden == p.rendered {
		return "", false
	}
	p.lastAt = now
	p.rendered = p.hidden
	return fmt.Sprintf("[sys:%d] waiting for %s...", p.hidden, p.main), true
}

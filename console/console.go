// Package console is the operator's ("lead") terminal: it routes typed lines
// through the hub and prints the conversational part of what comes back.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/nicebartender/aiteam/bridge"
	"github.com/nicebartender/aiteam/display"
	"github.com/nicebartender/aiteam/ws"
)

// Conn is the console's hub connection. *bridge.HubConn satisfies it.
type Conn interface {
	Send(env ws.Envelope) error
	Listen(ctx context.Context, fn func(bridge.Inbound)) error
	Close() error
}

type Options struct {
	Main             string
	DefaultMain      string
	Agents           []string
	DedupeWindow     time.Duration
	ProgressInterval time.Duration
	Status           StatusSource
}

var agentColors = []*color.Color{
	color.New(color.FgCyan),
	color.New(color.FgMagenta),
	color.New(color.FgYellow),
	color.New(color.FgBlue),
}

// Console renders hub traffic and operator input. Output writes are
// serialised so the hub listener and the input loop never interleave lines.
type Console struct {
	opts     Options
	conn     Conn
	logger   *slog.Logger
	dedupe   *display.Dedupe
	progress *Progress

	mu      sync.Mutex
	out     io.Writer
	closing bool
}

func New(conn Conn, opts Options, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Main == "" {
		opts.Main = opts.DefaultMain
	}
	return &Console{
		opts:     opts,
		conn:     conn,
		logger:   logger.With("component", "console"),
		dedupe:   display.NewDedupe(opts.DedupeWindow),
		progress: NewProgress(opts.Main, opts.ProgressInterval),
		out:      io.Discard,
	}
}

// SetOutput directs rendered lines to w.
func (c *Console) SetOutput(w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = w
}

func (c *Console) Prompt() string {
	return fmt.Sprintf("You(%s)> ", c.opts.Main)
}

func (c *Console) println(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return
	}
	fmt.Fprintf(c.out, format+"\n", args...)
}

// Banner prints the startup help block.
func (c *Console) Banner() {
	c.println("\n--- aiteam CLI ---")
	c.println("Main agent: %s (default: %s)", c.opts.Main, c.opts.DefaultMain)
	c.println("Available agents: %s", strings.Join(c.opts.Agents, ", "))
	c.println("Type plain text to send tasks to %s.", c.opts.Main)
	c.println(`Type "@agent message" for explicit routing.`)
	c.println(`Type "/status" to inspect self/peer connection states.`)
}

// HandleInbound renders one hub frame. Hub error replies are shown as if
// sent by "hub".
func (c *Console) HandleInbound(in bridge.Inbound) {
	from, payload := in.Envelope.From, in.Envelope.Payload
	if in.Reply != nil {
		data, err := json.Marshal(in.Reply)
		if err != nil {
			return
		}
		from, payload = "hub", data
	}

	line, ok := display.Project(from, payload)
	if !ok {
		c.progress.Hidden()
		c.Tick()
		return
	}

	c.progress.End()
	if c.dedupe.Seen(line) {
		return
	}
	c.println("\n[%s] %s", c.colorFor(line.From).Sprint(line.From), line.Text)
}

func (c *Console) colorFor(agent string) *color.Color {
	for i, a := range c.opts.Agents {
		if a == agent {
			return agentColors[i%len(agentColors)]
		}
	}
	if agent == "hub" {
		return color.New(color.FgRed)
	}
	return color.New(color.FgGreen)
}

// Tick prints the waiting line when it is due.
func (c *Console) Tick() {
	if text, ok := c.progress.Due(); ok {
		c.println("\n%s", color.HiBlackString(text))
	}
}

// HandleLine acts on one operator line. It returns false once the operator
// asked to quit.
func (c *Console) HandleLine(line string) bool {
	in := ParseInput(line, c.opts.Main)
	switch in.Kind {
	case InputEmpty:
	case InputExit:
		return false
	case InputStatus:
		if c.opts.Status == nil {
			c.println("[aiteam] Hub status is not available.")
			break
		}
		c.println("\n%s", FormatStatus(c.opts.Status.Status(0), c.opts.Main, c.opts.Agents))
	case InputInvalid:
		c.println(invalidRouteText)
	case InputSend:
		c.send(in.Target, in.Payload)
	}
	return true
}

func (c *Console) send(target, text string) {
	payload, err := json.Marshal(text)
	if err != nil {
		return
	}
	err = c.conn.Send(ws.Envelope{
		From:      bridge.LeadID,
		To:        target,
		EventType: bridge.EventPrompt,
		Payload:   payload,
	})
	if err != nil {
		c.logger.Debug("send failed", "target", target, "err", err)
		c.println("[aiteam] Hub connection is not ready.")
		return
	}
	c.progress.Begin()
}

// Run drives the interactive session until the operator quits, stdin closes,
// the hub connection drops, or ctx is cancelled.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.Prompt(),
		HistoryLimit:    1000,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	c.SetOutput(rl.Stdout())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubLost := make(chan struct{})
	go func() {
		defer close(hubLost)
		if err := c.conn.Listen(ctx, c.HandleInbound); err != nil {
			c.logger.Warn("hub connection ended", "err", err)
		}
		if ctx.Err() == nil {
			c.println("\n[Lead WS Closed] Connection to Hub lost.")
			rl.Close()
		}
	}()

	go func() {
		ticker := time.NewTicker(c.progress.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				rl.Close()
				return
			case <-ticker.C:
				c.Tick()
			}
		}
	}()

	c.Banner()
	for {
		line, err := rl.Readline()
		if err != nil {
			if !errors.Is(err, readline.ErrInterrupt) && !errors.Is(err, io.EOF) {
				c.logger.Debug("readline stopped", "err", err)
			}
			break
		}
		if !c.HandleLine(line) {
			break
		}
	}

	c.println("\nShutting down...")
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	cancel()
	rl.Close()
	c.conn.Close()
	<-hubLost
	return nil
}

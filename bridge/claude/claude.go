// Package claude bridges a long-lived Claude CLI process speaking
// stream-json over stdio to the hub.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nicebartender/aiteam/bridge"
	"github.com/nicebartender/aiteam/ws"
)

const (
	DefaultID             = "claude"
	DefaultCommand        = "claude"
	DefaultPermissionMode = "bypassPermissions"
)

// State is the lifecycle of the native process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateExited
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Options struct {
	ID             string
	Command        string
	PermissionMode string
	AllowBash      bool
	ExtraArgs      []string
	Modes          bridge.Modes
	// Serialize holds new prompts until the current turn's result event,
	// so every reply is attributed to the requester of its turn.
	Serialize bool
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = DefaultID
	}
	if o.Command == "" {
		o.Command = DefaultCommand
	}
	if strings.TrimSpace(o.PermissionMode) == "" {
		o.PermissionMode = DefaultPermissionMode
	}
	return o
}

// NativeCommand is the process the bridge launches.
func (o Options) NativeCommand() bridge.Command {
	o = o.withDefaults()
	args := []string{
		"--print",
		"--verbose",
		"--input-format=stream-json",
		"--output-format=stream-json",
		"--permission-mode", strings.TrimSpace(o.PermissionMode),
	}
	if !o.AllowBash {
		args = append(args, "--disallowedTools", "Bash")
	}
	args = append(args, o.ExtraArgs...)
	return bridge.Command{Path: o.Command, Args: args}
}

type userMessage struct {
	Type    string      `json:"type"`
	Message userContent `json:"message"`
}

type userContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type pendingWrite struct {
	line []byte
	dest string
	id   string
}

// Bridge is the persistent duplex stream variant. The process is spawned on
// the first request and again on demand after it exits.
type Bridge struct {
	opts   Options
	emit   *bridge.Emitter
	launch bridge.Launcher
	corr   *bridge.Correlation
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	stopped  bool
	proc     bridge.Proc
	stdin    *bridge.StdinPump
	inFlight bool
	current  string
	queue    []pendingWrite
}

func New(ctx context.Context, out bridge.Outbox, launch bridge.Launcher, opts Options, logger *slog.Logger) *Bridge {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if launch == nil {
		launch = bridge.ExecLauncher
	}
	logger = logger.With("component", "bridge", "agent", opts.ID)
	ctx, cancel := context.WithCancel(ctx)
	return &Bridge{
		opts:   opts,
		emit:   bridge.NewEmitter(opts.ID, out, logger),
		launch: launch,
		corr:   bridge.NewCorrelation(),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Bridge) Handle(env ws.Envelope) {
	req, ok := bridge.ParseRequest(env)
	if !ok {
		return
	}

	line, err := b.encode(req)
	if err != nil {
		b.logger.Warn("dropping request with unencodable payload", "from", req.From, "err", err)
		return
	}
	w := pendingWrite{line: line, dest: req.ReplyTo, id: req.EnvelopeID}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if b.opts.Serialize && b.inFlight {
		b.queue = append(b.queue, w)
		b.logger.Debug("queued request behind current turn", "from", req.From, "queued", len(b.queue))
		return
	}
	b.dispatchLocked(w)
}

func (b *Bridge) encode(req bridge.Request) ([]byte, error) {
	var buf bytes.Buffer
	if req.IsRaw() {
		if err := json.Compact(&buf, req.Raw); err != nil {
			return nil, err
		}
	} else {
		data, err := json.Marshal(userMessage{
			Type:    "user",
			Message: userContent{Role: "user", Content: b.opts.Modes.Apply(b.opts.ID, req)},
		})
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// dispatchLocked writes w to the process, starting it if needed. It reports
// false when the process could not be started; the requester gets an error.
func (b *Bridge) dispatchLocked(w pendingWrite) bool {
	if err := b.ensureProcLocked(); err != nil {
		b.logger.Error("failed to start claude", "err", err)
		b.emit.EmitError(w.dest, bridge.ErrorPayload{Error: "Failed to start claude", Reason: err.Error()})
		return false
	}

	b.corr.Remember(w.id, w.dest)
	b.inFlight = true
	b.current = w.dest
	b.stdin.Send(w.line)
	return true
}

func (b *Bridge) ensureProcLocked() error {
	if b.state == StateRunning && b.proc != nil {
		return nil
	}
	b.state = StateStarting
	cmd := b.opts.NativeCommand()
	proc, err := b.launch(b.ctx, cmd)
	if err != nil {
		b.state = StateStopped
		return err
	}
	b.proc = proc
	b.stdin = bridge.NewStdinPump(proc.Stdin(), b.logger)
	b.state = StateRunning
	b.logger.Info("claude process started", "cmd", cmd.String())
	go b.readLoop(proc, b.stdin)
	return nil
}

func (b *Bridge) readLoop(proc bridge.Proc, stdin *bridge.StdinPump) {
	if err := bridge.ScanLines(proc.Stdout(), b.handleLine); err != nil {
		b.logger.Warn("claude stdout read failed", "err", err)
	}
	waitErr := proc.Wait()
	stdin.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proc != proc {
		return
	}
	b.proc = nil
	b.stdin = nil
	if b.stopped {
		return
	}
	b.state = StateExited
	b.logger.Info("claude process exited", "err", waitErr)

	if b.inFlight {
		reason := "process exited"
		if waitErr != nil {
			reason = waitErr.Error()
		}
		b.emit.EmitError(b.current, bridge.ErrorPayload{Error: "Claude process exited", Reason: reason})
	}
	b.finishTurnLocked()
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`
}

func (b *Bridge) handleLine(line []byte) {
	var ev streamEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		b.logger.Warn("invalid JSON from claude", "line", string(line))
		return
	}

	if ev.Type == "assistant" && ev.Message != nil {
		if d, ok := bridge.ExtractDelegation(assistantText(ev.Message.Content)); ok {
			b.emit.EmitDelegation(d)
			return
		}
	}

	eventType := ev.Type
	if eventType == "" {
		eventType = "claude_event"
	}
	b.emit.Emit(b.destination(), eventType, json.RawMessage(line))

	if ev.Type == "result" {
		b.mu.Lock()
		b.finishTurnLocked()
		b.mu.Unlock()
	}
}

// destination is the most recent outstanding requester, or lead.
func (b *Bridge) destination() string {
	if dest := b.corr.Latest(); dest != "" {
		return dest
	}
	return bridge.LeadID
}

func (b *Bridge) finishTurnLocked() {
	b.corr.Clear()
	b.inFlight = false
	b.current = ""
	for len(b.queue) > 0 && !b.stopped {
		next := b.queue[0]
		b.queue = b.queue[1:]
		if b.dispatchLocked(next) {
			return
		}
	}
}

// assistantText joins the text parts of an assistant message with newlines.
func assistantText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}
	var parts []struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Text != nil && *p.Text != "" {
			texts = append(texts, *p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.state = StateStopping
	proc, stdin := b.proc, b.stdin
	b.proc, b.stdin = nil, nil
	b.queue = nil
	b.mu.Unlock()

	if proc != nil {
		stdin.Close()
		if err := proc.Kill(); err != nil {
			b.logger.Debug("kill claude", "err", err)
		}
	}
	b.cancel()

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
	b.logger.Info("claude bridge stopped")
}

// Package codex bridges a Codex app server speaking JSON-RPC over stdio to
// the hub. Prompts become turns on a single conversation thread.
package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nicebartender/aiteam/bridge"
	"github.com/nicebartender/aiteam/ws"
)

const (
	DefaultID                 = "codex"
	DefaultCommand            = "codex"
	DefaultClientName         = "aiteam"
	DefaultClientVersion      = "2.0.0"
	DefaultThreadStartTimeout = 60 * time.Second
)

// InitState tracks the initialize handshake.
type InitState int

const (
	Uninitialized InitState = iota
	InitializeSent
	Initialized
)

func (s InitState) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case InitializeSent:
		return "initialize-sent"
	case Initialized:
		return "initialized"
	}
	return fmt.Sprintf("InitState(%d)", int(s))
}

// ThreadState tracks the conversation thread.
type ThreadState int

const (
	NoThread ThreadState = iota
	ThreadRequested
	ThreadReady
)

func (s ThreadState) String() string {
	switch s {
	case NoThread:
		return "no-thread"
	case ThreadRequested:
		return "thread-requested"
	case ThreadReady:
		return "thread-ready"
	}
	return fmt.Sprintf("ThreadState(%d)", int(s))
}

type Options struct {
	ID            string
	Command       string
	Args          []string
	ClientName    string
	ClientVersion string
	Modes         bridge.Modes
	// ThreadParams are sent as thread/start params.
	ThreadParams map[string]any
	// ThreadStartTimeout fails buffered prompts when thread/start gets no
	// response in time. Negative disables the timeout.
	ThreadStartTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = DefaultID
	}
	if o.Command == "" {
		o.Command = DefaultCommand
	}
	if len(o.Args) == 0 {
		o.Args = []string{"app-server"}
	}
	if o.ClientName == "" {
		o.ClientName = DefaultClientName
	}
	if o.ClientVersion == "" {
		o.ClientVersion = DefaultClientVersion
	}
	if o.ThreadStartTimeout == 0 {
		o.ThreadStartTimeout = DefaultThreadStartTimeout
	}
	return o
}

func (o Options) NativeCommand() bridge.Command {
	o = o.withDefaults()
	return bridge.Command{Path: o.Command, Args: o.Args}
}

type queuedPrompt struct {
	text string
	dest string
}

// Bridge is the JSON-RPC thread/turn variant.
type Bridge struct {
	opts   Options
	emit   *bridge.Emitter
	launch bridge.Launcher
	corr   *bridge.Correlation
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	stopped     bool
	proc        bridge.Proc
	stdin       *bridge.StdinPump
	init        InitState
	initID      string
	thread      ThreadState
	threadID    string
	threadReqID string
	threadTimer *time.Timer
	queue       []queuedPrompt
	// turns maps app-server turn ids to the identity that started them.
	turns map[string]string
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
		turns:  make(map[string]string),
	}
}

// States reports the handshake and thread states.
func (b *Bridge) States() (InitState, ThreadState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.init, b.thread
}

// Start spawns the app server and sends initialize. Handle starts it lazily
// when it is not running.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return bridge.ErrStopped
	}
	return b.ensureProcLocked()
}

func (b *Bridge) Handle(env ws.Envelope) {
	req, ok := bridge.ParseRequest(env, bridge.EventPrompt, bridge.EventDelegate, bridge.EventRaw, bridge.EventRPC)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if err := b.ensureProcLocked(); err != nil {
		b.logger.Error("failed to start codex", "err", err)
		b.emit.EmitError(req.ReplyTo, bridge.ErrorPayload{Error: "Failed to start codex", Reason: err.Error()})
		return
	}

	if req.IsRaw() {
		b.passthroughLocked(req)
		return
	}

	b.queue = append(b.queue, queuedPrompt{
		text: b.opts.Modes.Apply(b.opts.ID, req),
		dest: req.ReplyTo,
	})
	b.advanceLocked()
}

func (b *Bridge) ensureProcLocked() error {
	if b.proc != nil {
		return nil
	}
	cmd := b.opts.NativeCommand()
	proc, err := b.launch(b.ctx, cmd)
	if err != nil {
		return err
	}
	b.proc = proc
	b.stdin = bridge.NewStdinPump(proc.Stdin(), b.logger)
	b.logger.Info("codex app server started", "cmd", cmd.String())
	go b.readLoop(proc, b.stdin)

	b.initID = uuid.NewString()
	b.init = InitializeSent
	b.writeLocked(request{
		JSONRPC: "2.0",
		ID:      b.initID,
		Method:  "initialize",
		Params: map[string]any{
			"clientInfo":   map[string]any{"name": b.opts.ClientName, "version": b.opts.ClientVersion},
			"capabilities": map[string]any{},
		},
	})
	return nil
}

func (b *Bridge) passthroughLocked(req bridge.Request) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, req.Raw); err != nil {
		b.logger.Warn("dropping passthrough with invalid payload", "from", req.From, "err", err)
		return
	}
	if id := payloadID(req.Raw); id != "" {
		b.corr.Remember(id, req.ReplyTo)
	}
	buf.WriteByte('\n')
	b.stdin.Send(buf.Bytes())
}

// advanceLocked moves buffered prompts forward: request the thread when
// there is none, replay the buffer in order once it is ready.
func (b *Bridge) advanceLocked() {
	if b.init != Initialized || len(b.queue) == 0 {
		return
	}
	switch b.thread {
	case NoThread:
		b.requestThreadLocked()
	case ThreadReady:
		queue := b.queue
		b.queue = nil
		for _, q := range queue {
			b.startTurnLocked(q)
		}
	}
}

func (b *Bridge) requestThreadLocked() {
	id := uuid.NewString()
	params := b.opts.ThreadParams
	if params == nil {
		params = map[string]any{}
	}
	b.thread = ThreadRequested
	b.threadReqID = id
	if b.opts.ThreadStartTimeout > 0 {
		b.threadTimer = time.AfterFunc(b.opts.ThreadStartTimeout, func() { b.threadStartExpired(id) })
	}
	b.writeLocked(request{JSONRPC: "2.0", ID: id, Method: "thread/start", Params: params})
}

func (b *Bridge) startTurnLocked(q queuedPrompt) {
	id := uuid.NewString()
	b.corr.Remember(id, q.dest)
	b.writeLocked(request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "turn/start",
		Params: map[string]any{
			"threadId": b.threadID,
			"input":    []any{map[string]any{"type": "text", "text": q.text}},
		},
	})
}

func (b *Bridge) threadStartExpired(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.thread != ThreadRequested || b.threadReqID != id {
		return
	}
	b.logger.Warn("thread/start timed out", "timeout", b.opts.ThreadStartTimeout)
	b.failThreadLocked(fmt.Sprintf("no thread/start response after %s", b.opts.ThreadStartTimeout))
}

// failThreadLocked sends a routed error to every buffered prompt's
// destination and clears the buffer.
func (b *Bridge) failThreadLocked(reason string) {
	if b.threadTimer != nil {
		b.threadTimer.Stop()
		b.threadTimer = nil
	}
	b.thread = NoThread
	b.threadReqID = ""
	queue := b.queue
	b.queue = nil
	for _, q := range queue {
		b.emit.EmitError(q.dest, bridge.ErrorPayload{Error: "Codex thread creation failed", Reason: reason})
	}
}

func (b *Bridge) writeLocked(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("marshal codex request", "err", err)
		return
	}
	b.stdin.Send(append(data, '\n'))
}

// discardProcLocked kills the app server and forgets it, so the next request
// launches a fresh one. Its read loop sees it was replaced and stays quiet.
func (b *Bridge) discardProcLocked() {
	if b.proc == nil {
		return
	}
	proc, stdin := b.proc, b.stdin
	b.proc, b.stdin = nil, nil
	stdin.Close()
	if err := proc.Kill(); err != nil {
		b.logger.Debug("kill codex", "err", err)
	}
	b.resetSessionLocked()
}

func (b *Bridge) resetSessionLocked() {
	if b.threadTimer != nil {
		b.threadTimer.Stop()
		b.threadTimer = nil
	}
	b.init = Uninitialized
	b.initID = ""
	b.thread = NoThread
	b.threadID = ""
	b.threadReqID = ""
	b.turns = make(map[string]string)
	b.corr.Clear()
}

func (b *Bridge) readLoop(proc bridge.Proc, stdin *bridge.StdinPump) {
	if err := bridge.ScanLines(proc.Stdout(), b.handleLine); err != nil {
		b.logger.Warn("codex stdout read failed", "err", err)
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
	b.logger.Warn("codex app server exited", "err", waitErr)

	reason := "process exited"
	if waitErr != nil {
		reason = waitErr.Error()
	}
	for _, q := range b.queue {
		b.emit.EmitError(q.dest, bridge.ErrorPayload{Error: "Codex app server exited", Reason: reason})
	}
	b.queue = nil
	b.resetSessionLocked()
}

func (b *Bridge) handleLine(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		b.logger.Warn("invalid JSON from codex", "line", string(line))
		return
	}

	kind := msg.classify()
	var dest string
	switch kind {
	case KindResponse:
		dest = b.onResponse(msg)
	case KindNotification:
		var handled bool
		dest, handled = b.onNotification(msg)
		if handled {
			return
		}
	case KindRequest:
		dest = b.currentDestination("")
	default:
		b.logger.Warn("unclassifiable frame from codex", "line", string(line))
		return
	}
	b.emit.Emit(dest, kind.EventType(), json.RawMessage(line))
}

func (b *Bridge) onResponse(msg message) string {
	id := idKey(msg.ID)

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case id != "" && id == b.initID:
		b.initID = ""
		if msg.Error != nil {
			b.logger.Error("codex initialize failed", "err", errorText(msg.Error))
			for _, q := range b.queue {
				b.emit.EmitError(q.dest, bridge.ErrorPayload{Error: "Codex initialize failed", Reason: errorText(msg.Error)})
			}
			b.queue = nil
			b.discardProcLocked()
			return bridge.LeadID
		}
		b.init = Initialized
		b.writeLocked(request{JSONRPC: "2.0", Method: "initialized"})
		b.advanceLocked()

	case id != "" && id == b.threadReqID:
		var res threadStartResult
		_ = json.Unmarshal(msg.Result, &res)
		switch {
		case msg.Error != nil:
			b.failThreadLocked(errorText(msg.Error))
		case res.id() == "":
			b.failThreadLocked("thread/start response carried no thread id")
		default:
			if b.threadTimer != nil {
				b.threadTimer.Stop()
				b.threadTimer = nil
			}
			b.thread = ThreadReady
			b.threadID = res.id()
			b.threadReqID = ""
			b.logger.Info("codex thread ready", "thread", b.threadID)
			b.advanceLocked()
		}
	}

	dest, ok := b.corr.Resolve(id)
	if !ok {
		return bridge.LeadID
	}
	var ref turnRef
	if json.Unmarshal(msg.Result, &ref) == nil && ref.id() != "" {
		b.turns[ref.id()] = dest
	}
	return dest
}

// onNotification resolves where a notification goes. handled is true when
// the notification was replaced by a delegation.
func (b *Bridge) onNotification(msg message) (dest string, handled bool) {
	var ref turnRef
	_ = json.Unmarshal(msg.Params, &ref)
	turnID := ref.id()
	dest = b.currentDestination(turnID)

	if msg.Method == "turn/completed" && turnID != "" {
		b.mu.Lock()
		delete(b.turns, turnID)
		b.mu.Unlock()
	}

	if msg.Method == "item/completed" {
		if d, ok := bridge.ExtractDelegation(agentMessageText(msg.Params)); ok {
			b.emit.EmitDelegation(d)
			return dest, true
		}
	}
	return dest, false
}

// currentDestination prefers the requester of turnID, then the most recent
// requester, then lead.
func (b *Bridge) currentDestination(turnID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if dest, ok := b.turns[turnID]; ok && turnID != "" {
		return dest
	}
	if dest := b.corr.Latest(); dest != "" {
		return dest
	}
	return bridge.LeadID
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	proc, stdin := b.proc, b.stdin
	b.proc, b.stdin = nil, nil
	b.queue = nil
	if b.threadTimer != nil {
		b.threadTimer.Stop()
		b.threadTimer = nil
	}
	b.mu.Unlock()

	if proc != nil {
		stdin.Close()
		if err := proc.Kill(); err != nil {
			b.logger.Debug("kill codex", "err", err)
		}
	}
	b.cancel()
	b.logger.Info("codex bridge stopped")
}

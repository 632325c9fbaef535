// Package bridgetest provides in-memory stand-ins for the hub and native
// agent processes so bridge variants can be exercised without either.
package bridgetest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/nicebartender/aiteam/bridge"
	"github.com/nicebartender/aiteam/ws"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

// Outbox records every envelope a bridge sends.
type Outbox struct {
	mu   sync.Mutex
	sent []ws.Envelope
	ch   chan ws.Envelope
}

func NewOutbox() *Outbox {
	return &Outbox{ch: make(chan ws.Envelope, 256)}
}

func (o *Outbox) Send(env ws.Envelope) error {
	o.mu.Lock()
	o.sent = append(o.sent, env)
	o.mu.Unlock()
	o.ch <- env
	return nil
}

// Next waits for the next sent envelope.
func (o *Outbox) Next(t *testing.T) ws.Envelope {
	t.Helper()
	select {
	case env := <-o.ch:
		return env
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for envelope")
		return ws.Envelope{}
	}
}

// None asserts nothing is sent within d.
func (o *Outbox) None(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case env := <-o.ch:
		t.Fatalf("unexpected envelope to %s (%s): %s", env.To, env.EventType, env.Payload)
	case <-time.After(d):
	}
}

func (o *Outbox) Sent() []ws.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ws.Envelope(nil), o.sent...)
}

// Proc is a native process whose stdio is held in memory.
type Proc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	lines   chan []byte
	// gate is write-locked while the process is not reading stdin.
	gate sync.RWMutex

	once    sync.Once
	exited  chan struct{}
	exitErr error
}

func NewProc() *Proc {
	p := &Proc{lines: make(chan []byte, 256), exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go func() {
		scanner := bufio.NewScanner(gatedReader{r: p.stdinR, gate: &p.gate})
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			p.lines <- line
		}
	}()
	return p
}

type gatedReader struct {
	r    io.Reader
	gate *sync.RWMutex
}

func (g gatedReader) Read(b []byte) (int, error) {
	g.gate.RLock()
	g.gate.RUnlock()
	return g.r.Read(b)
}

// PauseStdin makes the process stop reading stdin, so writes to it block
// once any read already in progress has completed.
func (p *Proc) PauseStdin() { p.gate.Lock() }

func (p *Proc) ResumeStdin() { p.gate.Unlock() }

func (p *Proc) Stdin() io.WriteCloser { return p.stdinW }
func (p *Proc) Stdout() io.Reader     { return p.stdoutR }

func (p *Proc) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *Proc) Kill() error {
	p.Exit(errors.New("signal: killed"))
	return nil
}

// Exit ends the process with err.
func (p *Proc) Exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		p.stdoutW.Close()
		p.stdinR.Close()
		close(p.exited)
	})
}

func (p *Proc) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// Emit writes one line to the process stdout.
func (p *Proc) Emit(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(p.stdoutW, line+"\n")
	require.NoError(t, err)
}

// EmitJSON writes v as one JSON line to the process stdout.
func (p *Proc) EmitJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	p.Emit(t, string(data))
}

// NextLine waits for the next line the bridge wrote to stdin.
func (p *Proc) NextLine(t *testing.T) []byte {
	t.Helper()
	select {
	case line := <-p.lines:
		return line
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for stdin line")
		return nil
	}
}

// NextJSON decodes the next stdin line into a map.
func (p *Proc) NextJSON(t *testing.T) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(p.NextLine(t), &m))
	return m
}

// NoLine asserts nothing is written to stdin within d.
func (p *Proc) NoLine(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case line := <-p.lines:
		t.Fatalf("unexpected stdin line: %s", line)
	case <-time.After(d):
	}
}

// Launcher hands out in-memory processes and records what was launched.
type Launcher struct {
	mu       sync.Mutex
	commands []bridge.Command
	procs    chan *Proc
	// Err, when set, makes every launch fail.
	Err error
}

func NewLauncher() *Launcher {
	return &Launcher{procs: make(chan *Proc, 16)}
}

func (l *Launcher) Launch(ctx context.Context, cmd bridge.Command) (bridge.Proc, error) {
	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	err := l.Err
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p := NewProc()
	l.procs <- p
	return p, nil
}

// Next waits for the next launched process.
func (l *Launcher) Next(t *testing.T) *Proc {
	t.Helper()
	select {
	case p := <-l.procs:
		return p
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for launch")
		return nil
	}
}

func (l *Launcher) Commands() []bridge.Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bridge.Command(nil), l.commands...)
}

// Envelope builds an inbound envelope with a string payload.
func Envelope(from, to, eventType, id, text string) ws.Envelope {
	payload, _ := json.Marshal(text)
	return ws.Envelope{ID: id, From: from, To: to, EventType: eventType, Payload: payload}
}

// PayloadText decodes a string payload, failing the test otherwise.
func PayloadText(t *testing.T, env ws.Envelope) string {
	t.Helper()
	s, ok := env.PayloadString()
	require.True(t, ok, "payload is not a string: %s", env.Payload)
	return s
}

// PayloadMap decodes an object payload.
func PayloadMap(t *testing.T, env ws.Envelope) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &m))
	return m
}

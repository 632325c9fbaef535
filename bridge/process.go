package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// maxLineSize bounds a single line of native agent output.
const maxLineSize = 16 << 20

// Command describes a native agent process.
type Command struct {
	Path string
	Args []string
	// Env entries are appended to the current environment.
	Env []string
	Dir string
}

func (c Command) String() string {
	return fmt.Sprintf("%s %v", c.Path, c.Args)
}

// Proc is a running native agent with line-oriented stdio.
type Proc interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Wait() error
	Kill() error
}

// Launcher starts a long-lived native agent process.
type Launcher func(ctx context.Context, cmd Command) (Proc, error)

type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

// ExecLauncher starts cmd as an OS process. Stderr is discarded.
func ExecLauncher(ctx context.Context, c Command) (Proc, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}
	return &execProc{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *execProc) Stdin() io.WriteCloser { return p.stdin }
func (p *execProc) Stdout() io.Reader     { return p.stdout }
func (p *execProc) Wait() error           { return p.cmd.Wait() }

func (p *execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// ScanLines calls fn for every non-empty line read from r until EOF.
func ScanLines(r io.Reader, fn func(line []byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		fn(cp)
	}
	return scanner.Err()
}

// StdinPump owns a native process's stdin. Lines are queued without blocking
// and written in order by one goroutine, so a child that stops reading never
// stalls the caller.
type StdinPump struct {
	w      io.WriteCloser
	logger *slog.Logger
	wake   chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

func NewStdinPump(w io.WriteCloser, logger *slog.Logger) *StdinPump {
	if logger == nil {
		logger = slog.Default()
	}
	p := &StdinPump{
		w:      w,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// Send queues line. It reports false once the pump is closed, or when p is
// nil because the process has already gone.
func (p *StdinPump) Send(line []byte) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, line)
	p.mu.Unlock()
	p.signal()
	return true
}

// Close stops accepting lines. Lines already queued are written before stdin
// is closed.
func (p *StdinPump) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
}

// Done is closed once stdin has been closed.
func (p *StdinPump) Done() <-chan struct{} { return p.done }

func (p *StdinPump) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *StdinPump) run() {
	defer close(p.done)
	defer p.w.Close()
	for range p.wake {
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				closed := p.closed
				p.mu.Unlock()
				if closed {
					return
				}
				break
			}
			line := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			if _, err := p.w.Write(line); err != nil {
				p.logger.Warn("write to native stdin failed", "err", err)
				p.mu.Lock()
				p.closed = true
				p.queue = nil
				p.mu.Unlock()
				return
			}
		}
	}
}

// Package gemini bridges the Gemini CLI to the hub by running one
// subprocess per prompt.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/nicebartender/aiteam/bridge"
	"github.com/nicebartender/aiteam/ws"
)

const (
	DefaultID                  = "gemini"
	DefaultCommand             = "gemini"
	DefaultPromptTimeout       = 3 * time.Minute
	DefaultGenerateTimeout     = 10 * time.Minute
	DefaultMaxGenerateAttempts = 3
	DefaultTailBytes           = 2000
)

var (
	defaultArgs               = []string{"--yolo", "--output-format", "text"}
	defaultArtifactExtensions = []string{"png", "jpg", "jpeg", "gif", "webp", "svg", "bmp", "mp4", "mov", "webm", "wav", "mp3", "pdf"}

	generatePattern      = regexp.MustCompile(`(?i)^\s*/?generate\b`)
	noOutputPattern      = regexp.MustCompile(`(?i)no output (?:was )?produced`)
	consoleAttachPattern = regexp.MustCompile(`(?i)attachconsole failed|failed to attach (?:to )?(?:the )?console`)
)

type Options struct {
	ID         string
	Command    string
	Args       []string
	PromptFlag string
	Modes      bridge.Modes

	PromptTimeout       time.Duration
	GenerateTimeout     time.Duration
	MaxGenerateAttempts int
	// ArtifactExtensions are the file extensions that count as evidence a
	// generate command produced something.
	ArtifactExtensions []string
	TailBytes          int
	// APIKey, when set, is exported to every invocation.
	APIKey string
}

func (o Options) withDefaults() Options {
	if o.ID == "" {
		o.ID = DefaultID
	}
	if o.Command == "" {
		o.Command = DefaultCommand
	}
	if o.Args == nil {
		o.Args = defaultArgs
	}
	if o.PromptFlag == "" {
		o.PromptFlag = "-p"
	}
	if o.PromptTimeout <= 0 {
		o.PromptTimeout = DefaultPromptTimeout
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = DefaultGenerateTimeout
	}
	if o.MaxGenerateAttempts < 1 {
		o.MaxGenerateAttempts = DefaultMaxGenerateAttempts
	}
	if len(o.ArtifactExtensions) == 0 {
		o.ArtifactExtensions = defaultArtifactExtensions
	}
	if o.TailBytes <= 0 {
		o.TailBytes = DefaultTailBytes
	}
	return o
}

// IsGenerateCommand reports whether prompt asks for an artifact.
func IsGenerateCommand(prompt string) bool {
	return generatePattern.MatchString(prompt)
}

func artifactPattern(exts []string) *regexp.Regexp {
	quoted := make([]string, len(exts))
	for i, e := range exts {
		quoted[i] = regexp.QuoteMeta(strings.TrimPrefix(e, "."))
	}
	return regexp.MustCompile(`(?i)[\w~./\\:-]*[\w-]\.(?:` + strings.Join(quoted, "|") + `)\b`)
}

type job struct {
	text     string
	dest     string
	from     string
	generate bool
}

// Bridge is the spawn-per-prompt variant. Prompts are queued and run one at
// a time, in arrival order, by a single drain goroutine.
type Bridge struct {
	opts      Options
	emit      *bridge.Emitter
	run       Runner
	logger    *slog.Logger
	artifacts *regexp.Regexp
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wake      chan struct{}

	mu      sync.Mutex
	queue   []job
	running bool
	stopped bool
}

func New(ctx context.Context, out bridge.Outbox, run Runner, opts Options, logger *slog.Logger) *Bridge {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if run == nil {
		run = ExecRunner
	}
	logger = logger.With("component", "bridge", "agent", opts.ID)
	ctx, cancel := context.WithCancel(ctx)
	b := &Bridge{
		opts:      opts,
		emit:      bridge.NewEmitter(opts.ID, out, logger),
		run:       run,
		logger:    logger,
		artifacts: artifactPattern(opts.ArtifactExtensions),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		wake:      make(chan struct{}, 1),
	}
	go b.drain()
	return b
}

// Pending is the number of queued prompts, including one in flight.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.queue)
	if b.running {
		n++
	}
	return n
}

// Handle enqueues the request and returns immediately.
func (b *Bridge) Handle(env ws.Envelope) {
	req, ok := bridge.ParseRequest(env)
	if !ok {
		return
	}

	text := b.opts.Modes.Apply(b.opts.ID, req)
	if req.IsRaw() {
		if s, ok := env.PayloadString(); ok {
			text = s
		} else {
			text = string(req.Raw)
		}
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, job{
		text:     text,
		dest:     req.ReplyTo,
		from:     req.From,
		generate: IsGenerateCommand(req.Text) || IsGenerateCommand(text),
	})
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Bridge) drain() {
	defer close(b.done)
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.wake:
		}
		for {
			j, ok := b.pop()
			if !ok {
				break
			}
			b.process(j)
			b.mu.Lock()
			b.running = false
			b.mu.Unlock()
			if b.ctx.Err() != nil {
				return
			}
		}
	}
}

func (b *Bridge) pop() (job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped || len(b.queue) == 0 {
		return job{}, false
	}
	j := b.queue[0]
	b.queue = b.queue[1:]
	b.running = true
	return j, true
}

func (b *Bridge) command(text string) bridge.Command {
	args := make([]string, 0, len(b.opts.Args)+2)
	args = append(args, b.opts.Args...)
	args = append(args, b.opts.PromptFlag, text)
	cmd := bridge.Command{Path: b.opts.Command, Args: args}
	if b.opts.APIKey != "" {
		cmd.Env = []string{apiKeyEnv + "=" + b.opts.APIKey}
	}
	return cmd
}

func (b *Bridge) process(j job) {
	maxAttempts := 1
	timeout := b.opts.PromptTimeout
	if j.generate {
		maxAttempts = b.opts.MaxGenerateAttempts
		timeout = b.opts.GenerateTimeout
	}

	var (
		res     Result
		attempt int
	)
	for attempt = 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(b.ctx, timeout)
		start := time.Now()
		res = b.run(ctx, b.command(j.text))
		cancel()
		if b.ctx.Err() != nil {
			return
		}
		b.logger.Debug("gemini invocation finished",
			"attempt", attempt, "exitCode", res.ExitCode, "timedOut", res.TimedOut, "elapsed", time.Since(start))

		// A generate is retried on missing evidence whatever the exit status.
		// Only a spawn failure ends the loop early.
		if !j.generate || res.Err != nil || b.hasArtifactEvidence(res) || attempt >= maxAttempts {
			break
		}
		b.logger.Info("generate produced no artifact, retrying",
			"attempt", attempt, "max", maxAttempts, "exitCode", res.ExitCode, "timedOut", res.TimedOut)
	}
	b.report(j, res, attempt)
}

// report sends whatever text the final invocation produced, then a
// structured error when it failed or a generate left no artifact behind.
func (b *Bridge) report(j job, res Result, attempt int) {
	text := strings.TrimSpace(res.Stdout)
	if text != "" && res.Err == nil {
		if d, ok := bridge.ExtractDelegation(text); ok {
			b.emit.EmitDelegation(d)
		} else {
			b.emit.Emit(j.dest, "result", map[string]string{"type": "result", "result": text})
		}
	}

	attempts := 0
	if j.generate {
		attempts = attempt
	}
	if failure, failed := b.failure(res); failed {
		failure.Attempts = attempts
		b.logger.Warn("gemini invocation failed", "error", failure.Error, "exitCode", res.ExitCode, "timedOut", res.TimedOut)
		b.emit.EmitError(j.dest, failure)
		return
	}
	switch {
	case j.generate && !b.hasArtifactEvidence(res):
		b.emit.EmitError(j.dest, b.errorPayload("Generate command produced no artifact", res, attempts))
	case text == "":
		b.emit.EmitError(j.dest, b.errorPayload("Gemini produced no output", res, 0))
	}
}

// failure classifies a failed invocation.
func (b *Bridge) failure(res Result) (bridge.ErrorPayload, bool) {
	switch {
	case res.Err != nil:
		p := b.errorPayload("Failed to run gemini", res, 0)
		p.Reason = res.Err.Error()
		return p, true
	case res.TimedOut:
		return b.errorPayload("Gemini timed out", res, 0), true
	case consoleAttachPattern.MatchString(res.Stderr) || consoleAttachPattern.MatchString(res.Stdout):
		return b.errorPayload("Gemini failed to attach console", res, 0), true
	case res.ExitCode != 0:
		return b.errorPayload(fmt.Sprintf("Gemini exited with code %d", res.ExitCode), res, 0), true
	}
	return bridge.ErrorPayload{}, false
}

func (b *Bridge) errorPayload(msg string, res Result, attempts int) bridge.ErrorPayload {
	code := res.ExitCode
	return bridge.ErrorPayload{
		Error:      msg,
		ExitCode:   &code,
		TimedOut:   res.TimedOut,
		Attempts:   attempts,
		StdoutTail: bridge.Tail(res.Stdout, b.opts.TailBytes),
		StderrTail: bridge.Tail(res.Stderr, b.opts.TailBytes),
	}
}

// hasArtifactEvidence looks for an artifact path in stdout and for the
// no-output marker in both streams.
func (b *Bridge) hasArtifactEvidence(res Result) bool {
	combined := res.Stdout + "\n" + res.Stderr
	return b.artifacts.MatchString(res.Stdout) && !noOutputPattern.MatchString(combined)
}

// Stop cancels the running invocation, drops queued prompts and waits for
// the drain goroutine to exit.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	dropped := len(b.queue)
	b.queue = nil
	b.mu.Unlock()

	b.cancel()
	<-b.done
	b.logger.Info("gemini bridge stopped", "dropped", dropped)
}

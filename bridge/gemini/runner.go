package gemini

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/nicebartender/aiteam/bridge"
)

// Result is the outcome of one CLI invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	// Err is set when the process could not be started or waited on.
	Err error
}

// Runner executes one invocation, honouring ctx's deadline.
type Runner func(ctx context.Context, cmd bridge.Command) Result

// waitDelay bounds how long output is drained after the process is killed.
const waitDelay = time.Second

// ExecRunner runs cmd as an OS process and captures both output streams in
// full. When ctx expires the whole process group is killed, so children that
// inherited the output pipes cannot hold the invocation open.
func ExecRunner(ctx context.Context, c bridge.Command) Result {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.WaitDelay = waitDelay
	killGroupOnCancel(cmd)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	// ErrWaitDelay: the process exited cleanly but a child kept its pipes.
	if err == nil || errors.Is(err, exec.ErrWaitDelay) {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res
	}
	res.ExitCode = -1
	if !res.TimedOut {
		res.Err = err
	}
	return res
}

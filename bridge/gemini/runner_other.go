//go:build !unix

package gemini

import "os/exec"

// killGroupOnCancel keeps the default cancel, which kills only the direct
// child; WaitDelay still bounds the wait for its output.
func killGroupOnCancel(cmd *exec.Cmd) {}

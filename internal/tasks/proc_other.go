//go:build !unix

package tasks

import "os/exec"

// isolate is a no-op without process groups; exec.CommandContext kills the
// direct child and WaitDelay bounds the wait for its pipes.
func isolate(*exec.Cmd) {}

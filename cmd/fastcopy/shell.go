package main

import (
	"os"
	"os/exec"
)

// runShell executes the configured on-completion command through the
// user's shell, matching how the teacher's daemon invokes post-job
// hooks. The command's own stdout/stderr are attached to this process
// so the operator sees its output inline.
func runShell(cmdline string) error {
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

package mission

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// runShellVerify executes the verification command through the shell in dir.
// Stdout and stderr are concatenated with a newline and trimmed; pass iff
// the command launched and exited zero.
func runShellVerify(ctx context.Context, dir, command string) (string, bool) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	out := strings.TrimSpace(stdout.String() + "\n" + stderr.String())
	if err != nil && out == "" {
		out = err.Error()
	}
	return out, err == nil
}

// Package hostexec runs shell commands on the hypervisor host, either over a
// persistent SSH connection or locally when the tool runs on the host itself.
package hostexec

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// RunFunc executes a command on a host and returns stdout, stderr, exit code, and error.
// A command that ran but exited non-zero is reported through exitCode with a nil error;
// err is reserved for failures to execute the command at all.
type RunFunc func(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)

// NewLocal returns a RunFunc that executes commands locally via bash.
func NewLocal() RunFunc {
	return func(ctx context.Context, command string) (string, string, int, error) {
		cmd := exec.CommandContext(ctx, "bash", "-c", command)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		err := cmd.Run()
		exitCode := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) && ctx.Err() == nil {
				exitCode = exitErr.ExitCode()
			} else {
				return stdout.String(), stderr.String(), -1, &ExecutionError{Command: command, Err: err}
			}
		}
		return stdout.String(), stderr.String(), exitCode, nil
	}
}

// WithSudo wraps a RunFunc to execute commands with sudo via base64 encoding.
// This avoids shell quoting issues with complex commands.
func WithSudo(run RunFunc) RunFunc {
	return func(ctx context.Context, command string) (string, string, int, error) {
		encoded := base64.StdEncoding.EncodeToString([]byte(command))
		return run(ctx, fmt.Sprintf("echo %s | base64 -d | sudo bash", encoded))
	}
}

// WithTimeout bounds every command run through run by d. A zero or negative d
// leaves run unchanged.
func WithTimeout(run RunFunc, d time.Duration) RunFunc {
	if d <= 0 {
		return run
	}
	return func(ctx context.Context, command string) (string, string, int, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return run(ctx, command)
	}
}

// Quote wraps s in single quotes for a POSIX shell. Embedded single quotes
// are closed, escaped and reopened.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

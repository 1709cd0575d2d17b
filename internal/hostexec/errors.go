package hostexec

import (
	"errors"
	"fmt"
)

// ErrAuth is wrapped by a ConnectError when the server rejected every
// authentication method offered.
var ErrAuth = errors.New("authentication failed")

// ConnectError reports a failure to establish the SSH connection.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ExecutionError reports that a command could not be started or its result
// could not be collected. It is never used for non-zero exit codes.
type ExecutionError struct {
	Command string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %q: %v", e.Command, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

package hostexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Target describes how to reach and authenticate to the hypervisor host.
type Target struct {
	Host         string
	Port         int
	User         string
	Password     string
	IdentityFile string

	// KnownHostsFile is checked for the server key. Unknown hosts are appended
	// unless StrictHostKeyChecking is set. Mismatching keys are always rejected.
	KnownHostsFile        string
	StrictHostKeyChecking bool
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration
}

// Addr returns host:port.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// Session is one authenticated SSH connection. Every Run opens its own channel
// over the connection, so a Session may be used from several goroutines.
type Session struct {
	addr   string
	client *ssh.Client
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Connect dials the target and authenticates. The returned Session must be closed.
func Connect(ctx context.Context, target Target, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr := target.Addr()

	auth, err := authMethods(target)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	verifyHostKey, err := hostKeyCallback(target)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	timeout := target.ConnectTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	config := &ssh.ClientConfig{
		User:            target.User,
		Auth:            auth,
		HostKeyCallback: verifyHostKey,
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	// Bound the handshake by the connect timeout or the context deadline, whichever is first.
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		if isAuthFailure(err) {
			err = fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	logger.Debug("ssh connection established", "addr", addr, "user", target.User)
	return &Session{
		addr:   addr,
		client: ssh.NewClient(c, chans, reqs),
		logger: logger,
	}, nil
}

// Addr returns the address the session is connected to.
func (s *Session) Addr() string { return s.addr }

// Run executes command on the remote host. It satisfies RunFunc.
func (s *Session) Run(ctx context.Context, command string) (string, string, int, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", "", -1, &ExecutionError{Command: command, Err: err}
	}
	defer s.runFuncAndLogErr(sess.Close)

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return stdout.String(), stderr.String(), -1, &ExecutionError{Command: command, Err: ctx.Err()}
	case err := <-done:
		if err == nil {
			return stdout.String(), stderr.String(), 0, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), stderr.String(), exitErr.ExitStatus(), nil
		}
		return stdout.String(), stderr.String(), -1, &ExecutionError{Command: command, Err: err}
	}
}

// Close releases the connection. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
		s.logger.Debug("ssh connection closed", "addr", s.addr)
	})
	return s.closeErr
}

func (s *Session) runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Debug("error closing ssh session", "error", err.Error())
	}
}

func authMethods(target Target) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if target.IdentityFile != "" {
		key, err := os.ReadFile(target.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && target.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(target.Password))
		}
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if target.Password != "" {
		password := target.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no password or identity file configured", ErrAuth)
	}
	return methods, nil
}

func hostKeyCallback(target Target) (ssh.HostKeyCallback, error) {
	if target.InsecureIgnoreHostKey || target.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := target.KnownHostsFile
	if err := ensureFile(path); err != nil {
		return nil, fmt.Errorf("prepare known hosts %s: %w", path, err)
	}
	verify, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts %s: %w", path, err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := verify(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) && len(keyErr.Want) == 0 && !target.StrictHostKeyChecking {
			return appendKnownHost(path, hostname, key)
		}
		return err
	}, nil
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open known hosts: %w", err)
	}
	defer func() { _ = f.Close() }()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write known hosts: %w", err)
	}
	return nil
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/hostexec"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/virsh"
)

// Conn is an open connection to the hypervisor host.
type Conn interface {
	Run(ctx context.Context, command string) (stdout, stderr string, exitCode int, err error)
	Close() error
}

// ConnectFunc opens a Conn to target.
type ConnectFunc func(ctx context.Context, target hostexec.Target, logger *slog.Logger) (Conn, error)

// SSHConnect is the ConnectFunc used unless Options overrides it.
func SSHConnect(ctx context.Context, target hostexec.Target, logger *slog.Logger) (Conn, error) {
	s, err := hostexec.Connect(ctx, target, logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LocalConnect runs commands on this machine. It ignores target.
func LocalConnect(context.Context, hostexec.Target, *slog.Logger) (Conn, error) {
	return localConn{run: hostexec.NewLocal()}, nil
}

type localConn struct {
	run hostexec.RunFunc
}

func (c localConn) Run(ctx context.Context, command string) (string, string, int, error) {
	return c.run(ctx, command)
}

func (localConn) Close() error { return nil }

// Options configure one discovery run.
type Options struct {
	Target  hostexec.Target
	Connect ConnectFunc

	UseSudo        bool
	CommandTimeout time.Duration

	NamePattern      string
	InterfacePattern string
	Source           virsh.Source
	DefaultUser      string
	Concurrency      int

	Logger *slog.Logger
}

// Discover connects to the host, builds the inventory and disconnects.
// Patterns are checked before any connection is made.
func Discover(ctx context.Context, opts Options) ([]VMRecord, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	namePattern, err := CompilePattern(opts.NamePattern)
	if err != nil {
		return nil, err
	}
	var ifacePattern *regexp.Regexp
	if opts.InterfacePattern != "" {
		ifacePattern, err = regexp.Compile(opts.InterfacePattern)
		if err != nil {
			return nil, &PatternError{Pattern: opts.InterfacePattern, Err: err}
		}
	}
	source, err := virsh.ParseSource(string(opts.Source))
	if err != nil {
		return nil, err
	}

	connect := opts.Connect
	if connect == nil {
		connect = SSHConnect
	}
	addr := opts.Target.Addr()

	start := time.Now()
	conn, err := connect(ctx, opts.Target, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			logger.Debug("close connection", "host", addr, "error", cerr)
		}
	}()
	logger.Debug("connected", "host", addr, "elapsed", time.Since(start))

	run := hostexec.RunFunc(conn.Run)
	if opts.UseSudo {
		run = hostexec.WithSudo(run)
	}
	run = hostexec.WithTimeout(run, opts.CommandTimeout)

	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	resolver := virsh.NewResolver(run, source, ifacePattern, logger)
	records, err := NewBuilder(run, resolver, concurrency, logger).Build(ctx, namePattern, opts.DefaultUser)
	if err != nil {
		return nil, fmt.Errorf("host %s: %w", addr, err)
	}
	logger.Info("inventory built", "host", addr, "vms", len(records), "elapsed", time.Since(start))
	return records, nil
}

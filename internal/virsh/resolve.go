package virsh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"regexp"
	"strings"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/hostexec"
)

// Source selects how guest interfaces are queried.
type Source string

const (
	// SourceAgent uses `virsh domifaddr --source agent`.
	SourceAgent Source = "agent"
	// SourceAgentJSON sends guest-network-get-interfaces through qemu-agent-command.
	SourceAgentJSON Source = "agent-json"
)

// ParseSource validates an address source name. Empty means SourceAgent.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case "", SourceAgent:
		return SourceAgent, nil
	case SourceAgentJSON:
		return SourceAgentJSON, nil
	}
	return "", fmt.Errorf("unknown address source %q (want %q or %q)", s, SourceAgent, SourceAgentJSON)
}

// ErrAgentUnavailable is returned when the guest agent is not installed,
// not running, or the domain has no agent channel.
var ErrAgentUnavailable = errors.New("guest agent unavailable")

var agentUnavailableHints = []string{
	"guest agent is not responding",
	"guest agent is not connected",
	"guest agent is not configured",
	"qemu guest agent is not",
	"guest agent not available",
	"domain is not running",
}

var loopbackName = regexp.MustCompile(`^lo\d*$`)

// IsLoopback reports whether iface is a loopback interface: named lo, lo0, ...,
// named "Loopback ..." as on Windows guests, or carrying only loopback addresses.
func IsLoopback(iface Interface) bool {
	name := strings.ToLower(strings.TrimSpace(iface.Name))
	if loopbackName.MatchString(name) || strings.HasPrefix(name, "loopback") {
		return true
	}
	if len(iface.Addresses) == 0 {
		return false
	}
	for _, a := range iface.Addresses {
		if !a.IP.IsLoopback() {
			return false
		}
	}
	return true
}

// SelectIPv4 returns the first IPv4 address of the first non-loopback interface
// that has one. When match is non-nil the interface name must also match it.
// The zero netip.Addr is returned when no interface qualifies.
func SelectIPv4(ifaces []Interface, match *regexp.Regexp) netip.Addr {
	for _, iface := range ifaces {
		if IsLoopback(iface) {
			continue
		}
		if match != nil && !match.MatchString(iface.Name) {
			continue
		}
		for _, a := range iface.Addresses {
			if a.Family == FamilyIPv4 && a.IP.Is4() {
				return a.IP
			}
		}
	}
	return netip.Addr{}
}

// Resolver finds a domain's primary IPv4 address through the guest agent.
type Resolver struct {
	run            hostexec.RunFunc
	source         Source
	interfaceMatch *regexp.Regexp
	logger         *slog.Logger
}

// NewResolver creates a Resolver. interfaceMatch may be nil.
func NewResolver(run hostexec.RunFunc, source Source, interfaceMatch *regexp.Regexp, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if source == "" {
		source = SourceAgent
	}
	return &Resolver{
		run:            run,
		source:         source,
		interfaceMatch: interfaceMatch,
		logger:         logger.With("component", "resolver"),
	}
}

// Interfaces queries the guest agent of domain and returns its interfaces in
// the order the agent reported them.
func (r *Resolver) Interfaces(ctx context.Context, domain string) ([]Interface, error) {
	quoted := hostexec.Quote(domain)
	command := DomIfAddrCommand(quoted)
	parse := ParseDomIfAddr
	if r.source == SourceAgentJSON {
		command = AgentInterfacesCommand(quoted)
		parse = ParseAgentInterfaces
	}

	stdout, stderr, code, err := r.run(ctx, command)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		cmdErr := &CommandError{Command: command, ExitCode: code, Stderr: stderr}
		if isAgentUnavailable(stderr) {
			return nil, fmt.Errorf("%w: %w", ErrAgentUnavailable, cmdErr)
		}
		return nil, cmdErr
	}
	return parse(stdout)
}

// Resolve returns the domain's primary IPv4 address, or the zero netip.Addr
// when it cannot be determined. Failures are logged, never returned: one
// domain's agent trouble must not abort the inventory.
func (r *Resolver) Resolve(ctx context.Context, domain string) netip.Addr {
	ifaces, err := r.Interfaces(ctx, domain)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentUnavailable):
			r.logger.Info("guest agent unavailable, no address", "vm", domain)
		case errors.Is(err, ErrParse):
			r.logger.Warn("could not parse guest interfaces", "vm", domain, "error", err)
		default:
			r.logger.Warn("guest interface query failed", "vm", domain, "error", err)
		}
		return netip.Addr{}
	}

	ip := SelectIPv4(ifaces, r.interfaceMatch)
	if !ip.IsValid() {
		r.logger.Info("no IPv4 address found. Does this VM have the QEMU guest agent installed?", "vm", domain, "interfaces", len(ifaces))
		return ip
	}
	r.logger.Debug("resolved address", "vm", domain, "ip", ip.String())
	return ip
}

func isAgentUnavailable(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, hint := range agentUnavailableHints {
		if strings.Contains(s, hint) {
			return true
		}
	}
	return false
}

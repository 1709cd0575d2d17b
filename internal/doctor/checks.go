package doctor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/hostexec"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/virsh"
)

type check struct {
	name string
	fn   func(ctx context.Context, run hostexec.RunFunc) CheckResult
}

func hostChecks() []check {
	return []check{
		{"virsh-binary", checkVirshBinary},
		{"libvirt-running", checkLibvirtRunning},
	}
}

func checkVirshBinary(ctx context.Context, run hostexec.RunFunc) CheckResult {
	stdout, _, code, _ := run(ctx, "command -v virsh")
	if code == 0 && strings.TrimSpace(stdout) != "" {
		return CheckResult{
			Name:     "virsh-binary",
			Category: "binary",
			Passed:   true,
			Message:  fmt.Sprintf("virsh found at %s", strings.TrimSpace(stdout)),
		}
	}
	return CheckResult{
		Name:     "virsh-binary",
		Category: "binary",
		Passed:   false,
		Message:  "virsh not found",
		FixCmd:   "enable VMs under Settings > VM Manager in the Unraid web UI",
	}
}

func checkLibvirtRunning(ctx context.Context, run hostexec.RunFunc) CheckResult {
	stdout, stderr, code, err := run(ctx, "LC_ALL=C virsh version")
	if err == nil && code == 0 {
		msg := "libvirt answering"
		if v := libvirtVersion(stdout); v != "" {
			msg = fmt.Sprintf("libvirt %s answering", v)
		}
		return CheckResult{
			Name:     "libvirt-running",
			Category: "service",
			Passed:   true,
			Message:  msg,
		}
	}
	detail := strings.TrimSpace(stderr)
	if err != nil {
		detail = err.Error()
	}
	msg := "libvirt not answering"
	if detail != "" {
		msg += ": " + firstLine(detail)
	}
	return CheckResult{
		Name:     "libvirt-running",
		Category: "service",
		Passed:   false,
		Message:  msg,
		FixCmd:   "/etc/rc.d/rc.libvirt start",
	}
}

var libvirtVersionLine = regexp.MustCompile(`(?m)^Running against daemon:\s*(\S+)|^Using library: libvirt (\S+)`)

func libvirtVersion(out string) string {
	m := libvirtVersionLine.FindStringSubmatch(out)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

func checkDomainList(ctx context.Context, run hostexec.RunFunc, logger *slog.Logger) (CheckResult, []virsh.DomainSummary) {
	domains, err := virsh.NewLister(run, logger).List(ctx)
	if err != nil {
		return CheckResult{
			Name:     "domain-list",
			Category: "inventory",
			Passed:   false,
			Message:  fmt.Sprintf("cannot read domain list: %v", err),
			FixCmd:   "LC_ALL=C virsh list --all",
		}, nil
	}

	var running, ambiguous int
	for _, d := range domains {
		if d.Ambiguous {
			ambiguous++
		} else if d.State == virsh.StateRunning {
			running++
		}
	}
	msg := fmt.Sprintf("%d domains listed, %d running", len(domains), running)
	if ambiguous > 0 {
		msg += fmt.Sprintf(", %d rows could not be parsed and are skipped", ambiguous)
	}
	return CheckResult{
		Name:     "domain-list",
		Category: "inventory",
		Passed:   true,
		Message:  msg,
	}, domains
}

func selectDomains(domains []virsh.DomainSummary, pattern *regexp.Regexp) []string {
	var names []string
	for _, d := range domains {
		if d.State != virsh.StateRunning || d.Ambiguous {
			continue
		}
		if pattern != nil && !pattern.MatchString(d.Name) {
			continue
		}
		names = append(names, d.Name)
	}
	return names
}

func checkGuestAgent(ctx context.Context, run hostexec.RunFunc, name string, opts Options) CheckResult {
	result := CheckResult{Name: "guest-agent:" + name, Category: "guest-agent"}

	resolver := virsh.NewResolver(run, opts.Source, opts.InterfacePattern, opts.Logger)
	ifaces, err := resolver.Interfaces(ctx, name)
	switch {
	case errors.Is(err, virsh.ErrAgentUnavailable):
		result.Message = fmt.Sprintf("%s: guest agent not available", name)
		result.FixCmd = "install and start qemu-guest-agent in the VM and make sure the VM has a guest agent channel"
		return result
	case err != nil:
		result.Message = fmt.Sprintf("%s: guest interface query failed: %s", name, firstLine(err.Error()))
		result.FixCmd = fmt.Sprintf("LC_ALL=C virsh domifaddr %s --source agent", hostexec.Quote(name))
		return result
	}

	ip := virsh.SelectIPv4(ifaces, opts.InterfacePattern)
	if !ip.IsValid() {
		result.Message = fmt.Sprintf("%s: guest agent answering but no usable IPv4 address on %d interfaces", name, len(ifaces))
		result.FixCmd = "check the VM network configuration or vm_interface_pattern"
		return result
	}
	result.Passed = true
	result.Message = fmt.Sprintf("%s: %s", name, ip)
	return result
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

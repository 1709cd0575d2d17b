// Package doctor checks that an Unraid host can produce an inventory: virsh
// is installed, libvirt answers, domains list cleanly and every selected VM
// has a guest agent reporting an address.
package doctor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/hostexec"
	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/virsh"
)

// CheckResult holds the outcome of a single doctor check.
type CheckResult struct {
	Name     string
	Category string // "binary", "service", "inventory", "guest-agent"
	Passed   bool
	Message  string
	FixCmd   string // empty if passed
}

// Options tune the checks.
type Options struct {
	// NamePattern limits the guest agent checks to matching running domains.
	// Nil checks every running domain.
	NamePattern *regexp.Regexp
	// InterfacePattern is passed to address selection.
	InterfacePattern *regexp.Regexp
	// Source selects the guest agent query. Empty means virsh.SourceAgent.
	Source virsh.Source
	Logger *slog.Logger
}

// RunAll executes all doctor checks and returns results. Host checks always
// run; guest agent checks run only when the domain list could be read.
func RunAll(ctx context.Context, run hostexec.RunFunc, opts Options) []CheckResult {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	checks := hostChecks()
	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		results = append(results, c.fn(ctx, run))
	}

	listResult, domains := checkDomainList(ctx, run, opts.Logger)
	results = append(results, listResult)
	if !listResult.Passed {
		return results
	}
	for _, name := range selectDomains(domains, opts.NamePattern) {
		results = append(results, checkGuestAgent(ctx, run, name, opts))
	}
	return results
}

// PrintResults writes check results to w. Returns true if all checks passed.
func PrintResults(results []CheckResult, w io.Writer, color bool) bool {
	allPassed := true
	passed := 0
	failed := 0

	for _, r := range results {
		var icon, colorStart, colorEnd string
		if r.Passed {
			passed++
			icon = "v"
			if color {
				colorStart = "\033[32m" // green
				colorEnd = "\033[0m"
			}
		} else {
			failed++
			allPassed = false
			icon = "x"
			if color {
				colorStart = "\033[31m" // red
				colorEnd = "\033[0m"
			}
		}
		_, _ = fmt.Fprintf(w, "  %s%s %s%s\n", colorStart, icon, r.Message, colorEnd)
		if !r.Passed && r.FixCmd != "" {
			_, _ = fmt.Fprintf(w, "     Fix: %s\n", r.FixCmd)
		}
	}

	_, _ = fmt.Fprintln(w)
	if allPassed {
		_, _ = fmt.Fprintf(w, "  %d/%d passed\n", passed, passed+failed)
	} else {
		_, _ = fmt.Fprintf(w, "  %d/%d passed, %d failed\n", passed, passed+failed, failed)
	}

	return allPassed
}

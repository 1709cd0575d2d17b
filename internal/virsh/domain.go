// Package virsh runs libvirt's virsh CLI through a hostexec.RunFunc and parses
// its table and JSON output into typed records.
package virsh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/hostexec"
)

// ListCommand enumerates every defined domain with its state.
const ListCommand = "LC_ALL=C virsh list --all"

// ErrParse is wrapped by every error caused by unrecognised virsh output.
var ErrParse = errors.New("unrecognized virsh output")

// State is the coarse run state of a domain.
type State string

const (
	StateRunning State = "running"
	StateOther   State = "other"
)

// DomainSummary is one row of `virsh list --all`.
type DomainSummary struct {
	Name  string
	State State
	// RawState is the state text as printed by virsh, empty for ambiguous rows.
	RawState string
	// Ambiguous marks rows that could not be split into name and state with
	// confidence. They are always reported as StateOther.
	Ambiguous bool
}

// knownStates lists the state strings virsh prints, longest first so that
// suffix matching prefers "in shutdown" over a shorter token.
var knownStates = []string{
	"pmsuspended",
	"in shutdown",
	"shut off",
	"no state",
	"crashed",
	"running",
	"blocked",
	"paused",
	"dying",
	"idle",
}

// CommandError reports a virsh command that ran but exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s: exit status %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.ExitCode, msg)
}

// ParseDomainList parses the output of `virsh list --all`.
//
// Sample output:
//
//	 Id   Name              State
//	-----------------------------------
//	 1    [Ansible] web-1   running
//	 -    other-vm          shut off
//
// The header row is required; output without it is an ErrParse. A header with
// no rows is a valid empty list.
func ParseDomainList(out string) ([]DomainSummary, error) {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i == len(lines) {
		return nil, fmt.Errorf("%w: empty domain list", ErrParse)
	}
	header := strings.Fields(lines[i])
	if len(header) != 3 || header[0] != "Id" || header[1] != "Name" || header[2] != "State" {
		return nil, fmt.Errorf("%w: unexpected domain list header %q", ErrParse, strings.TrimSpace(lines[i]))
	}
	i++
	if i < len(lines) && isSeparator(lines[i]) {
		i++
	}

	domains := []DomainSummary{}
	for ; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		domains = append(domains, parseDomainRow(lines[i]))
	}
	return domains, nil
}

// parseDomainRow splits "<id> <name> <state>". The id is the first field and
// the state is matched from the end of the line against knownStates, so names
// containing spaces or state words are preserved.
func parseDomainRow(line string) DomainSummary {
	trimmed := strings.TrimSpace(line)
	idx := strings.IndexFunc(trimmed, unicode.IsSpace)
	if idx <= 0 {
		return DomainSummary{Name: trimmed, State: StateOther, Ambiguous: true}
	}
	rest := strings.TrimSpace(trimmed[idx:])

	for _, st := range knownStates {
		if !strings.HasSuffix(rest, st) {
			continue
		}
		head := strings.TrimSuffix(rest, st)
		name := strings.TrimRightFunc(head, unicode.IsSpace)
		// The state word must be its own column.
		if name == "" || name == head {
			break
		}
		return DomainSummary{Name: name, State: mapState(st), RawState: st}
	}
	return DomainSummary{Name: rest, State: StateOther, Ambiguous: true}
}

func mapState(s string) State {
	if strings.EqualFold(strings.TrimSpace(s), "running") {
		return StateRunning
	}
	return StateOther
}

func isSeparator(line string) bool {
	t := strings.TrimSpace(line)
	return t != "" && strings.Trim(t, "-") == ""
}

// Lister enumerates domains on the host.
type Lister struct {
	run    hostexec.RunFunc
	logger *slog.Logger
}

// NewLister creates a Lister that runs virsh through run.
func NewLister(run hostexec.RunFunc, logger *slog.Logger) *Lister {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lister{run: run, logger: logger.With("component", "virsh-list")}
}

// List runs `virsh list --all` and parses the result. Failing to run the
// command, a non-zero exit, or unrecognised output are all errors: without a
// trustworthy domain list the run cannot continue.
func (l *Lister) List(ctx context.Context) ([]DomainSummary, error) {
	stdout, stderr, code, err := l.run(ctx, ListCommand)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("list domains: %w", &CommandError{Command: ListCommand, ExitCode: code, Stderr: stderr})
	}

	domains, err := ParseDomainList(stdout)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	for _, d := range domains {
		if d.Ambiguous {
			l.logger.Warn("ambiguous domain list row, treating as not running", "row", d.Name)
		}
	}
	l.logger.Debug("listed domains", "count", len(domains))
	return domains, nil
}

// Package inventory turns the domains of one Unraid host into Ansible
// inventory records.
package inventory

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/aspectrr/fluid.sh/unraid-inventory/internal/virsh"
)

// DefaultPattern matches every domain name.
const DefaultPattern = ".*"

// ErrInvalidPattern is wrapped by PatternError.
var ErrInvalidPattern = errors.New("invalid name pattern")

// PatternError reports a name pattern that does not compile.
type PatternError struct {
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("%v %q: %v", ErrInvalidPattern, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() []error { return []error{ErrInvalidPattern, e.Err} }

// CompilePattern compiles a domain name pattern. An empty pattern matches
// everything.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &PatternError{Pattern: pattern, Err: err}
	}
	return re, nil
}

// Filter returns the running domains whose name matches re, in their original
// order. Matching is unanchored; anchor the pattern to restrict it. A nil re
// matches every name.
func Filter(domains []virsh.DomainSummary, re *regexp.Regexp) []virsh.DomainSummary {
	out := make([]virsh.DomainSummary, 0, len(domains))
	for _, d := range domains {
		if d.State != virsh.StateRunning || d.Ambiguous {
			continue
		}
		if re != nil && !re.MatchString(d.Name) {
			continue
		}
		out = append(out, d)
	}
	return out
}

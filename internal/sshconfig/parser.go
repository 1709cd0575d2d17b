// Package sshconfig reads host aliases from an OpenSSH client config file so
// unraid_host may name a Host entry instead of an address.
package sshconfig

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Host is one Host block of an SSH config file. Unset fields are zero.
type Host struct {
	Aliases      []string
	HostName     string
	User         string
	Port         int
	IdentityFile string
}

// Parse reads SSH config content and returns its Host blocks in file order.
// Blocks whose patterns are all wildcards are skipped; Match blocks end the
// current Host block and are otherwise ignored.
func Parse(r io.Reader) ([]Host, error) {
	scanner := bufio.NewScanner(r)
	var hosts []Host
	var current *Host

	flush := func() {
		if current != nil && len(current.Aliases) > 0 {
			hosts = append(hosts, *current)
		}
		current = nil
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value := splitDirective(line)
		if key == "" {
			continue
		}

		switch strings.ToLower(key) {
		case "host":
			flush()
			current = &Host{}
			for _, pattern := range strings.Fields(value) {
				if strings.ContainsAny(pattern, "*?!") {
					continue
				}
				current.Aliases = append(current.Aliases, pattern)
			}
		case "match":
			flush()
		case "hostname":
			if current != nil && current.HostName == "" {
				current.HostName = value
			}
		case "user":
			if current != nil && current.User == "" {
				current.User = value
			}
		case "port":
			if current != nil && current.Port == 0 {
				if p, err := strconv.Atoi(value); err == nil {
					current.Port = p
				}
			}
		case "identityfile":
			if current != nil && current.IdentityFile == "" {
				current.IdentityFile = ExpandTilde(unquote(value))
			}
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ssh config: %w", err)
	}
	return hosts, nil
}

// ParseFile reads an SSH config file from the given path.
func ParseFile(path string) ([]Host, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ssh config %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return Parse(f)
}

// Lookup returns the first Host block listing alias. As with ssh, the first
// value seen for a directive wins.
func Lookup(hosts []Host, alias string) (Host, bool) {
	for _, h := range hosts {
		for _, a := range h.Aliases {
			if a == alias {
				return h, true
			}
		}
	}
	return Host{}, false
}

// DefaultPath is ~/.ssh/config.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "config")
}

// splitDirective splits an SSH config line into key and value.
// Handles both "Key Value" and "Key=Value" formats.
func splitDirective(line string) (string, string) {
	idx := strings.IndexAny(line, " \t=")
	if idx < 0 {
		return line, ""
	}
	key := line[:idx]
	value := strings.TrimSpace(line[idx:])
	value = strings.TrimSpace(strings.TrimPrefix(value, "="))
	return key, value
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// ExpandTilde replaces a leading ~ with the user's home directory.
func ExpandTilde(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home + path[1:]
	}
	return path
}

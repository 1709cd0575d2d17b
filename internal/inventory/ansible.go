package inventory

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultGroup is the Ansible group every discovered VM is placed in.
const DefaultGroup = "unraid"

// Ansible host variable names.
const (
	VarHost = "ansible_host"
	VarUser = "ansible_user"
)

// Host is one Ansible host with its variables.
type Host struct {
	Name string
	// VMName is the domain name the host was built from.
	VMName string
	Vars   map[string]string
}

// Ansible is a dynamic inventory holding one group of hosts.
type Ansible struct {
	Group string
	Hosts []Host
}

var (
	nonWord  = regexp.MustCompile(`\W`)
	multiSep = regexp.MustCompile(`_+`)
)

// SanitizeHostName turns a domain name into an Ansible-friendly host name:
// lower case, spaces and dashes become underscores, other non-word characters
// are dropped and underscore runs are collapsed.
func SanitizeHostName(name string) string {
	s := strings.ToLower(name)
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	s = nonWord.ReplaceAllString(s, "")
	return multiSep.ReplaceAllString(s, "_")
}

// NewAnsible converts records into an inventory. With sanitize set host names
// go through SanitizeHostName; names that collide afterwards get a numeric
// suffix (_2, _3, ...) in record order.
func NewAnsible(records []VMRecord, group string, sanitize bool) *Ansible {
	if group == "" {
		group = DefaultGroup
	}
	inv := &Ansible{Group: group, Hosts: make([]Host, 0, len(records))}
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		name := r.Name
		if sanitize {
			name = SanitizeHostName(name)
			if name == "" {
				name = "vm"
			}
		}
		if seen[name] {
			base := name
			for n := 2; seen[name]; n++ {
				name = fmt.Sprintf("%s_%d", base, n)
			}
		}
		seen[name] = true

		vars := map[string]string{}
		if r.Address != "" {
			vars[VarHost] = r.Address
		}
		if r.User != "" {
			vars[VarUser] = r.User
		}
		inv.Hosts = append(inv.Hosts, Host{Name: name, VMName: r.Name, Vars: vars})
	}
	return inv
}

// HostVars returns the variables of the named host. Unknown hosts yield an
// empty map, which is what Ansible expects from --host.
func (a *Ansible) HostVars(name string) map[string]string {
	for _, h := range a.Hosts {
		if h.Name == name {
			return h.Vars
		}
	}
	return map[string]string{}
}

type groupJSON struct {
	Hosts []string `json:"hosts"`
}

type metaJSON struct {
	HostVars map[string]map[string]string `json:"hostvars"`
}

// WriteJSON writes the --list form of the inventory.
func (a *Ansible) WriteJSON(w io.Writer) error {
	hosts := make([]string, 0, len(a.Hosts))
	hostvars := make(map[string]map[string]string, len(a.Hosts))
	for _, h := range a.Hosts {
		hosts = append(hosts, h.Name)
		hostvars[h.Name] = h.Vars
	}
	out := map[string]any{
		a.Group: groupJSON{Hosts: hosts},
		"_meta": metaJSON{HostVars: hostvars},
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// WriteHostJSON writes the --host form for one host.
func (a *Ansible) WriteHostJSON(w io.Writer, name string) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(a.HostVars(name))
}

// WriteYAML writes a static YAML inventory:
//
//	all:
//	  children:
//	    unraid:
//	      hosts:
//	        web_1:
//	          ansible_host: 10.0.0.5
//
// Hosts keep record order.
func (a *Ansible) WriteYAML(w io.Writer) error {
	hosts := mapping()
	for _, h := range a.Hosts {
		vars := mapping()
		for _, k := range []string{VarHost, VarUser} {
			if v, ok := h.Vars[k]; ok {
				vars.Content = append(vars.Content, scalar(k), scalar(v))
			}
		}
		if len(vars.Content) == 0 {
			vars = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
		}
		hosts.Content = append(hosts.Content, scalar(h.Name), vars)
	}

	group := mapping(scalar("hosts"), hosts)
	children := mapping(scalar(a.Group), group)
	all := mapping(scalar("children"), children)
	doc := &yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mapping(scalar("all"), all)}}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode yaml inventory: %w", err)
	}
	return enc.Close()
}

func mapping(content ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: content}
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

package virsh

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Family is the address family reported by the guest agent.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// Address is one IP address attached to a guest interface.
type Address struct {
	IP     netip.Addr
	Prefix int
	Family Family
}

// Interface is one guest network interface as reported by the guest agent.
type Interface struct {
	Name      string
	MAC       string
	Addresses []Address
}

// DomIfAddrCommand returns the command that lists a domain's interfaces from
// the guest agent as a table.
func DomIfAddrCommand(quotedDomain string) string {
	return "LC_ALL=C virsh domifaddr " + quotedDomain + " --source agent"
}

// AgentInterfacesCommand returns the command that asks the guest agent for its
// interfaces as JSON.
func AgentInterfacesCommand(quotedDomain string) string {
	return "LC_ALL=C virsh qemu-agent-command " + quotedDomain + ` '{"execute":"guest-network-get-interfaces"}'`
}

// ParseDomIfAddr parses the table printed by `virsh domifaddr --source agent`.
//
// Sample output:
//
//	 Name       MAC address          Protocol     Address
//	-------------------------------------------------------------------------------
//	 lo         00:00:00:00:00:00    ipv4         127.0.0.1/8
//	 -          -                    ipv6         ::1/128
//	 enp1s0     52:54:00:00:f0:f9    ipv4         192.168.1.86/24
//	 -          -                    ipv6         fe80::5054:ff:fef0:f9df/64
//
// Rows whose name is "-" continue the previous interface. Interfaces without
// addresses print "N/A". Names wider than the column (Windows guests) push the
// other columns right, so rows are split from the end.
func ParseDomIfAddr(out string) ([]Interface, error) {
	lines := strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n")

	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i == len(lines) {
		return nil, fmt.Errorf("%w: empty interface list", ErrParse)
	}
	if !isIfAddrHeader(lines[i]) {
		return nil, fmt.Errorf("%w: unexpected interface header %q", ErrParse, strings.TrimSpace(lines[i]))
	}
	i++
	if i < len(lines) && isSeparator(lines[i]) {
		i++
	}

	var ifaces []Interface
	for ; i < len(lines); i++ {
		fields := strings.Fields(lines[i])
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: short interface row %q", ErrParse, strings.TrimSpace(lines[i]))
		}

		var (
			name, mac string
			addr      *Address
		)
		if last := fields[len(fields)-1]; last == "N/A" {
			if len(fields) >= 4 && fields[len(fields)-2] == "N/A" {
				fields = fields[:len(fields)-1]
			}
			name, mac = splitNameMAC(fields[:len(fields)-1])
		} else {
			a, err := parseCIDR(fields[len(fields)-2], last)
			if err != nil {
				return nil, err
			}
			addr = &a
			name, mac = splitNameMAC(fields[:len(fields)-2])
		}

		if name == "-" {
			if len(ifaces) == 0 {
				return nil, fmt.Errorf("%w: continuation row before any interface", ErrParse)
			}
			if addr != nil {
				prev := &ifaces[len(ifaces)-1]
				prev.Addresses = append(prev.Addresses, *addr)
			}
			continue
		}

		iface := Interface{Name: name, MAC: mac}
		if addr != nil {
			iface.Addresses = append(iface.Addresses, *addr)
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

func isIfAddrHeader(line string) bool {
	f := strings.Fields(line)
	return len(f) == 5 && f[0] == "Name" && f[1] == "MAC" && f[2] == "address" && f[3] == "Protocol" && f[4] == "Address"
}

// splitNameMAC takes the leading fields of a row (everything before protocol
// and address). The last one is the MAC when it looks like one; the rest is
// the interface name, which may contain spaces.
func splitNameMAC(fields []string) (name, mac string) {
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) >= 2 {
		last := fields[len(fields)-1]
		if last == "-" || isMAC(last) {
			mac = last
			fields = fields[:len(fields)-1]
		}
	}
	name = strings.Join(fields, " ")
	if mac == "-" {
		mac = ""
	}
	return name, mac
}

func isMAC(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 {
			return false
		}
		if _, err := strconv.ParseUint(p, 16, 8); err != nil {
			return false
		}
	}
	return true
}

func parseCIDR(protocol, cidr string) (Address, error) {
	fam := Family(strings.ToLower(protocol))
	if fam != FamilyIPv4 && fam != FamilyIPv6 {
		return Address{}, fmt.Errorf("%w: unknown protocol %q", ErrParse, protocol)
	}
	// Windows guests append the interface zone to link-local addresses
	// (fe80::1%5/64), which netip.ParsePrefix rejects.
	if zi := strings.IndexByte(cidr, '%'); zi >= 0 {
		rest := ""
		if si := strings.IndexByte(cidr[zi:], '/'); si >= 0 {
			rest = cidr[zi+si:]
		}
		cidr = cidr[:zi] + rest
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		// Some guests report a bare address.
		ip, ipErr := netip.ParseAddr(cidr)
		if ipErr != nil {
			return Address{}, fmt.Errorf("%w: bad address %q: %v", ErrParse, cidr, err)
		}
		return Address{IP: ip, Prefix: ip.BitLen(), Family: fam}, nil
	}
	return Address{IP: prefix.Addr(), Prefix: prefix.Bits(), Family: fam}, nil
}

type agentReply struct {
	Return []agentInterface `json:"return"`
}

type agentInterface struct {
	Name        string    `json:"name"`
	MAC         string    `json:"hardware-address"`
	IPAddresses []agentIP `json:"ip-addresses"`
}

type agentIP struct {
	IP     string `json:"ip-address"`
	Type   string `json:"ip-address-type"`
	Prefix int    `json:"prefix"`
}

// ParseAgentInterfaces parses the reply of the guest-network-get-interfaces
// guest agent command.
func ParseAgentInterfaces(out string) ([]Interface, error) {
	var reply agentReply
	dec := json.NewDecoder(strings.NewReader(out))
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("%w: decode guest agent reply: %v", ErrParse, err)
	}
	if reply.Return == nil {
		return nil, fmt.Errorf("%w: guest agent reply has no return value", ErrParse)
	}

	ifaces := make([]Interface, 0, len(reply.Return))
	for _, ai := range reply.Return {
		iface := Interface{Name: ai.Name, MAC: ai.MAC}
		for _, ip := range ai.IPAddresses {
			fam := Family(strings.ToLower(ip.Type))
			if fam != FamilyIPv4 && fam != FamilyIPv6 {
				return nil, fmt.Errorf("%w: unknown address type %q on %s", ErrParse, ip.Type, ai.Name)
			}
			addr, err := netip.ParseAddr(ip.IP)
			if err != nil {
				return nil, fmt.Errorf("%w: bad address %q on %s", ErrParse, ip.IP, ai.Name)
			}
			iface.Addresses = append(iface.Addresses, Address{IP: addr.Unmap(), Prefix: ip.Prefix, Family: fam})
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

// Package zone holds hostguard's named network zones, including the VPN
// metadata the VPN manager and enforcer read.
package zone

import (
	"net/netip"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/validation"
)

// VPNKind selects how the VPN client is driven.
type VPNKind string

const (
	// VPNProcess is a long-running client (e.g. openvpn) whose output
	// signals readiness.
	VPNProcess VPNKind = "process"
	// VPNService is brought up and down by one-shot commands (e.g.
	// wg-quick); readiness is a zero exit status.
	VPNService VPNKind = "service"
)

// SplitMode is the split-tunnel policy.
type SplitMode string

const (
	// SplitInclude routes only the listed destinations through the tunnel.
	SplitInclude SplitMode = "include"
	// SplitExclude routes everything through the tunnel except the listed
	// destinations.
	SplitExclude SplitMode = "exclude"
)

// DefaultReadyPattern is the OpenVPN readiness line.
const DefaultReadyPattern = "Initialization Sequence Completed"

// Zone is a named network policy group.
type Zone struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Networks    []string `json:"networks,omitempty"`
	Interfaces  []string `json:"interfaces,omitempty"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`
	VPN         *VPNSpec `json:"vpn,omitempty"`
}

// VPNSpec is the VPN metadata of a VPN zone.
type VPNSpec struct {
	Kind         VPNKind   `json:"kind"`
	Executable   string    `json:"executable"`
	Args         []string  `json:"args,omitempty"`
	ConfigPath   string    `json:"config_path,omitempty"`
	DownArgs     []string  `json:"down_args,omitempty"`
	Interface    string    `json:"interface,omitempty"`
	Endpoints    []string  `json:"endpoints,omitempty"` // control channel, "addr:port/proto"
	ReadyPattern string    `json:"ready_pattern,omitempty"`
	KillSwitch   bool      `json:"kill_switch"`
	SplitMode    SplitMode `json:"split_mode,omitempty"`
	Routes       []string  `json:"routes,omitempty"`
	FailClosed   bool      `json:"fail_closed"`
	HealthTarget string    `json:"health_target,omitempty"`
}

// IsVPN reports whether the zone carries VPN metadata.
func (z Zone) IsVPN() bool {
	return z.VPN != nil
}

// Clone returns a deep copy.
func (z Zone) Clone() Zone {
	c := z
	c.Networks = slices.Clone(z.Networks)
	c.Interfaces = slices.Clone(z.Interfaces)
	c.Tags = slices.Clone(z.Tags)
	if z.VPN != nil {
		v := *z.VPN
		v.Args = slices.Clone(z.VPN.Args)
		v.DownArgs = slices.Clone(z.VPN.DownArgs)
		v.Endpoints = slices.Clone(z.VPN.Endpoints)
		v.Routes = slices.Clone(z.VPN.Routes)
		c.VPN = &v
	}
	return c
}

// Prefixes parses the member networks. Invalid entries are skipped; they
// cannot exist in a validated zone.
func (z Zone) Prefixes() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(z.Networks))
	for _, n := range z.Networks {
		if p, err := ParseRoute(n); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// Contains reports whether ip falls inside one of the member networks.
func (z Zone) Contains(ip netip.Addr) bool {
	ip = ip.Unmap()
	for _, p := range z.Prefixes() {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseRoute parses a host address or CIDR into a masked prefix.
func ParseRoute(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, errors.Errorf(errors.KindValidation, "invalid CIDR %q", s)
		}
		if p.Addr().Is4In6() {
			return netip.Prefix{}, errors.Errorf(errors.KindValidation, "invalid CIDR %q: mapped address", s)
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, errors.Errorf(errors.KindValidation, "invalid host %q", s)
	}
	a = a.Unmap().WithZone("")
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// Endpoint is a VPN control-channel destination.
type Endpoint struct {
	Addr  netip.Addr `json:"addr"`
	Port  uint16     `json:"port,omitempty"` // 0 means any port
	Proto string     `json:"proto,omitempty"`
}

// String renders the endpoint in the form ParseEndpoint accepts.
func (e Endpoint) String() string {
	if e.Port == 0 {
		return e.Addr.String()
	}
	return netip.AddrPortFrom(e.Addr, e.Port).String() + "/" + e.Proto
}

// ParseEndpoint parses "addr", "addr:port/proto" or "[v6]:port/proto".
// The protocol defaults to udp.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	proto := "udp"
	if i := strings.LastIndex(s, "/"); i >= 0 {
		proto = strings.ToLower(s[i+1:])
		s = s[:i]
	}
	if proto != "udp" && proto != "tcp" {
		return Endpoint{}, errors.Errorf(errors.KindValidation, "invalid endpoint protocol %q", proto)
	}

	if a, err := netip.ParseAddr(s); err == nil {
		return Endpoint{Addr: a.Unmap()}, nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Endpoint{}, errors.Errorf(errors.KindValidation, "invalid endpoint %q: want addr:port/proto", s)
	}
	if ap.Port() == 0 {
		return Endpoint{}, errors.Errorf(errors.KindValidation, "invalid endpoint %q: port 0", s)
	}
	return Endpoint{Addr: ap.Addr().Unmap(), Port: ap.Port(), Proto: proto}, nil
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,62}$`)

// Validate checks a single zone and reports every problem found.
func Validate(z Zone) error {
	var v errors.Validation

	if !idPattern.MatchString(z.ID) {
		v.Addf("id %q must be 1-63 characters of letters, digits, '.', '_' or '-'", z.ID)
	}
	for _, n := range z.Networks {
		if _, err := ParseRoute(n); err != nil {
			v.Addf("network: %v", err)
		}
	}
	for _, i := range z.Interfaces {
		if err := validation.InterfaceName(i); err != nil {
			v.Addf("%v", err)
		}
	}

	if z.VPN != nil {
		validateVPN(&v, z.VPN)
	}

	return v.Err("invalid zone " + strconv.Quote(z.ID))
}

func validateVPN(v *errors.Validation, s *VPNSpec) {
	if strings.TrimSpace(s.Executable) == "" && strings.TrimSpace(s.ConfigPath) == "" {
		v.Addf("vpn: executable or config_path is required")
	}
	if s.Executable != "" {
		if err := validation.Executable(s.Executable); err != nil {
			v.Addf("vpn: %v", err)
		}
	}
	if s.ConfigPath != "" {
		if err := validation.ConfigPath(s.ConfigPath); err != nil {
			v.Addf("vpn: %v", err)
		}
	}
	switch s.Kind {
	case "", VPNProcess, VPNService:
	default:
		v.Addf("vpn: kind %q must be %q or %q", s.Kind, VPNProcess, VPNService)
	}
	switch s.SplitMode {
	case "", SplitInclude, SplitExclude:
	default:
		v.Addf("vpn: split_mode %q must be %q or %q", s.SplitMode, SplitInclude, SplitExclude)
	}
	if s.Interface != "" {
		if err := validation.InterfaceName(s.Interface); err != nil {
			v.Addf("vpn: %v", err)
		}
	}
	if (s.KillSwitch || s.SplitMode == SplitInclude) && s.Interface == "" {
		v.Addf("vpn: interface is required for kill switch or include split tunneling")
	}
	for _, r := range s.Routes {
		if _, err := ParseRoute(r); err != nil {
			v.Addf("vpn: route: %v", err)
		}
	}
	for _, e := range s.Endpoints {
		if _, err := ParseEndpoint(e); err != nil {
			v.Addf("vpn: endpoint: %v", err)
		}
	}
	if s.ReadyPattern != "" {
		if _, err := regexp.Compile(s.ReadyPattern); err != nil {
			v.Addf("vpn: ready_pattern: %v", err)
		}
	}
}

// normalize fills defaults on a validated zone.
func normalize(z Zone) Zone {
	z = z.Clone()
	if z.Name == "" {
		z.Name = z.ID
	}
	if z.VPN != nil {
		if z.VPN.Kind == "" {
			z.VPN.Kind = VPNProcess
		}
		if z.VPN.SplitMode == "" {
			z.VPN.SplitMode = SplitExclude
		}
		if z.VPN.ReadyPattern == "" && z.VPN.Kind == VPNProcess {
			z.VPN.ReadyPattern = DefaultReadyPattern
		}
	}
	return z
}

// Defaults returns the zones seeded when none are configured.
func Defaults() []Zone {
	return []Zone{
		{
			ID:          "dmz",
			Name:        "DMZ",
			Description: "Demilitarized zone",
			Enabled:     true,
		},
		{
			ID:          "lan",
			Name:        "LAN",
			Description: "Private address space",
			Networks:    []string{"192.168.0.0/16", "10.0.0.0/8", "172.16.0.0/12"},
			Enabled:     true,
		},
		{
			ID:          "wan",
			Name:        "WAN",
			Description: "Everything else",
			Networks:    []string{"0.0.0.0/0"},
			Enabled:     true,
		},
	}
}

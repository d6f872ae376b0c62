package config

import (
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/validation"
	"grimm.is/hostguard/internal/zone"
)

// Validate checks a defaulted configuration and reports every problem in a
// single KindValidation error.
func (c *Config) Validate() error {
	var v errors.Validation

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		v.Addf("log_level: %v", err)
	}
	if c.APIEnabled() {
		if _, _, err := net.SplitHostPort(c.API.Listen); err != nil {
			v.Addf("api.listen %q: %v", c.API.Listen, err)
		}
	}
	if c.Collector != nil {
		checkDuration(&v, "collector.interval", c.Collector.Interval)
		checkDuration(&v, "collector.timeout", c.Collector.Timeout)
	}
	if c.Alerts != nil && c.Alerts.Capacity < 0 {
		v.Addf("alerts.capacity must not be negative")
	}
	if c.Security != nil {
		c.Security.validate(&v)
	}
	if c.VPN != nil {
		checkDuration(&v, "vpn.ready_timeout", c.VPN.ReadyTimeout)
		checkDuration(&v, "vpn.stop_grace", c.VPN.StopGrace)
		checkDuration(&v, "vpn.revert_timeout", c.VPN.RevertTimeout)
		checkDuration(&v, "vpn.health_interval", c.VPN.HealthInterval)
		if c.VPN.MaxHandshakeAge != "" {
			checkDuration(&v, "vpn.max_handshake_age", c.VPN.MaxHandshakeAge)
		}
		if c.VPN.HealthFailures < 0 {
			v.Addf("vpn.health_failures must not be negative")
		}
	}
	if c.Enforcer != nil {
		switch c.Enforcer.Backend {
		case "nftables", "memory":
		default:
			v.Addf("enforcer.backend %q must be \"nftables\" or \"memory\"", c.Enforcer.Backend)
		}
		checkDuration(&v, "enforcer.commit_timeout", c.Enforcer.CommitTimeout)
	}

	seen := make(map[string]bool)
	for _, z := range c.Zones {
		if seen[z.ID] {
			v.Addf("zone %q defined more than once", z.ID)
		}
		seen[z.ID] = true
		v.Merge("zone "+z.ID, zone.Validate(z.toZone()))
	}

	return v.Err("invalid configuration")
}

func (s *SecurityConfig) validate(v *errors.Validation) {
	for _, a := range s.AllowList {
		if _, err := parsePrefix(a); err != nil {
			v.Addf("security.allow_list: %v", err)
		}
	}

	if rl := s.RateLimit; rl != nil {
		if rl.Max < 1 {
			v.Addf("security.rate_limit.max must be at least 1")
		}
		checkDuration(v, "security.rate_limit.window", rl.Window)
		for _, e := range rl.Endpoints {
			if e.Max < 1 {
				v.Addf("security.rate_limit.endpoint %q: max must be at least 1", e.Name)
			}
			checkDuration(v, fmt.Sprintf("security.rate_limit.endpoint %q window", e.Name), e.Window)
		}
	}

	if g := s.GeoIP; g != nil {
		if g.Enabled && g.Database == "" {
			v.Addf("security.geoip.database is required when geoip is enabled")
		}
		for _, cc := range g.BlockedCountries {
			if _, err := validation.CountryCode(cc); err != nil {
				v.Addf("security.geoip.blocked_countries: %v", err)
			}
		}
		checkDuration(v, "security.geoip.cache_ttl", g.CacheTTL)
		checkDuration(v, "security.geoip.reload_interval", g.ReloadInterval)
	}

	if r := s.Reputation; r != nil {
		checkDuration(v, "security.reputation.interval", r.Interval)
		checkDuration(v, "security.reputation.timeout", r.Timeout)
		names := make(map[string]bool)
		for _, f := range r.Feeds {
			if names[f.Name] {
				v.Addf("security.reputation.feed %q defined more than once", f.Name)
			}
			names[f.Name] = true
			u, err := url.Parse(f.URL)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				v.Addf("security.reputation.feed %q: url %q must be an http(s) URL", f.Name, f.URL)
			}
		}
		if r.Enabled && len(r.Feeds) == 0 {
			v.Addf("security.reputation: enabled without any feed")
		}
	}

	if k := s.PortKnock; k != nil {
		for _, p := range k.Sequence {
			checkPort(v, "security.port_knock.sequence", p)
		}
		for _, p := range k.ProtectedPorts {
			checkPort(v, "security.port_knock.protected_ports", p)
		}
		checkDuration(v, "security.port_knock.timeout", k.Timeout)
		checkDuration(v, "security.port_knock.lease", k.Lease)
		if k.Enabled && len(k.ProtectedPorts) == 0 && len(k.Zones) == 0 {
			v.Addf("security.port_knock: enabled without protected_ports or zones")
		}
	}

	if d := s.IDS; d != nil {
		for _, p := range d.SuspiciousPorts {
			checkPort(v, "security.ids.suspicious_ports", p)
		}
		if d.PortScanThreshold < 1 {
			v.Addf("security.ids.port_scan_threshold must be at least 1")
		}
	}
}

func checkDuration(v *errors.Validation, field, s string) {
	d, err := time.ParseDuration(s)
	switch {
	case err != nil:
		v.Addf("%s: %q is not a duration", field, s)
	case d <= 0:
		v.Addf("%s must be positive", field)
	}
}

func checkPort(v *errors.Validation, field string, p int) {
	if err := validation.PortNumber(p); err != nil {
		v.Addf("%s: %v", field, err)
	}
}

// parsePrefix accepts a CIDR or a bare address.
func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), nil
}

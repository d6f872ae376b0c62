package config

import (
	"strings"
	"time"

	"grimm.is/hostguard/internal/collector"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/security"
	"grimm.is/hostguard/internal/vpn"
	"grimm.is/hostguard/internal/zone"
)

// The converters below assume a validated configuration; unparsable values
// fall back to zero and the component default applies.

// Level returns the configured log level.
func (c *Config) Level() logging.Level {
	l, _ := logging.ParseLevel(c.LogLevel)
	return l
}

// APIEnabled reports whether the control API should be served.
func (c *Config) APIEnabled() bool {
	return c.API != nil && c.API.Enabled != nil && *c.API.Enabled
}

// ToCollector returns the collector settings.
func (c *Config) ToCollector() collector.Config {
	return collector.Config{
		Interval: duration(c.Collector.Interval),
		Timeout:  duration(c.Collector.Timeout),
	}
}

// ToSecurity returns the security engine configuration.
func (c *Config) ToSecurity() security.Config {
	s := c.Security
	var out security.Config
	for _, a := range s.AllowList {
		if p, err := parsePrefix(a); err == nil {
			out.AllowList = append(out.AllowList, p)
		}
	}

	out.RateLimit = security.RateLimitConfig{
		Enabled: s.RateLimit.Enabled != nil && *s.RateLimit.Enabled,
		Default: security.Limit{Max: s.RateLimit.Max, Window: duration(s.RateLimit.Window)},
	}
	if len(s.RateLimit.Endpoints) > 0 {
		out.RateLimit.Endpoints = make(map[string]security.Limit, len(s.RateLimit.Endpoints))
		for _, e := range s.RateLimit.Endpoints {
			out.RateLimit.Endpoints[e.Name] = security.Limit{Max: e.Max, Window: duration(e.Window)}
		}
	}

	out.Geo = security.GeoConfig{
		Enabled:      s.GeoIP.Enabled,
		DatabasePath: s.GeoIP.Database,
		CacheTTL:     duration(s.GeoIP.CacheTTL),
	}
	for _, cc := range s.GeoIP.BlockedCountries {
		out.Geo.BlockedCountries = append(out.Geo.BlockedCountries, strings.ToUpper(cc))
	}

	out.Reputation = security.ReputationConfig{
		Enabled:   s.Reputation.Enabled,
		Interval:  duration(s.Reputation.Interval),
		Timeout:   duration(s.Reputation.Timeout),
		Threshold: s.Reputation.Threshold,
	}
	for _, f := range s.Reputation.Feeds {
		out.Reputation.Feeds = append(out.Reputation.Feeds, security.Feed{Name: f.Name, URL: f.URL, Score: f.Score})
	}

	out.Knock = security.KnockConfig{
		Enabled:        s.PortKnock.Enabled,
		Sequence:       ports(s.PortKnock.Sequence),
		Timeout:        duration(s.PortKnock.Timeout),
		Lease:          duration(s.PortKnock.Lease),
		ProtectedPorts: ports(s.PortKnock.ProtectedPorts),
		Zones:          append([]string(nil), s.PortKnock.Zones...),
	}

	out.IDS = security.IDSConfig{
		Enabled:           s.IDS.Enabled != nil && *s.IDS.Enabled,
		PortScanThreshold: s.IDS.PortScanThreshold,
		SuspiciousPorts:   ports(s.IDS.SuspiciousPorts),
		Disabled:          append([]string(nil), s.IDS.DisabledRules...),
	}
	return out
}

// GeoReloadInterval is how often the geo database file is reopened.
func (c *Config) GeoReloadInterval() time.Duration {
	return duration(c.Security.GeoIP.ReloadInterval)
}

// ToVPN returns the VPN manager timing.
func (c *Config) ToVPN() vpn.Config {
	return vpn.Config{
		ReadyTimeout:   duration(c.VPN.ReadyTimeout),
		StopGrace:      duration(c.VPN.StopGrace),
		RevertTimeout:  duration(c.VPN.RevertTimeout),
		HealthInterval: duration(c.VPN.HealthInterval),
		HealthFailures: c.VPN.HealthFailures,
	}
}

// MaxHandshakeAge is the WireGuard handshake staleness limit; zero disables
// the check.
func (c *Config) MaxHandshakeAge() time.Duration {
	if c.VPN.MaxHandshakeAge == "" {
		return 0
	}
	return duration(c.VPN.MaxHandshakeAge)
}

// CommitTimeout bounds a single enforcement commit.
func (c *Config) CommitTimeout() time.Duration {
	return duration(c.Enforcer.CommitTimeout)
}

// ToZones returns the configured zones.
func (c *Config) ToZones() []zone.Zone {
	out := make([]zone.Zone, 0, len(c.Zones))
	for _, z := range c.Zones {
		out = append(out, z.toZone())
	}
	return out
}

func (z Zone) toZone() zone.Zone {
	out := zone.Zone{
		ID:          z.ID,
		Name:        z.Name,
		Description: z.Description,
		Networks:    append([]string(nil), z.Networks...),
		Interfaces:  append([]string(nil), z.Interfaces...),
		Enabled:     z.Enabled == nil || *z.Enabled,
		Tags:        append([]string(nil), z.Tags...),
	}
	if v := z.VPN; v != nil {
		spec := &zone.VPNSpec{
			Kind:         zone.VPNKind(v.Kind),
			Executable:   v.Executable,
			Args:         append([]string(nil), v.Args...),
			ConfigPath:   v.Config,
			DownArgs:     append([]string(nil), v.DownArgs...),
			Interface:    v.Interface,
			Endpoints:    append([]string(nil), v.Endpoints...),
			ReadyPattern: v.ReadyPattern,
			KillSwitch:   v.KillSwitch,
			FailClosed:   v.FailClosed,
			HealthTarget: v.HealthTarget,
		}
		if st := v.SplitTunnel; st != nil {
			spec.SplitMode = zone.SplitMode(st.Mode)
			spec.Routes = append([]string(nil), st.Routes...)
		}
		out.VPN = spec
	}
	return out
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func ports(in []int) []uint16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]uint16, 0, len(in))
	for _, p := range in {
		out = append(out, uint16(p))
	}
	return out
}

package config

import (
	"path/filepath"
	"time"

	"grimm.is/hostguard/internal/brand"
)

// Config is the top-level structure of hostguard.hcl.
type Config struct {
	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	API       *APIConfig       `hcl:"api,block" json:"api,omitempty"`
	Collector *CollectorConfig `hcl:"collector,block" json:"collector,omitempty"`
	Alerts    *AlertsConfig    `hcl:"alerts,block" json:"alerts,omitempty"`
	Security  *SecurityConfig  `hcl:"security,block" json:"security,omitempty"`
	VPN       *VPNConfig       `hcl:"vpn,block" json:"vpn,omitempty"`
	Enforcer  *EnforcerConfig  `hcl:"enforcer,block" json:"enforcer,omitempty"`
	Zones     []Zone           `hcl:"zone,block" json:"zones,omitempty"`
}

// APIConfig configures the control API.
type APIConfig struct {
	Enabled *bool  `hcl:"enabled,optional" json:"enabled,omitempty"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"`
}

// CollectorConfig configures the connection collector.
type CollectorConfig struct {
	Interval  string `hcl:"interval,optional" json:"interval,omitempty"`
	Timeout   string `hcl:"timeout,optional" json:"timeout,omitempty"`
	Conntrack bool   `hcl:"conntrack,optional" json:"conntrack,omitempty"`
	ProcRoot  string `hcl:"proc_root,optional" json:"proc_root,omitempty"`
}

// AlertsConfig sizes the alert log.
type AlertsConfig struct {
	Capacity int `hcl:"capacity,optional" json:"capacity,omitempty"`
}

// SecurityConfig holds the security engine settings.
type SecurityConfig struct {
	AllowList  []string          `hcl:"allow_list,optional" json:"allow_list,omitempty"`
	RateLimit  *RateLimitConfig  `hcl:"rate_limit,block" json:"rate_limit,omitempty"`
	GeoIP      *GeoIPConfig      `hcl:"geoip,block" json:"geoip,omitempty"`
	Reputation *ReputationConfig `hcl:"reputation,block" json:"reputation,omitempty"`
	PortKnock  *PortKnockConfig  `hcl:"port_knock,block" json:"port_knock,omitempty"`
	IDS        *IDSConfig        `hcl:"ids,block" json:"ids,omitempty"`
}

// RateLimitConfig is a default limit plus per-endpoint overrides.
type RateLimitConfig struct {
	Enabled   *bool           `hcl:"enabled,optional" json:"enabled,omitempty"`
	Max       int             `hcl:"max,optional" json:"max,omitempty"`
	Window    string          `hcl:"window,optional" json:"window,omitempty"`
	Endpoints []EndpointLimit `hcl:"endpoint,block" json:"endpoints,omitempty"`
}

// EndpointLimit scopes a rate limit to one endpoint identifier.
type EndpointLimit struct {
	Name   string `hcl:"name,label" json:"name"`
	Max    int    `hcl:"max" json:"max"`
	Window string `hcl:"window" json:"window"`
}

// GeoIPConfig configures country blocking.
type GeoIPConfig struct {
	Enabled          bool     `hcl:"enabled,optional" json:"enabled"`
	Database         string   `hcl:"database,optional" json:"database,omitempty"`
	BlockedCountries []string `hcl:"blocked_countries,optional" json:"blocked_countries,omitempty"` // ISO country codes
	CacheTTL         string   `hcl:"cache_ttl,optional" json:"cache_ttl,omitempty"`
	ReloadInterval   string   `hcl:"reload_interval,optional" json:"reload_interval,omitempty"`
}

// ReputationConfig lists reputation feeds.
type ReputationConfig struct {
	Enabled   bool   `hcl:"enabled,optional" json:"enabled"`
	Interval  string `hcl:"interval,optional" json:"interval,omitempty"`
	Timeout   string `hcl:"timeout,optional" json:"timeout,omitempty"`
	Threshold int    `hcl:"threshold,optional" json:"threshold,omitempty"`
	Feeds     []Feed `hcl:"feed,block" json:"feeds,omitempty"`
}

// Feed is one plain-text IP/CIDR list.
type Feed struct {
	Name  string `hcl:"name,label" json:"name"`
	URL   string `hcl:"url" json:"url"`
	Score int    `hcl:"score,optional" json:"score,omitempty"`
}

// PortKnockConfig configures port knocking.
type PortKnockConfig struct {
	Enabled        bool     `hcl:"enabled,optional" json:"enabled"`
	Sequence       []int    `hcl:"sequence,optional" json:"sequence,omitempty"`
	Timeout        string   `hcl:"timeout,optional" json:"timeout,omitempty"`
	Lease          string   `hcl:"lease,optional" json:"lease,omitempty"`
	ProtectedPorts []int    `hcl:"protected_ports,optional" json:"protected_ports,omitempty"`
	Zones          []string `hcl:"zones,optional" json:"zones,omitempty"`
}

// IDSConfig configures snapshot analysis.
type IDSConfig struct {
	Enabled           *bool    `hcl:"enabled,optional" json:"enabled,omitempty"`
	PortScanThreshold int      `hcl:"port_scan_threshold,optional" json:"port_scan_threshold,omitempty"`
	SuspiciousPorts   []int    `hcl:"suspicious_ports,optional" json:"suspicious_ports,omitempty"`
	DisabledRules     []string `hcl:"disabled_rules,optional" json:"disabled_rules,omitempty"`
}

// VPNConfig holds VPN manager timing.
type VPNConfig struct {
	ReadyTimeout    string `hcl:"ready_timeout,optional" json:"ready_timeout,omitempty"`
	StopGrace       string `hcl:"stop_grace,optional" json:"stop_grace,omitempty"`
	RevertTimeout   string `hcl:"revert_timeout,optional" json:"revert_timeout,omitempty"`
	HealthInterval  string `hcl:"health_interval,optional" json:"health_interval,omitempty"`
	HealthFailures  int    `hcl:"health_failures,optional" json:"health_failures,omitempty"`
	MaxHandshakeAge string `hcl:"max_handshake_age,optional" json:"max_handshake_age,omitempty"`
}

// EnforcerConfig selects the firewall backend.
type EnforcerConfig struct {
	// Backend is "nftables" (default) or "memory" for dry runs.
	Backend       string `hcl:"backend,optional" json:"backend,omitempty"`
	CommitTimeout string `hcl:"commit_timeout,optional" json:"commit_timeout,omitempty"`
}

// Zone defines a network zone.
type Zone struct {
	ID          string   `hcl:"id,label" json:"id"`
	Name        string   `hcl:"name,optional" json:"name,omitempty"`
	Description string   `hcl:"description,optional" json:"description,omitempty"`
	Networks    []string `hcl:"networks,optional" json:"networks,omitempty"`
	Interfaces  []string `hcl:"interfaces,optional" json:"interfaces,omitempty"`
	Enabled     *bool    `hcl:"enabled,optional" json:"enabled,omitempty"`
	Tags        []string `hcl:"tags,optional" json:"tags,omitempty"`
	VPN         *ZoneVPN `hcl:"vpn,block" json:"vpn,omitempty"`
}

// ZoneVPN marks a zone as a VPN zone.
type ZoneVPN struct {
	// Kind is "process" (long-running client) or "service" (up/down commands).
	Kind         string       `hcl:"kind,optional" json:"kind,omitempty"`
	Executable   string       `hcl:"executable,optional" json:"executable,omitempty"`
	Args         []string     `hcl:"args,optional" json:"args,omitempty"`
	Config       string       `hcl:"config,optional" json:"config,omitempty"`
	DownArgs     []string     `hcl:"down_args,optional" json:"down_args,omitempty"`
	Interface    string       `hcl:"interface,optional" json:"interface,omitempty"`
	Endpoints    []string     `hcl:"endpoints,optional" json:"endpoints,omitempty"`
	ReadyPattern string       `hcl:"ready_pattern,optional" json:"ready_pattern,omitempty"`
	KillSwitch   bool         `hcl:"kill_switch,optional" json:"kill_switch"`
	FailClosed   bool         `hcl:"fail_closed,optional" json:"fail_closed"`
	HealthTarget string       `hcl:"health_target,optional" json:"health_target,omitempty"`
	SplitTunnel  *SplitTunnel `hcl:"split_tunnel,block" json:"split_tunnel,omitempty"`
}

// SplitTunnel selects which destinations use the tunnel.
type SplitTunnel struct {
	Mode   string   `hcl:"mode,optional" json:"mode,omitempty"` // "include" or "exclude"
	Routes []string `hcl:"routes,optional" json:"routes,omitempty"`
}

// Defaults
const (
	DefaultLogLevel          = "info"
	DefaultListen            = "127.0.0.1:8470"
	DefaultAlertCapacity     = 4096
	DefaultGeoReloadInterval = 24 * time.Hour
	DefaultSweepInterval     = time.Minute
)

// Default returns a configuration with every block present and defaulted.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills absent blocks and zero values. Zones are left alone;
// the zone registry seeds its own defaults when none are configured.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Enabled == nil {
		c.API.Enabled = ptr(true)
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultListen
	}
	if c.Collector == nil {
		c.Collector = &CollectorConfig{}
	}
	defaultDuration(&c.Collector.Interval, "1s")
	defaultDuration(&c.Collector.Timeout, "500ms")
	if c.Alerts == nil {
		c.Alerts = &AlertsConfig{}
	}
	if c.Alerts.Capacity == 0 {
		c.Alerts.Capacity = DefaultAlertCapacity
	}

	if c.Security == nil {
		c.Security = &SecurityConfig{}
	}
	s := c.Security
	if s.RateLimit == nil {
		s.RateLimit = &RateLimitConfig{}
	}
	if s.RateLimit.Enabled == nil {
		s.RateLimit.Enabled = ptr(true)
	}
	if s.RateLimit.Max == 0 {
		s.RateLimit.Max = 100
	}
	defaultDuration(&s.RateLimit.Window, "60s")
	if s.GeoIP == nil {
		s.GeoIP = &GeoIPConfig{}
	}
	defaultDuration(&s.GeoIP.CacheTTL, "1h")
	defaultDuration(&s.GeoIP.ReloadInterval, DefaultGeoReloadInterval.String())
	if s.Reputation == nil {
		s.Reputation = &ReputationConfig{}
	}
	defaultDuration(&s.Reputation.Interval, "1h")
	defaultDuration(&s.Reputation.Timeout, "30s")
	if s.Reputation.Threshold == 0 {
		s.Reputation.Threshold = 50
	}
	if s.PortKnock == nil {
		s.PortKnock = &PortKnockConfig{}
	}
	if len(s.PortKnock.Sequence) == 0 {
		s.PortKnock.Sequence = []int{1000, 2000, 3000}
	}
	defaultDuration(&s.PortKnock.Timeout, "10s")
	defaultDuration(&s.PortKnock.Lease, "5m")
	if s.IDS == nil {
		s.IDS = &IDSConfig{}
	}
	if s.IDS.Enabled == nil {
		s.IDS.Enabled = ptr(true)
	}
	if s.IDS.PortScanThreshold == 0 {
		s.IDS.PortScanThreshold = 10
	}
	if len(s.IDS.SuspiciousPorts) == 0 {
		s.IDS.SuspiciousPorts = []int{22, 23, 3389, 5900}
	}

	if c.VPN == nil {
		c.VPN = &VPNConfig{}
	}
	defaultDuration(&c.VPN.ReadyTimeout, "30s")
	defaultDuration(&c.VPN.StopGrace, "10s")
	defaultDuration(&c.VPN.RevertTimeout, "15s")
	defaultDuration(&c.VPN.HealthInterval, "15s")
	if c.VPN.HealthFailures == 0 {
		c.VPN.HealthFailures = 3
	}

	if c.Enforcer == nil {
		c.Enforcer = &EnforcerConfig{}
	}
	if c.Enforcer.Backend == "" {
		c.Enforcer.Backend = "nftables"
	}
	defaultDuration(&c.Enforcer.CommitTimeout, "10s")
}

// StatePath is the SQLite database location.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

func defaultDuration(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func ptr[T any](v T) *T { return &v }

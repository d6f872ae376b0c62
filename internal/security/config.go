package security

import (
	"net/netip"
	"slices"
	"time"
)

// Limit is a sliding-window rate limit.
type Limit struct {
	Max    int
	Window time.Duration
}

// RateLimitConfig scopes limits by endpoint; Default applies to events
// without an endpoint or with an unknown one.
type RateLimitConfig struct {
	Enabled   bool
	Default   Limit
	Endpoints map[string]Limit
}

// GeoConfig configures country blocking.
type GeoConfig struct {
	Enabled          bool
	DatabasePath     string
	BlockedCountries []string
	CacheTTL         time.Duration
}

// Feed is one reputation source: a plain-text list with one IP or CIDR per
// line and an optional score column.
type Feed struct {
	Name  string
	URL   string
	Score int // applied to entries without their own score
}

// ReputationConfig configures reputation feeds.
type ReputationConfig struct {
	Enabled   bool
	Feeds     []Feed
	Interval  time.Duration
	Timeout   time.Duration
	Threshold int // block when an entry's score is at least this
}

// KnockConfig configures port knocking. Events to a protected port, or from
// a source in a protected zone, require an authorized knock state.
type KnockConfig struct {
	Enabled        bool
	Sequence       []uint16
	Timeout        time.Duration // maximum gap between consecutive knocks
	Lease          time.Duration
	ProtectedPorts []uint16
	Zones          []string
}

// IDSConfig configures snapshot analysis.
type IDSConfig struct {
	Enabled           bool
	PortScanThreshold int
	SuspiciousPorts   []uint16
	Disabled          []string // rule ids disabled at startup
}

// Config is the complete security engine configuration.
type Config struct {
	AllowList  []netip.Prefix
	RateLimit  RateLimitConfig
	Geo        GeoConfig
	Reputation ReputationConfig
	Knock      KnockConfig
	IDS        IDSConfig
}

// Defaults
const (
	DefaultRateMax           = 100
	DefaultRateWindow        = 60 * time.Second
	DefaultGeoCacheTTL       = time.Hour
	DefaultRefreshInterval   = time.Hour
	DefaultFetchTimeout      = 30 * time.Second
	DefaultThreshold         = 50
	DefaultFeedScore         = 100
	DefaultKnockTimeout      = 10 * time.Second
	DefaultKnockLease        = 5 * time.Minute
	DefaultPortScanThreshold = 10
)

// DefaultKnockSequence is used when knocking is enabled without a sequence.
var DefaultKnockSequence = []uint16{1000, 2000, 3000}

// DefaultSuspiciousPorts are SSH, Telnet, RDP and VNC.
var DefaultSuspiciousPorts = []uint16{22, 23, 3389, 5900}

// DefaultConfig returns a configuration with rate limiting on and every
// other check off.
func DefaultConfig() Config {
	c := Config{
		RateLimit: RateLimitConfig{Enabled: true},
		IDS:       IDSConfig{Enabled: true},
	}
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.RateLimit.Default.Max == 0 {
		c.RateLimit.Default.Max = DefaultRateMax
	}
	if c.RateLimit.Default.Window == 0 {
		c.RateLimit.Default.Window = DefaultRateWindow
	}
	if c.Geo.CacheTTL == 0 {
		c.Geo.CacheTTL = DefaultGeoCacheTTL
	}
	if c.Reputation.Interval == 0 {
		c.Reputation.Interval = DefaultRefreshInterval
	}
	if c.Reputation.Timeout == 0 {
		c.Reputation.Timeout = DefaultFetchTimeout
	}
	if c.Reputation.Threshold == 0 {
		c.Reputation.Threshold = DefaultThreshold
	}
	c.Reputation.Feeds = slices.Clone(c.Reputation.Feeds)
	for i := range c.Reputation.Feeds {
		if c.Reputation.Feeds[i].Score == 0 {
			c.Reputation.Feeds[i].Score = DefaultFeedScore
		}
	}
	if len(c.Knock.Sequence) == 0 {
		c.Knock.Sequence = append([]uint16(nil), DefaultKnockSequence...)
	}
	if c.Knock.Timeout == 0 {
		c.Knock.Timeout = DefaultKnockTimeout
	}
	if c.Knock.Lease == 0 {
		c.Knock.Lease = DefaultKnockLease
	}
	if c.IDS.PortScanThreshold == 0 {
		c.IDS.PortScanThreshold = DefaultPortScanThreshold
	}
	if len(c.IDS.SuspiciousPorts) == 0 {
		c.IDS.SuspiciousPorts = append([]uint16(nil), DefaultSuspiciousPorts...)
	}
}

func (c *RateLimitConfig) limitFor(endpoint string) Limit {
	if l, ok := c.Endpoints[endpoint]; ok && endpoint != "" {
		return l
	}
	return c.Default
}

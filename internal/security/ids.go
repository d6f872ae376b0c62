package security

import (
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"

	"grimm.is/hostguard/internal/collector"
	"grimm.is/hostguard/internal/errors"
)

// IDS rule identifiers.
const (
	RuleSuspiciousPort       = "suspicious_port"
	RulePortScan             = "port_scan"
	RuleSuspiciousConnection = "suspicious_connection"
)

// IDSRule describes one detection rule.
type IDSRule struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Enabled     bool   `json:"enabled"`
}

// Finding is one rule match.
type Finding struct {
	Rule        string                `json:"rule"`
	Severity    string                `json:"severity"`
	Description string                `json:"description"`
	Remote      netip.Addr            `json:"remote"`
	Ports       []uint16              `json:"ports,omitempty"`
	Connection  *collector.Connection `json:"connection,omitempty"`
}

// Key identifies a finding across snapshots.
func (f Finding) Key() string {
	var b strings.Builder
	b.WriteString(f.Rule)
	b.WriteByte('|')
	b.WriteString(f.Remote.String())
	for _, p := range f.Ports {
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(int(p)))
	}
	if f.Connection != nil {
		b.WriteByte('|')
		b.WriteString(f.Connection.FlowKey())
	}
	return b.String()
}

var portNames = map[uint16]string{
	22:   "SSH",
	23:   "Telnet",
	3389: "RDP",
	5900: "VNC",
}

// IDS analyses collector snapshots.
type IDS struct {
	mu              sync.RWMutex
	rules           []IDSRule
	suspiciousPorts []uint16
	scanThreshold   int
	reputation      func(netip.Addr) (Entry, bool)
	threshold       int
}

func newIDS(cfg IDSConfig, rep func(netip.Addr) (Entry, bool), threshold int) *IDS {
	rules := []IDSRule{
		{ID: RuleSuspiciousPort, Name: "Suspicious Port", Description: "Connections involving remote administration or insecure protocol ports", Severity: "medium", Enabled: true},
		{ID: RulePortScan, Name: "Port Scan Detection", Description: "One remote address touching many distinct local ports", Severity: "high", Enabled: true},
		{ID: RuleSuspiciousConnection, Name: "Suspicious Connection", Description: "Connections to addresses listed by a reputation feed", Severity: "medium", Enabled: rep != nil},
	}
	for i := range rules {
		if slices.Contains(cfg.Disabled, rules[i].ID) {
			rules[i].Enabled = false
		}
	}
	return &IDS{
		rules:           rules,
		suspiciousPorts: slices.Clone(cfg.SuspiciousPorts),
		scanThreshold:   cfg.PortScanThreshold,
		reputation:      rep,
		threshold:       threshold,
	}
}

// Rules returns the rule list.
func (d *IDS) Rules() []IDSRule {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.rules)
}

// SetRule enables or disables a rule.
func (d *IDS) SetRule(id string, enabled bool) (IDSRule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.rules {
		if d.rules[i].ID == id {
			d.rules[i].Enabled = enabled
			return d.rules[i], nil
		}
	}
	return IDSRule{}, errors.Errorf(errors.KindNotFound, "unknown ids rule %q", id)
}

func (d *IDS) enabled(id string) (IDSRule, bool) {
	for _, r := range d.rules {
		if r.ID == id {
			return r, r.Enabled
		}
	}
	return IDSRule{}, false
}

// Analyze runs every enabled rule over snap.
func (d *IDS) Analyze(snap collector.Snapshot) []Finding {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var findings []Finding

	if rule, ok := d.enabled(RuleSuspiciousPort); ok {
		for i := range snap.Connections {
			c := &snap.Connections[i]
			if c.Direction == collector.DirectionListen || !c.Remote.IsValid() {
				continue
			}
			port := c.Remote.Port()
			if !slices.Contains(d.suspiciousPorts, port) {
				continue
			}
			name := portNames[port]
			if name == "" {
				name = "sensitive service"
			}
			conn := *c
			findings = append(findings, Finding{
				Rule:        rule.ID,
				Severity:    rule.Severity,
				Description: fmt.Sprintf("connection to potentially sensitive port %d (%s)", port, name),
				Remote:      c.Remote.Addr(),
				Ports:       []uint16{port},
				Connection:  &conn,
			})
		}
	}

	if rule, ok := d.enabled(RulePortScan); ok && d.scanThreshold > 0 {
		touched := make(map[netip.Addr]map[uint16]struct{})
		for _, c := range snap.Connections {
			if c.Direction != collector.DirectionInbound || !c.Remote.IsValid() {
				continue
			}
			ip := c.Remote.Addr()
			if touched[ip] == nil {
				touched[ip] = make(map[uint16]struct{})
			}
			touched[ip][c.Local.Port()] = struct{}{}
		}
		for ip, ports := range touched {
			if len(ports) < d.scanThreshold {
				continue
			}
			list := make([]uint16, 0, len(ports))
			for p := range ports {
				list = append(list, p)
			}
			slices.Sort(list)
			findings = append(findings, Finding{
				Rule:        rule.ID,
				Severity:    rule.Severity,
				Description: fmt.Sprintf("%s touched %d distinct local ports", ip, len(list)),
				Remote:      ip,
				Ports:       list,
			})
		}
	}

	if rule, ok := d.enabled(RuleSuspiciousConnection); ok && d.reputation != nil {
		for i := range snap.Connections {
			c := &snap.Connections[i]
			if !c.Remote.IsValid() || c.Remote.Addr().IsUnspecified() {
				continue
			}
			e, found := d.reputation(c.Remote.Addr())
			if !found || e.Score < d.threshold {
				continue
			}
			conn := *c
			findings = append(findings, Finding{
				Rule:        rule.ID,
				Severity:    rule.Severity,
				Description: fmt.Sprintf("connection with %s listed by feed %s (score %d)", c.Remote.Addr(), e.Feed, e.Score),
				Remote:      c.Remote.Addr(),
				Connection:  &conn,
			})
		}
	}

	slices.SortStableFunc(findings, func(a, b Finding) int {
		if a.Rule != b.Rule {
			return strings.Compare(a.Rule, b.Rule)
		}
		return a.Remote.Compare(b.Remote)
	})
	return findings
}


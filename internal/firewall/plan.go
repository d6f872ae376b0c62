package firewall

import (
	"net/netip"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/hostguard/internal/zone"
)

// State is a desired enforcement state. The zero State is the baseline:
// no hostguard rules installed.
type State struct {
	KillSwitch bool            `json:"kill_switch"`
	Zone       string          `json:"zone,omitempty"`
	Interface  string          `json:"interface,omitempty"`
	Endpoints  []zone.Endpoint `json:"endpoints,omitempty"`
	SplitMode  zone.SplitMode  `json:"split_mode,omitempty"`
	Routes     []netip.Prefix  `json:"routes,omitempty"`
}

// IsBaseline reports whether s resolves to no rules.
func (s State) IsBaseline() bool {
	return len(Resolve(s)) == 0
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	c.Endpoints = slices.Clone(s.Endpoints)
	c.Routes = slices.Clone(s.Routes)
	return c
}

// Policy is the per-zone enforcement policy remembered across connects.
type Policy struct {
	KillSwitch bool           `json:"kill_switch"`
	SplitMode  zone.SplitMode `json:"split_mode"`
	Routes     []string       `json:"routes,omitempty"`
}

// PolicyFromZone returns the policy configured on a VPN zone.
func PolicyFromZone(z zone.Zone) Policy {
	if z.VPN == nil {
		return Policy{SplitMode: zone.SplitExclude}
	}
	mode := z.VPN.SplitMode
	if mode == "" {
		mode = zone.SplitExclude
	}
	return Policy{
		KillSwitch: z.VPN.KillSwitch,
		SplitMode:  mode,
		Routes:     slices.Clone(z.VPN.Routes),
	}
}

// DesiredState combines a VPN zone with its policy. Entries that do not
// parse are skipped; validated zones contain none.
func DesiredState(z zone.Zone, p Policy) State {
	s := State{
		KillSwitch: p.KillSwitch,
		Zone:       z.ID,
		SplitMode:  p.SplitMode,
	}
	if z.VPN != nil {
		s.Interface = z.VPN.Interface
		for _, e := range z.VPN.Endpoints {
			if ep, err := zone.ParseEndpoint(e); err == nil {
				s.Endpoints = append(s.Endpoints, ep)
			}
		}
	}
	for _, r := range p.Routes {
		if pfx, err := zone.ParseRoute(r); err == nil {
			s.Routes = append(s.Routes, pfx)
		}
	}
	return s
}

// Rule priorities. Rules are evaluated in ascending priority.
const (
	prioLoopback = 10
	prioEndpoint = 20
	prioSplit    = 30
	prioSplitEnd = 40
	prioTunnel   = 50
	prioDrop     = 60
)

// Resolve computes the rule set enforcing s, in chain order.
//
// Kill switch: everything leaving through an interface other than the
// tunnel is dropped, except loopback and the tunnel's own control channel.
// Include split: only the listed routes may use the tunnel, and they may
// not leave any other way. Exclude split: the listed routes may not use the
// tunnel; with the kill switch on they are exempt from it.
func Resolve(s State) []Rule {
	var rules []Rule
	tun := s.Interface

	if s.KillSwitch && tun != "" {
		for _, ep := range s.Endpoints {
			r := Rule{
				Priority: prioEndpoint,
				Dst:      netip.PrefixFrom(ep.Addr, ep.Addr.BitLen()),
				Verdict:  Accept,
			}
			if ep.Port != 0 {
				r.Proto, r.DPort = ep.Proto, ep.Port
			}
			rules = append(rules, r)
		}
	}

	if tun != "" && len(s.Routes) > 0 {
		switch s.SplitMode {
		case zone.SplitInclude:
			for _, dst := range s.Routes {
				rules = append(rules,
					Rule{Priority: prioSplit, OIF: tun, Dst: dst, Verdict: Accept},
					Rule{Priority: prioSplit, OIF: tun, NotOIF: true, Dst: dst, Verdict: Drop},
				)
			}
			rules = append(rules, Rule{Priority: prioSplitEnd, OIF: tun, Verdict: Drop})
		default:
			for _, dst := range s.Routes {
				rules = append(rules, Rule{Priority: prioSplit, OIF: tun, Dst: dst, Verdict: Drop})
				if s.KillSwitch {
					rules = append(rules, Rule{Priority: prioSplit, OIF: tun, NotOIF: true, Dst: dst, Verdict: Accept})
				}
			}
		}
	}

	if s.KillSwitch && tun != "" {
		rules = append(rules,
			Rule{Priority: prioTunnel, OIF: tun, Verdict: Accept},
			Rule{Priority: prioDrop, Verdict: Drop},
		)
	}

	if len(rules) == 0 {
		return nil
	}
	rules = append(rules, Rule{Priority: prioLoopback, OIF: "lo", Verdict: Accept})
	SortRules(rules)
	return dedupe(rules)
}

func dedupe(rules []Rule) []Rule {
	return slices.CompactFunc(rules, func(a, b Rule) bool { return a.Key() == b.Key() })
}

// RenderPlan renders rules one per line in nft syntax.
func RenderPlan(rules []Rule) string {
	var b strings.Builder
	for _, r := range rules {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Diff returns a unified diff between two rule sets.
func Diff(from, to []Rule, fromName, toName string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(RenderPlan(from)),
		B:        difflib.SplitLines(RenderPlan(to)),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
}

// DiffKeys splits the transition from cur to next into rules to add and
// rules to remove, each in chain order.
func DiffKeys(cur, next []Rule) (add, remove []Rule) {
	have := make(map[string]struct{}, len(cur))
	for _, r := range cur {
		have[r.Key()] = struct{}{}
	}
	want := make(map[string]struct{}, len(next))
	for _, r := range next {
		want[r.Key()] = struct{}{}
		if _, ok := have[r.Key()]; !ok {
			add = append(add, r)
		}
	}
	for _, r := range cur {
		if _, ok := want[r.Key()]; !ok {
			remove = append(remove, r)
		}
	}
	return add, remove
}

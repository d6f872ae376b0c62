package firewall

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"grimm.is/hostguard/internal/errors"
)

// Verdict is the action of an enforcement rule.
type Verdict string

const (
	Accept Verdict = "accept"
	Drop   Verdict = "drop"
)

// TagPrefix marks every rule hostguard installs, so stale rules from a
// crashed session can be found at startup.
const TagPrefix = "hg:"

// Rule is one outbound filter rule. Zero-valued match fields match anything.
type Rule struct {
	Priority int          `json:"priority"`
	OIF      string       `json:"oif,omitempty"`
	NotOIF   bool         `json:"not_oif,omitempty"`
	Dst      netip.Prefix `json:"dst,omitempty"`
	Proto    string       `json:"proto,omitempty"`
	DPort    uint16       `json:"dport,omitempty"`
	Verdict  Verdict      `json:"verdict"`
}

// Key is the canonical identity of a rule. Two rules with the same key are
// the same rule; the key is stored in the installed rule's tag.
func (r Rule) Key() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(r.Priority))
	b.WriteByte(';')
	if r.NotOIF {
		b.WriteByte('!')
	}
	b.WriteString(r.OIF)
	b.WriteByte(';')
	if r.Dst.IsValid() {
		b.WriteString(r.Dst.String())
	}
	b.WriteByte(';')
	b.WriteString(r.Proto)
	b.WriteByte(';')
	if r.DPort != 0 {
		b.WriteString(strconv.Itoa(int(r.DPort)))
	}
	b.WriteByte(';')
	b.WriteString(string(r.Verdict))
	return b.String()
}

// Tag returns the user data stored with the installed rule.
func (r Rule) Tag() []byte {
	return []byte(TagPrefix + r.Key())
}

// ParseKey is the inverse of Key.
func ParseKey(s string) (Rule, error) {
	parts := strings.Split(s, ";")
	if len(parts) != 6 {
		return Rule{}, errors.Errorf(errors.KindValidation, "malformed rule key %q", s)
	}
	var (
		r   Rule
		err error
	)
	if r.Priority, err = strconv.Atoi(parts[0]); err != nil {
		return Rule{}, errors.Errorf(errors.KindValidation, "malformed rule priority in %q", s)
	}
	r.OIF = parts[1]
	if strings.HasPrefix(r.OIF, "!") {
		r.NotOIF = true
		r.OIF = r.OIF[1:]
	}
	if parts[2] != "" {
		if r.Dst, err = netip.ParsePrefix(parts[2]); err != nil {
			return Rule{}, errors.Errorf(errors.KindValidation, "malformed rule destination in %q", s)
		}
	}
	r.Proto = parts[3]
	if parts[4] != "" {
		p, err := strconv.ParseUint(parts[4], 10, 16)
		if err != nil {
			return Rule{}, errors.Errorf(errors.KindValidation, "malformed rule port in %q", s)
		}
		r.DPort = uint16(p)
	}
	switch v := Verdict(parts[5]); v {
	case Accept, Drop:
		r.Verdict = v
	default:
		return Rule{}, errors.Errorf(errors.KindValidation, "malformed rule verdict in %q", s)
	}
	return r, nil
}

// ParseTag recovers a rule from installed user data. ok is false for rules
// hostguard did not install.
func ParseTag(data []byte) (Rule, bool) {
	s := string(data)
	if !strings.HasPrefix(s, TagPrefix) {
		return Rule{}, false
	}
	r, err := ParseKey(strings.TrimPrefix(s, TagPrefix))
	return r, err == nil
}

// String renders the rule in nft syntax.
func (r Rule) String() string {
	var parts []string
	if r.OIF != "" {
		op := ""
		if r.NotOIF {
			op = "!= "
		}
		parts = append(parts, fmt.Sprintf("oifname %s%q", op, r.OIF))
	}
	if r.Dst.IsValid() {
		fam := "ip"
		if r.Dst.Addr().Is6() {
			fam = "ip6"
		}
		parts = append(parts, fam+" daddr "+r.Dst.String())
	}
	switch {
	case r.Proto != "" && r.DPort != 0:
		parts = append(parts, fmt.Sprintf("%s dport %d", r.Proto, r.DPort))
	case r.Proto != "":
		parts = append(parts, "meta l4proto "+r.Proto)
	}
	parts = append(parts, "counter", string(r.Verdict))
	return strings.Join(parts, " ")
}

// Matches reports whether p is matched by r.
func (r Rule) Matches(p Packet) bool {
	if r.OIF != "" && (p.OIF == r.OIF) == r.NotOIF {
		return false
	}
	if r.Dst.IsValid() && !r.Dst.Contains(p.Dst.Unmap()) {
		return false
	}
	if r.Proto != "" && r.Proto != p.Proto {
		return false
	}
	if r.DPort != 0 && r.DPort != p.DPort {
		return false
	}
	return true
}

// SortRules orders rules as they must appear in the chain.
func SortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Key() < rules[j].Key()
	})
}

// Packet is an outbound packet as the output chain sees it.
type Packet struct {
	OIF   string
	Dst   netip.Addr
	Proto string
	DPort uint16
}

// Evaluate returns the verdict of the first rule matching p. Unmatched
// packets are accepted, as by the chain policy.
func Evaluate(rules []Rule, p Packet) Verdict {
	for _, r := range rules {
		if r.Matches(p) {
			return r.Verdict
		}
	}
	return Accept
}

package security

import (
	"net/netip"
	"time"
)

// Action is the outcome of an evaluation.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
)

// Reason explains a verdict. A blocked verdict carries exactly one reason,
// the highest-priority failing check. An allowed verdict may carry
// ReasonDegradedService when a data source could not be consulted.
type Reason string

const (
	ReasonAllowListed       Reason = "AllowListed"
	ReasonDenylisted        Reason = "Denylisted"
	ReasonPortKnockRequired Reason = "PortKnockRequired"
	ReasonGeoIP             Reason = "GeoIP"
	ReasonReputation        Reason = "Reputation"
	ReasonRateLimit         Reason = "RateLimit"
	ReasonDegradedService   Reason = "DegradedService"
)

// Event is one observation to evaluate.
type Event struct {
	Source   netip.Addr `json:"source"`
	DstPort  uint16     `json:"dst_port,omitempty"`
	Protocol string     `json:"protocol,omitempty"`
	Endpoint string     `json:"endpoint,omitempty"` // rate-limit scope
	Zone     string     `json:"zone,omitempty"`     // zone the source belongs to
	Time     time.Time  `json:"time,omitempty"`     // zero means now
}

// Verdict is the engine's decision for one event.
type Verdict struct {
	Action   Action    `json:"action"`
	Reasons  []Reason  `json:"reasons,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	Country  string    `json:"country,omitempty"`
	Degraded []string  `json:"degraded,omitempty"` // data sources that were unavailable
	Time     time.Time `json:"time"`
}

// Allowed reports whether the verdict admits the event.
func (v Verdict) Allowed() bool {
	return v.Action == ActionAllow
}

// Reason returns the primary reason or "".
func (v Verdict) Reason() Reason {
	if len(v.Reasons) == 0 {
		return ""
	}
	return v.Reasons[0]
}

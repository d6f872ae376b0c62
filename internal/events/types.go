// Package events is hostguard's alert sink: a bounded, append-only log of
// verdicts, VPN transitions and enforcement results with best-effort live
// subscribers.
package events

import "time"

// Kind identifies the category of an event.
type Kind string

const (
	// Security engine
	KindVerdict    Kind = "security.verdict"
	KindKnock      Kind = "security.knock"
	KindReputation Kind = "security.reputation"
	KindIDS        Kind = "ids.alert"

	// VPN manager
	KindVPNState Kind = "vpn.state"
	KindVPNLog   Kind = "vpn.log"

	// Enforcer
	KindEnforcement Kind = "enforcement.commit"

	// Collector
	KindCollectorDegraded Kind = "collector.degraded"
)

// Severity grades how urgently an operator should look at an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single entry in the alert log.
type Event struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`              // identity the event is about: an IP, a zone id
	Component string    `json:"component,omitempty"` // emitter: "security", "vpn", "enforcer"
	Reason    string    `json:"reason"`
	Data      any       `json:"data,omitempty"`
}

// ──────────────────────────────────────────────────────────────────────────────
// Type-Specific Payloads
// ──────────────────────────────────────────────────────────────────────────────

// VerdictData is the payload for KindVerdict.
type VerdictData struct {
	Action   string `json:"action"` // "allow" or "block"
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
	SrcIP    string `json:"src_ip"`
	DstPort  uint16 `json:"dst_port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// KnockData is the payload for KindKnock.
type KnockData struct {
	SrcIP    string `json:"src_ip"`
	Port     uint16 `json:"port"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
}

// ReputationData is the payload for KindReputation.
type ReputationData struct {
	Feed    string `json:"feed"`
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// IDSData is the payload for KindIDS.
type IDSData struct {
	Rule       string   `json:"rule"`
	RemoteIP   string   `json:"remote_ip"`
	Ports      []uint16 `json:"ports,omitempty"`
	Process    string   `json:"process,omitempty"`
	PID        int      `json:"pid,omitempty"`
	Connection string   `json:"connection,omitempty"`
}

// VPNStateData is the payload for KindVPNState.
type VPNStateData struct {
	Zone  string `json:"zone"`
	From  string `json:"from"`
	To    string `json:"to"`
	Error string `json:"error,omitempty"`
}

// VPNLogData is the payload for KindVPNLog: one line of client output.
type VPNLogData struct {
	Zone string `json:"zone"`
	Line string `json:"line"`
}

// EnforcementData is the payload for KindEnforcement.
type EnforcementData struct {
	Zone    string `json:"zone,omitempty"`
	Result  string `json:"result"` // "applied", "noop", "rolled_back", "reverted"
	Added   int    `json:"added"`
	Removed int    `json:"removed"`
	Error   string `json:"error,omitempty"`
}

// DegradedData is the payload for KindCollectorDegraded.
type DegradedData struct {
	Sources []string `json:"sources"`
}

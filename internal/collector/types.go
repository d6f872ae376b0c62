// Package collector polls the host's connection, process and interface
// tables and produces periodic snapshots.
package collector

import (
	"net/netip"
	"time"
)

// Direction classifies a connection relative to this host.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionListen   Direction = "listen"
	DirectionUnknown  Direction = "unknown"
)

// Connection is one entry of a snapshot.
type Connection struct {
	Protocol  string         `json:"protocol"` // "tcp", "udp"
	Local     netip.AddrPort `json:"local"`
	Remote    netip.AddrPort `json:"remote"`
	State     string         `json:"state"` // "established", "listen", "time_wait", ...
	Direction Direction      `json:"direction"`
	PID       int            `json:"pid,omitempty"`
	Process   string         `json:"process,omitempty"`
	Inode     uint64         `json:"-"`
	Source    string         `json:"source"` // source that reported it
}

// FlowKey identifies a connection across snapshots.
func (c Connection) FlowKey() string {
	return c.Protocol + " " + c.Local.String() + " " + c.Remote.String()
}

// InterfaceStats carries byte and packet counters for one link.
type InterfaceStats struct {
	Name      string `json:"name"`
	Up        bool   `json:"up"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxBytes   uint64 `json:"tx_bytes"`
	RxPackets uint64 `json:"rx_packets"`
	TxPackets uint64 `json:"tx_packets"`
	RxErrors  uint64 `json:"rx_errors"`
	TxErrors  uint64 `json:"tx_errors"`
	RxDropped uint64 `json:"rx_dropped"`
	TxDropped uint64 `json:"tx_dropped"`
}

// Snapshot is the result of one poll cycle. It is regenerated every cycle
// and never persisted.
type Snapshot struct {
	Seq         uint64           `json:"seq"`
	Timestamp   time.Time        `json:"timestamp"`
	Connections []Connection     `json:"connections"`
	Interfaces  []InterfaceStats `json:"interfaces"`

	// Degraded is set when at least one source failed or timed out; the
	// affected data is carried over from the previous snapshot.
	Degraded        bool     `json:"degraded"`
	DegradedSources []string `json:"degraded_sources,omitempty"`
}

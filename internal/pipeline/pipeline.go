// Package pipeline feeds collector snapshots through the security engine.
package pipeline

import (
	"net/netip"
	"sync"

	"grimm.is/hostguard/internal/collector"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/security"
	"grimm.is/hostguard/internal/zone"
)

// Engine is the part of the security engine the pipeline drives.
type Engine interface {
	Observe(ev security.Event) security.Verdict
	Detect(snap collector.Snapshot) []security.Finding
	Report(findings []security.Finding)
}

// Zones attributes a remote address to a zone.
type Zones interface {
	FindByAddr(ip netip.Addr) (zone.Zone, bool)
}

// Result summarises one processed snapshot.
type Result struct {
	Seq       uint64
	Evaluated int
	Blocked   int
	Findings  int
}

// Pipeline evaluates each inbound flow once, the first time a snapshot
// reports it, and raises each IDS finding once while it persists.
type Pipeline struct {
	engine Engine
	zones  Zones
	logger *logging.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	alerted map[string]struct{}
}

// New returns a pipeline. zones may be nil.
func New(engine Engine, zones Zones, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		engine:  engine,
		zones:   zones,
		logger:  logging.OrDefault(logger).WithComponent("pipeline"),
		seen:    make(map[string]struct{}),
		alerted: make(map[string]struct{}),
	}
}

// Process handles one snapshot. Snapshots are processed one at a time.
func (p *Pipeline) Process(snap collector.Snapshot) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	res := Result{Seq: snap.Seq}

	current := make(map[string]struct{}, len(snap.Connections))
	for _, c := range snap.Connections {
		if c.Direction != collector.DirectionInbound || !c.Remote.IsValid() {
			continue
		}
		key := c.FlowKey()
		current[key] = struct{}{}
		if _, ok := p.seen[key]; ok {
			continue
		}

		ev := security.Event{
			Source:   c.Remote.Addr(),
			DstPort:  c.Local.Port(),
			Protocol: c.Protocol,
			Time:     snap.Timestamp,
		}
		if p.zones != nil {
			if z, ok := p.zones.FindByAddr(ev.Source); ok {
				ev.Zone = z.ID
			}
		}
		v := p.engine.Observe(ev)
		res.Evaluated++
		if !v.Allowed() {
			res.Blocked++
			p.logger.Info("inbound flow blocked", "flow", key, "reason", v.Reason(), "detail", v.Detail)
		}
	}
	// Flows that vanished are forgotten so a reconnect is evaluated again.
	p.seen = current

	findings := p.engine.Detect(snap)
	active := make(map[string]struct{}, len(findings))
	fresh := findings[:0:0]
	for _, f := range findings {
		k := f.Key()
		active[k] = struct{}{}
		if _, ok := p.alerted[k]; !ok {
			fresh = append(fresh, f)
		}
	}
	p.alerted = active
	p.engine.Report(fresh)
	res.Findings = len(fresh)

	if res.Evaluated > 0 || res.Findings > 0 {
		p.logger.Debug("snapshot processed", "seq", snap.Seq, "evaluated", res.Evaluated,
			"blocked", res.Blocked, "findings", res.Findings, "degraded", snap.Degraded)
	}
	return res
}

// Reset forgets every seen flow and raised finding.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]struct{})
	p.alerted = make(map[string]struct{})
}

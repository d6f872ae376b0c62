package collector

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/events"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/metrics"
)

const (
	DefaultInterval = time.Second
	DefaultTimeout  = 500 * time.Millisecond
)

// Partial is what a single source contributes to a snapshot.
type Partial struct {
	Connections []Connection
	Interfaces  []InterfaceStats
}

// Source reads one OS table. Sources may ignore ctx; the collector stops
// waiting for them when the poll timeout expires.
type Source interface {
	Name() string
	Collect(ctx context.Context) (Partial, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	ID string
	Fn func(ctx context.Context) (Partial, error)
}

func (s SourceFunc) Name() string { return s.ID }

func (s SourceFunc) Collect(ctx context.Context) (Partial, error) { return s.Fn(ctx) }

// Config controls polling.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Options wires a Collector.
type Options struct {
	Sources []Source
	Sink    *events.Sink
	Logger  *logging.Logger
	Clock   clock.Clock
}

type result struct {
	partial Partial
	err     error
}

// Collector polls its sources and merges their output into snapshots. A
// source that fails or overruns the timeout contributes its previous output
// and marks the snapshot degraded.
type Collector struct {
	cfg     Config
	sources []Source
	sink    *events.Sink
	logger  *logging.Logger
	clock   clock.Clock

	pollMu   sync.Mutex
	last     map[string]Partial
	pending  map[string]chan result
	degraded []string
	seq      uint64

	latest atomic.Pointer[Snapshot]
}

// New returns a collector. Sources are merged in order: when two sources
// report the same flow, the earlier one wins.
func New(cfg Config, opts Options) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Collector{
		cfg:     cfg,
		sources: opts.Sources,
		sink:    opts.Sink,
		logger:  logging.OrDefault(opts.Logger).WithComponent("collector"),
		clock:   clock.OrReal(opts.Clock),
		last:    make(map[string]Partial),
		pending: make(map[string]chan result),
	}
	c.latest.Store(&Snapshot{})
	return c
}

// Latest returns the most recent snapshot.
func (c *Collector) Latest() Snapshot {
	return *c.latest.Load()
}

// Poll queries every source and returns a merged snapshot. It returns within
// the configured timeout even if a source hangs; polls are serialized.
func (c *Collector) Poll(ctx context.Context) Snapshot {
	c.pollMu.Lock()
	defer c.pollMu.Unlock()

	start := c.clock.Now()
	m := metrics.Get()
	defer func() { m.PollDuration.Observe(c.clock.Since(start).Seconds()) }()

	pctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// A source still running from an earlier poll is not started again; its
	// channel is buffered so the late result is parked there.
	for _, src := range c.sources {
		name := src.Name()
		if _, busy := c.pending[name]; busy {
			continue
		}
		ch := make(chan result, 1)
		c.pending[name] = ch
		go func(src Source) {
			p, err := src.Collect(pctx)
			ch <- result{partial: p, err: err}
		}(src)
	}

	var degraded []string
	parts := make([]Partial, 0, len(c.sources))
	for _, src := range c.sources {
		name := src.Name()
		r, ok := await(pctx, c.pending[name])
		switch {
		case !ok:
			c.logger.Warn("source timed out, using previous data", "source", name,
				"error", errors.Wrap(pctx.Err(), errors.KindTimeout, "collector source"))
			degraded = append(degraded, name)
		case r.err != nil:
			delete(c.pending, name)
			c.logger.Warn("source failed, using previous data", "source", name, "error", r.err)
			degraded = append(degraded, name)
		default:
			delete(c.pending, name)
			c.last[name] = r.partial
		}
		parts = append(parts, c.last[name])
	}

	c.seq++
	snap := Snapshot{
		Seq:             c.seq,
		Timestamp:       c.clock.Now(),
		Connections:     mergeConnections(parts),
		Interfaces:      mergeInterfaces(parts),
		Degraded:        len(degraded) > 0,
		DegradedSources: degraded,
	}
	c.latest.Store(&snap)
	c.report(snap)
	return snap
}

// await waits for a source result until ctx expires. A result that is
// already available is always taken, even after the deadline.
func await(ctx context.Context, ch chan result) (result, bool) {
	select {
	case r := <-ch:
		return r, true
	default:
	}
	select {
	case r := <-ch:
		return r, true
	case <-ctx.Done():
		return result{}, false
	}
}

func (c *Collector) report(snap Snapshot) {
	m := metrics.Get()
	if snap.Degraded {
		m.Polls.WithLabelValues("degraded").Inc()
	} else {
		m.Polls.WithLabelValues("ok").Inc()
	}
	m.Connections.Set(float64(len(snap.Connections)))
	for _, s := range snap.Interfaces {
		m.InterfaceRxBytes.WithLabelValues(s.Name).Set(float64(s.RxBytes))
		m.InterfaceTxBytes.WithLabelValues(s.Name).Set(float64(s.TxBytes))
		m.InterfaceErrors.WithLabelValues(s.Name).Set(float64(s.RxErrors + s.TxErrors))
		m.InterfaceDropped.WithLabelValues(s.Name).Set(float64(s.RxDropped + s.TxDropped))
	}

	// Only changes in the degraded set are published so a persistent outage
	// does not flood the alert log.
	if slices.Equal(snap.DegradedSources, c.degraded) {
		return
	}
	c.degraded = slices.Clone(snap.DegradedSources)
	if snap.Degraded {
		c.sink.Emit(events.KindCollectorDegraded, events.SeverityWarning, "collector", "collector",
			"stale data from "+strings.Join(snap.DegradedSources, ", "),
			events.DegradedData{Sources: slices.Clone(snap.DegradedSources)})
	} else {
		c.sink.Emit(events.KindCollectorDegraded, events.SeverityInfo, "collector", "collector",
			"all sources recovered", events.DegradedData{})
	}
}

// Run polls on the configured interval until ctx is canceled, handing each
// snapshot to fn.
func (c *Collector) Run(ctx context.Context, fn func(Snapshot)) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		snap := c.Poll(ctx)
		if fn != nil {
			fn(snap)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func mergeConnections(parts []Partial) []Connection {
	var out []Connection
	seen := make(map[string]bool)
	for _, p := range parts {
		for _, conn := range p.Connections {
			k := conn.FlowKey()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, conn)
		}
	}
	slices.SortStableFunc(out, func(a, b Connection) int {
		if c := strings.Compare(a.Protocol, b.Protocol); c != 0 {
			return c
		}
		if c := a.Local.Compare(b.Local); c != 0 {
			return c
		}
		return a.Remote.Compare(b.Remote)
	})
	return out
}

func mergeInterfaces(parts []Partial) []InterfaceStats {
	var out []InterfaceStats
	seen := make(map[string]bool)
	for _, p := range parts {
		for _, s := range p.Interfaces {
			if seen[s.Name] {
				continue
			}
			seen[s.Name] = true
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b InterfaceStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}

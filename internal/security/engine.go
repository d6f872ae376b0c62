// Package security decides whether observed traffic is allowed. It combines
// an allow list, a temporary deny list, port knocking, geo blocking,
// reputation feeds and rate limiting into one verdict per event.
package security

import (
	"context"
	"encoding/json"
	"net/netip"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/collector"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/events"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/metrics"
	"grimm.is/hostguard/internal/ratelimit"
	"grimm.is/hostguard/internal/state"
)

// DefaultBlockDuration applies when Block is called without a duration.
const DefaultBlockDuration = time.Hour

// Options carries the engine's collaborators. Every field is optional.
type Options struct {
	Clock   clock.Clock
	Logger  *logging.Logger
	Sink    *events.Sink
	GeoDB   GeoDB
	Fetcher Fetcher
	Store   KVStore
}

// BlockEntry is a temporary deny-list entry.
type BlockEntry struct {
	IP    netip.Addr `json:"ip"`
	Until time.Time  `json:"until"`
}

// Engine evaluates events. It is safe for concurrent use: per-source state
// (rate windows, knock automata) is locked per key, and reputation and geo
// data are read from snapshots that refreshes replace.
type Engine struct {
	cfg    Config
	clock  clock.Clock
	logger *logging.Logger
	sink   *events.Sink
	store  KVStore

	limiter *ratelimit.Limiter
	knocks  *knockTracker
	geo     *geoCache
	rep     *Reputation
	ids     *IDS

	mu        sync.RWMutex
	allow     []netip.Prefix
	dynAllow  []netip.Prefix
	deny      map[netip.Addr]time.Time
	countries map[string]bool
}

// New creates an engine. cfg is copied; zero values take defaults.
func New(cfg Config, opts Options) *Engine {
	cfg.ApplyDefaults()
	clk := clock.OrReal(opts.Clock)
	logger := logging.OrDefault(opts.Logger).WithComponent("security")

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(cfg.Reputation.Timeout)
	}

	e := &Engine{
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		sink:      opts.Sink,
		store:     opts.Store,
		limiter:   ratelimit.NewLimiter(clk),
		knocks:    newKnockTracker(cfg.Knock),
		geo:       newGeoCache(opts.GeoDB, cfg.Geo.CacheTTL, clk),
		allow:     normalizePrefixes(cfg.AllowList),
		deny:      make(map[netip.Addr]time.Time),
		countries: make(map[string]bool),
	}
	e.rep = newReputation(cfg.Reputation, fetcher, opts.Store, clk, logger, opts.Sink)

	var repLookup func(netip.Addr) (Entry, bool)
	if cfg.Reputation.Enabled {
		repLookup = e.rep.Lookup
	}
	e.ids = newIDS(cfg.IDS, repLookup, cfg.Reputation.Threshold)

	for _, c := range cfg.Geo.BlockedCountries {
		e.countries[strings.ToUpper(c)] = true
	}
	if err := e.loadBlocks(); err != nil {
		logger.Warn("failed to restore blocked sources", "error", err)
	}
	return e
}

// loadBlocks restores unexpired deny-list entries. The store drops expired
// rows itself.
func (e *Engine) loadBlocks() error {
	if e.store == nil {
		return nil
	}
	rows, err := e.store.List(state.BucketBlocks)
	if err != nil {
		return err
	}
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, raw := range rows {
		var b BlockEntry
		if err := json.Unmarshal(raw, &b); err != nil || !b.IP.IsValid() {
			e.logger.Warn("skipping unreadable block entry", "key", key, "error", err)
			continue
		}
		if now.Before(b.Until) {
			e.deny[b.IP.Unmap()] = b.Until
		}
	}
	if len(e.deny) > 0 {
		e.logger.Info("restored blocked sources", "count", len(e.deny))
	}
	return nil
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate runs the enabled checks in fixed priority order and reports the
// first failure: allow list (short-circuits to allow), deny list, port
// knocking, geo, reputation, rate limit. An unavailable geo database or
// reputation table never blocks; it is reported in Degraded and, when the
// event is allowed, as ReasonDegradedService. A geo cache miss is treated
// the same way while the lookup completes in the background.
func (e *Engine) Evaluate(ev Event) Verdict {
	now := ev.Time
	if now.IsZero() {
		now = e.clock.Now()
	}
	ip := ev.Source.Unmap()

	v := e.evaluate(ev, ip, now)
	e.record(ev, ip, v)
	return v
}

func (e *Engine) evaluate(ev Event, ip netip.Addr, now time.Time) Verdict {
	v := Verdict{Action: ActionAllow, Time: now}
	block := func(r Reason, detail string) Verdict {
		v.Action = ActionBlock
		v.Reasons = []Reason{r}
		v.Detail = detail
		return v
	}

	if !ip.IsValid() {
		return block(ReasonDenylisted, "invalid source address")
	}

	e.mu.RLock()
	allowed := containsAddr(e.allow, ip) || containsAddr(e.dynAllow, ip)
	until, denied := e.deny[ip]
	e.mu.RUnlock()

	if allowed {
		v.Reasons = []Reason{ReasonAllowListed}
		return v
	}
	if denied && now.Before(until) {
		return block(ReasonDenylisted, "blocked until "+until.UTC().Format(time.RFC3339))
	}

	if e.knockRequired(ev) {
		if st := e.knocks.state(ip, now); st.Phase != KnockAuthorized {
			return block(ReasonPortKnockRequired, "knock sequence not completed")
		}
	}

	if e.cfg.Geo.Enabled && e.hasBlockedCountries() {
		d, err := e.geo.lookup(ip)
		if err != nil {
			e.logger.Debug("geo lookup degraded", "ip", ip, "error", err)
			v.Degraded = append(v.Degraded, "geoip")
		} else {
			v.Country = d.Country
			if e.countryBlocked(d.Country) {
				return block(ReasonGeoIP, "country "+d.Country+" is blocked")
			}
		}
	}

	if e.cfg.Reputation.Enabled {
		if e.rep.Degraded() {
			v.Degraded = append(v.Degraded, "reputation")
		}
		if entry, ok := e.rep.Lookup(ip); ok && entry.Score >= e.cfg.Reputation.Threshold {
			return block(ReasonReputation, "listed by "+entry.Feed+" as "+entry.Prefix.String())
		}
	}

	if e.cfg.RateLimit.Enabled {
		scope := ""
		if _, ok := e.cfg.RateLimit.Endpoints[ev.Endpoint]; ok {
			scope = ev.Endpoint
		}
		limit := e.cfg.RateLimit.limitFor(scope)
		if !e.limiter.AllowAt(ratelimit.Key(ip.String(), scope), limit.Max, limit.Window, now) {
			return block(ReasonRateLimit, "rate limit exceeded")
		}
	}

	if len(v.Degraded) > 0 {
		v.Reasons = []Reason{ReasonDegradedService}
	}
	return v
}

func (e *Engine) record(ev Event, ip netip.Addr, v Verdict) {
	metrics.Get().Verdicts.WithLabelValues(string(v.Action), string(v.Reason())).Inc()
	if v.Allowed() {
		return
	}
	e.sink.Publish(events.Event{
		Kind:      events.KindVerdict,
		Severity:  events.SeverityWarning,
		Timestamp: v.Time,
		Source:    ip.String(),
		Component: "security",
		Reason:    string(v.Reason()),
		Data: events.VerdictData{
			Action:   string(v.Action),
			Reason:   string(v.Reason()),
			Detail:   v.Detail,
			SrcIP:    ip.String(),
			DstPort:  ev.DstPort,
			Protocol: ev.Protocol,
			Endpoint: ev.Endpoint,
		},
	})
}

// Observe records a knock attempt when the destination port belongs to the
// knock sequence, then evaluates the event.
func (e *Engine) Observe(ev Event) Verdict {
	if e.cfg.Knock.Enabled && ev.DstPort != 0 && e.knocks.inSequence(ev.DstPort) {
		e.RecordKnockAttempt(ev.Source, ev.DstPort, ev.Time)
	}
	return e.Evaluate(ev)
}

func (e *Engine) knockRequired(ev Event) bool {
	k := e.cfg.Knock
	if !k.Enabled {
		return false
	}
	if ev.DstPort != 0 && slices.Contains(k.ProtectedPorts, ev.DstPort) {
		return true
	}
	return ev.Zone != "" && slices.Contains(k.Zones, ev.Zone)
}

// RecordKnockAttempt advances or resets the knock automaton for src. A
// zero timestamp means now.
func (e *Engine) RecordKnockAttempt(src netip.Addr, port uint16, ts time.Time) KnockState {
	if ts.IsZero() {
		ts = e.clock.Now()
	}
	src = src.Unmap()
	before := e.knocks.state(src, ts)
	after := e.knocks.record(src, port, ts)

	if after.Phase != before.Phase || after.Progress != before.Progress {
		metrics.Get().KnockTransitions.WithLabelValues(string(after.Phase)).Inc()
	}
	if after.Phase == KnockAuthorized && before.Phase != KnockAuthorized {
		e.logger.Info("knock sequence completed", "source", src, "until", after.AuthorizedUntil)
		e.sink.Emit(events.KindKnock, events.SeverityInfo, "security", src.String(), "knock sequence completed",
			events.KnockData{SrcIP: src.String(), Port: port, State: string(after.Phase), Progress: after.Progress})
	}
	return after
}

// KnockState returns the current automaton state of src.
func (e *Engine) KnockState(src netip.Addr) KnockState {
	return e.knocks.state(src.Unmap(), e.clock.Now())
}

// RefreshGeo resolves ip, using the cache when the entry is still fresh.
func (e *Engine) RefreshGeo(ip netip.Addr) (GeoDecision, error) {
	return e.geo.resolve(ip.Unmap())
}

// LoadReputation restores persisted reputation tables.
func (e *Engine) LoadReputation() error {
	if !e.cfg.Reputation.Enabled {
		return nil
	}
	return e.rep.Load()
}

// RefreshReputation fetches all feeds. Failed feeds keep their entries.
func (e *Engine) RefreshReputation(ctx context.Context) error {
	if !e.cfg.Reputation.Enabled {
		return nil
	}
	return e.rep.Refresh(ctx)
}

// Reputation exposes the reputation table.
func (e *Engine) Reputation() *Reputation {
	return e.rep
}

// IDS exposes the intrusion detection rules.
func (e *Engine) IDS() *IDS {
	return e.ids
}

// Analyze runs the IDS over snap and publishes findings.
func (e *Engine) Analyze(snap collector.Snapshot) []Finding {
	findings := e.Detect(snap)
	e.Report(findings)
	return findings
}

// Detect runs the IDS over snap without publishing anything.
func (e *Engine) Detect(snap collector.Snapshot) []Finding {
	if !e.cfg.IDS.Enabled {
		return nil
	}
	return e.ids.Analyze(snap)
}

// Report publishes findings as ids.alert events.
func (e *Engine) Report(findings []Finding) {
	for _, f := range findings {
		metrics.Get().IDSAlerts.WithLabelValues(f.Rule).Inc()
		data := events.IDSData{Rule: f.Rule, RemoteIP: f.Remote.String(), Ports: f.Ports}
		if f.Connection != nil {
			data.Process = f.Connection.Process
			data.PID = f.Connection.PID
			data.Connection = f.Connection.FlowKey()
		}
		sev := events.SeverityWarning
		if f.Severity == "high" {
			sev = events.SeverityCritical
		}
		e.sink.Emit(events.KindIDS, sev, "security", f.Remote.String(), f.Description, data)
	}
}

// Block adds ip to the temporary deny list.
func (e *Engine) Block(ip netip.Addr, d time.Duration) BlockEntry {
	if d <= 0 {
		d = DefaultBlockDuration
	}
	ip = ip.Unmap()
	until := e.clock.Now().Add(d)

	e.mu.Lock()
	e.deny[ip] = until
	e.mu.Unlock()

	entry := BlockEntry{IP: ip, Until: until}
	if e.store != nil {
		if err := e.store.SetJSONWithTTL(state.BucketBlocks, ip.String(), entry, d); err != nil {
			e.logger.Warn("failed to persist block", "ip", ip, "error", err)
		}
	}
	e.logger.Info("source blocked", "ip", ip, "until", until)
	return entry
}

// Unblock removes ip from the deny list.
func (e *Engine) Unblock(ip netip.Addr) error {
	ip = ip.Unmap()
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.deny[ip]; !ok {
		return errors.Errorf(errors.KindNotFound, "%s is not blocked", ip)
	}
	delete(e.deny, ip)
	if e.store != nil {
		if err := e.store.Delete(state.BucketBlocks, ip.String()); err != nil && !errors.Is(err, state.ErrNotFound) {
			e.logger.Warn("failed to remove persisted block", "ip", ip, "error", err)
		}
	}
	return nil
}

// Blocks lists active deny-list entries.
func (e *Engine) Blocks() []BlockEntry {
	now := e.clock.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]BlockEntry, 0, len(e.deny))
	for ip, until := range e.deny {
		if now.Before(until) {
			out = append(out, BlockEntry{IP: ip, Until: until})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IP.Less(out[j].IP) })
	return out
}

// Allow adds p to the dynamic allow list.
func (e *Engine) Allow(p netip.Prefix) {
	p = normalizePrefix(p)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !slices.Contains(e.dynAllow, p) {
		e.dynAllow = append(e.dynAllow, p)
	}
}

// Disallow removes p from the dynamic allow list. Static entries from the
// configuration cannot be removed.
func (e *Engine) Disallow(p netip.Prefix) bool {
	p = normalizePrefix(p)
	e.mu.Lock()
	defer e.mu.Unlock()
	i := slices.Index(e.dynAllow, p)
	if i < 0 {
		return false
	}
	e.dynAllow = slices.Delete(e.dynAllow, i, i+1)
	return true
}

// AllowList returns static and dynamic allow-list entries.
func (e *Engine) AllowList() []netip.Prefix {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append(slices.Clone(e.allow), e.dynAllow...)
}

// BlockCountry adds a country code to the geo block list.
func (e *Engine) BlockCountry(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.countries[strings.ToUpper(code)] = true
}

// UnblockCountry removes a country code from the geo block list.
func (e *Engine) UnblockCountry(code string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.countries, strings.ToUpper(code))
}

// BlockedCountries returns the sorted geo block list.
func (e *Engine) BlockedCountries() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.countries))
	for c := range e.countries {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) hasBlockedCountries() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.countries) > 0
}

func (e *Engine) countryBlocked(code string) bool {
	if code == "" {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.countries[code]
}

// GC sweeps expired deny-list entries, geo decisions, idle rate windows
// and idle knock automata.
func (e *Engine) GC() {
	now := e.clock.Now()

	e.mu.Lock()
	expired := 0
	for ip, until := range e.deny {
		if !now.Before(until) {
			delete(e.deny, ip)
			expired++
		}
	}
	e.mu.Unlock()

	geo := e.geo.sweep()
	windows := e.limiter.CleanupExpired(e.maxWindow())
	knocks := e.knocks.gc(now)

	e.logger.Debug("security state swept", "blocks", expired, "geo", geo, "windows", windows, "knocks", knocks)
}

func (e *Engine) maxWindow() time.Duration {
	w := e.cfg.RateLimit.Default.Window
	for _, l := range e.cfg.RateLimit.Endpoints {
		w = max(w, l.Window)
	}
	return w
}

func normalizePrefix(p netip.Prefix) netip.Prefix {
	a := p.Addr()
	if a.Is4In6() && p.Bits() >= 96 {
		return netip.PrefixFrom(a.Unmap(), p.Bits()-96).Masked()
	}
	return p.Masked()
}

func normalizePrefixes(in []netip.Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(in))
	for _, p := range in {
		out = append(out, normalizePrefix(p))
	}
	return out
}

func containsAddr(prefixes []netip.Prefix, ip netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

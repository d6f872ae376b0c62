package firewall

import (
	"context"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/events"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/metrics"
	"grimm.is/hostguard/internal/state"
	"grimm.is/hostguard/internal/zone"
)

// DefaultCommitTimeout bounds a single commit.
const DefaultCommitTimeout = 10 * time.Second

const liveKey = "live"

// Store persists enforcement state.
type Store interface {
	GetJSON(bucket, key string, v any) error
	SetJSON(bucket, key string, v any) error
}

// Options configures an Enforcer.
type Options struct {
	Backend       Backend
	Store         Store
	Sink          *events.Sink
	Logger        *logging.Logger
	Clock         clock.Clock
	CommitTimeout time.Duration
}

// Result describes a commit.
type Result struct {
	Added   int  `json:"added"`
	Removed int  `json:"removed"`
	NoOp    bool `json:"noop"`
}

type committed struct {
	state State
	rules []Rule
}

// Enforcer owns the live enforcement state. Commits are serialized; readers
// see the last committed snapshot.
type Enforcer struct {
	commitMu sync.Mutex
	current  atomic.Pointer[committed]

	backend Backend
	store   Store
	sink    *events.Sink
	logger  *logging.Logger
	clock   clock.Clock
	timeout time.Duration
}

// New returns an Enforcer at the baseline. Call Recover before the first
// commit to clear rules left by a previous run.
func New(opts Options) *Enforcer {
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.CommitTimeout <= 0 {
		opts.CommitTimeout = DefaultCommitTimeout
	}
	e := &Enforcer{
		backend: opts.Backend,
		store:   opts.Store,
		sink:    opts.Sink,
		logger:  logging.OrDefault(opts.Logger).WithComponent("enforcer"),
		clock:   clock.OrReal(opts.Clock),
		timeout: opts.CommitTimeout,
	}
	e.current.Store(&committed{})
	return e
}

// Current returns the last committed state.
func (e *Enforcer) Current() State {
	return e.current.Load().state.Clone()
}

// Rules returns the last committed rule set in chain order.
func (e *Enforcer) Rules() []Rule {
	return slices.Clone(e.current.Load().rules)
}

// BackendName reports which firewall facility is in use.
func (e *Enforcer) BackendName() string {
	return e.backend.Name()
}

// Commit moves the host from the current state to next. New rules are
// installed before stale ones are removed. If any step fails the host is
// returned to the pre-commit rule set and the current state is unchanged.
func (e *Enforcer) Commit(ctx context.Context, next State) (Result, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	return e.commitLocked(ctx, next)
}

func (e *Enforcer) commitLocked(ctx context.Context, next State) (Result, error) {
	start := e.clock.Now()
	m := metrics.Get()
	defer func() { m.CommitDuration.Observe(e.clock.Since(start).Seconds()) }()

	cur := e.current.Load()
	want := Resolve(next)
	add, remove := DiffKeys(cur.rules, want)

	if len(add) == 0 && len(remove) == 0 {
		e.current.Store(&committed{state: next.Clone(), rules: cur.rules})
		e.persist(next)
		m.Commits.WithLabelValues("noop").Inc()
		return Result{NoOp: true}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var added, removed []Rule
	err := func() error {
		for _, r := range add {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, errors.KindTimeout, "commit deadline exceeded")
			}
			if err := e.backend.Add(ctx, r); err != nil {
				return errors.Wrapf(err, errors.KindEnforcementFailure, "add rule %q", r.String())
			}
			added = append(added, r)
		}
		for _, r := range remove {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, errors.KindTimeout, "commit deadline exceeded")
			}
			if err := e.backend.Remove(ctx, r); err != nil {
				return errors.Wrapf(err, errors.KindEnforcementFailure, "remove rule %q", r.String())
			}
			removed = append(removed, r)
		}
		return nil
	}()

	if err != nil {
		e.rollback(ctx, cur.rules, added, removed)
		m.Commits.WithLabelValues("rolled_back").Inc()
		e.logger.Error("enforcement commit rolled back", "zone", next.Zone, "error", err)
		e.sink.Emit(events.KindEnforcement, events.SeverityCritical, "enforcer", next.Zone,
			"enforcement commit failed, rolled back", events.EnforcementData{
				Zone: next.Zone, Result: "rolled_back", Error: err.Error(),
			})
		if errors.GetKind(err) == errors.KindTimeout {
			return Result{}, errors.Wrap(err, errors.KindEnforcementFailure, "enforcement commit timed out")
		}
		return Result{}, err
	}

	e.current.Store(&committed{state: next.Clone(), rules: want})
	e.persist(next)

	m.Commits.WithLabelValues("applied").Inc()
	m.EnforcedRules.Set(float64(len(want)))
	ks := 0.0
	if next.KillSwitch && len(want) > 0 {
		ks = 1
	}
	m.KillSwitchActive.Set(ks)

	result := "applied"
	if len(want) == 0 {
		result = "reverted"
	}
	e.logger.Info("enforcement committed", "zone", next.Zone, "result", result,
		"added", len(add), "removed", len(remove), "rules", len(want))
	e.sink.Emit(events.KindEnforcement, events.SeverityInfo, "enforcer", next.Zone,
		"enforcement "+result, events.EnforcementData{
			Zone: next.Zone, Result: result, Added: len(add), Removed: len(remove),
		})
	return Result{Added: len(add), Removed: len(remove)}, nil
}

// rollback undoes a partial commit in reverse order. If undoing fails the
// backend is reconciled against the pre-commit rule set.
func (e *Enforcer) rollback(ctx context.Context, prior, added, removed []Rule) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	var failed bool
	for i := len(removed) - 1; i >= 0; i-- {
		if err := e.backend.Add(rctx, removed[i]); err != nil {
			e.logger.Warn("rollback: re-add failed", "rule", removed[i].String(), "error", err)
			failed = true
		}
	}
	for i := len(added) - 1; i >= 0; i-- {
		if err := e.backend.Remove(rctx, added[i]); err != nil && !errors.IsKind(err, errors.KindNotFound) {
			e.logger.Warn("rollback: remove failed", "rule", added[i].String(), "error", err)
			failed = true
		}
	}
	if failed {
		if err := e.reconcile(rctx, prior); err != nil {
			e.logger.Error("rollback could not restore the prior rule set", "error", err)
		}
	}
}

// reconcile makes the installed rules equal to want.
func (e *Enforcer) reconcile(ctx context.Context, want []Rule) error {
	have, err := e.backend.Installed(ctx)
	if err != nil {
		return err
	}
	add, remove := DiffKeys(have, want)
	var errs []error
	for _, r := range add {
		if err := e.backend.Add(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range remove {
		if err := e.backend.Remove(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), errors.KindEnforcementFailure, "reconcile")
	}
	return nil
}

// Revert restores the baseline.
func (e *Enforcer) Revert(ctx context.Context) error {
	_, err := e.Commit(ctx, State{})
	return err
}

// Recover clears rules left behind by a previous session and resets the
// persisted live state. It returns the number of stale rules removed.
func (e *Enforcer) Recover(ctx context.Context) (int, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.store != nil {
		var prev State
		if err := e.store.GetJSON(state.BucketEnforcement, liveKey, &prev); err == nil && !prev.IsBaseline() {
			e.logger.Warn("previous session left enforcement active", "zone", prev.Zone, "kill_switch", prev.KillSwitch)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	stale, err := e.backend.Installed(ctx)
	if err != nil {
		return 0, errors.Wrap(err, errors.KindEnforcementFailure, "failed to read installed rules")
	}
	if len(stale) > 0 {
		if err := e.backend.Clear(ctx); err != nil {
			return 0, errors.Wrap(err, errors.KindEnforcementFailure, "failed to clear stale rules")
		}
		e.logger.Warn("cleared stale enforcement rules", "count", len(stale))
	}

	e.current.Store(&committed{})
	e.persist(State{})
	m := metrics.Get()
	m.EnforcedRules.Set(0)
	m.KillSwitchActive.Set(0)
	return len(stale), nil
}

// ApplyKillSwitch enables or disables the kill switch on the current state.
// iface, when set, names the tunnel interface to exempt.
func (e *Enforcer) ApplyKillSwitch(ctx context.Context, enabled bool, iface string) (Result, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	next := e.Current()
	next.KillSwitch = enabled
	if iface != "" {
		next.Interface = iface
	}
	if enabled && next.Interface == "" {
		return Result{}, errors.New(errors.KindValidation, "kill switch needs a tunnel interface")
	}
	return e.commitLocked(ctx, next)
}

// ApplySplitTunnel replaces the split-tunnel policy of the current state.
func (e *Enforcer) ApplySplitTunnel(ctx context.Context, mode zone.SplitMode, routes []netip.Prefix) (Result, error) {
	if mode != zone.SplitInclude && mode != zone.SplitExclude {
		return Result{}, errors.Errorf(errors.KindValidation, "invalid split mode %q", mode)
	}
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	next := e.Current()
	next.SplitMode = mode
	next.Routes = slices.Clone(routes)
	return e.commitLocked(ctx, next)
}

// persist records the live state and, for a zone state, that zone's policy.
// Failures are logged; the rules are already in place.
func (e *Enforcer) persist(s State) {
	if e.store == nil {
		return
	}
	if err := e.store.SetJSON(state.BucketEnforcement, liveKey, s); err != nil {
		e.logger.Warn("failed to persist enforcement state", "error", err)
	}
	if s.Zone == "" {
		return
	}
	if err := e.store.SetJSON(state.BucketEnforcement, policyKey(s.Zone), policyOf(s)); err != nil {
		e.logger.Warn("failed to persist zone policy", "zone", s.Zone, "error", err)
	}
}

func policyKey(zoneID string) string {
	return "zone/" + zoneID
}

func policyOf(s State) Policy {
	p := Policy{KillSwitch: s.KillSwitch, SplitMode: s.SplitMode}
	for _, r := range s.Routes {
		p.Routes = append(p.Routes, r.String())
	}
	return p
}

// Policy returns the last committed policy of a zone, falling back to the
// zone's configured policy.
func (e *Enforcer) Policy(z zone.Zone) Policy {
	if e.store != nil {
		var p Policy
		if err := e.store.GetJSON(state.BucketEnforcement, policyKey(z.ID), &p); err == nil {
			if p.SplitMode == "" {
				p.SplitMode = zone.SplitExclude
			}
			return p
		}
	}
	return PolicyFromZone(z)
}

// SetPolicy stores a zone's policy. If the zone is the one currently
// enforced, the new policy is committed immediately.
func (e *Enforcer) SetPolicy(ctx context.Context, z zone.Zone, p Policy) (Result, error) {
	var v errors.Validation
	switch p.SplitMode {
	case "":
		p.SplitMode = zone.SplitExclude
	case zone.SplitInclude, zone.SplitExclude:
	default:
		v.Addf("split mode %q must be %q or %q", p.SplitMode, zone.SplitInclude, zone.SplitExclude)
	}
	for _, r := range p.Routes {
		if _, err := zone.ParseRoute(r); err != nil {
			v.Addf("route: %v", err)
		}
	}
	if err := v.Err("invalid policy for zone " + z.ID); err != nil {
		return Result{}, err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if e.Current().Zone == z.ID {
		return e.commitLocked(ctx, DesiredState(z, p))
	}
	if e.store != nil {
		if err := e.store.SetJSON(state.BucketEnforcement, policyKey(z.ID), p); err != nil {
			return Result{}, errors.Wrapf(err, errors.KindTransientIO, "failed to persist policy for zone %q", z.ID)
		}
	}
	return Result{NoOp: true}, nil
}

// SetKillSwitch updates only the kill-switch flag of a zone's policy.
func (e *Enforcer) SetKillSwitch(ctx context.Context, z zone.Zone, enabled bool) (Result, error) {
	if enabled && (z.VPN == nil || z.VPN.Interface == "") {
		return Result{}, errors.Errorf(errors.KindValidation, "zone %q has no tunnel interface for a kill switch", z.ID)
	}
	p := e.Policy(z)
	p.KillSwitch = enabled
	return e.SetPolicy(ctx, z, p)
}

// SetSplitTunnel updates only the split-tunnel part of a zone's policy.
func (e *Enforcer) SetSplitTunnel(ctx context.Context, z zone.Zone, mode zone.SplitMode, routes []string) (Result, error) {
	p := e.Policy(z)
	p.SplitMode = mode
	p.Routes = slices.Clone(routes)
	return e.SetPolicy(ctx, z, p)
}

// Enforce commits the desired state of a connected VPN zone.
func (e *Enforcer) Enforce(ctx context.Context, z zone.Zone) (Result, error) {
	return e.Commit(ctx, DesiredState(z, e.Policy(z)))
}

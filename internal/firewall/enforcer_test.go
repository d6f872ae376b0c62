package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/events"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/state"
	"grimm.is/hostguard/internal/zone"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: map[string][]byte{}}
}

func (m *memKV) GetJSON(bucket, key string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[bucket+"/"+key]
	if !ok {
		return state.ErrNotFound
	}
	return json.Unmarshal(b, v)
}

func (m *memKV) SetJSON(bucket, key string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[bucket+"/"+key] = b
	return nil
}

type fixture struct {
	enf     *Enforcer
	backend *MemoryBackend
	store   *memKV
	sink    *events.Sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	f := &fixture{
		backend: NewMemoryBackend(),
		store:   newMemKV(),
		sink:    events.NewSink(100, clk),
	}
	f.enf = New(Options{
		Backend: f.backend,
		Store:   f.store,
		Sink:    f.sink,
		Logger:  logging.Discard(),
		Clock:   clk,
	})
	return f
}

func (f *fixture) installed(t *testing.T) []Rule {
	t.Helper()
	rules, err := f.backend.Installed(context.Background())
	require.NoError(t, err)
	return rules
}

func corpZone() zone.Zone {
	return zone.Zone{
		ID:      "corp",
		Enabled: true,
		VPN: &zone.VPNSpec{
			Executable: "/usr/sbin/openvpn",
			Interface:  "tun0",
			Endpoints:  []string{"198.51.100.7:1194/udp"},
			KillSwitch: true,
			SplitMode:  zone.SplitInclude,
			Routes:     []string{"10.0.0.0/8"},
		},
	}
}

func TestCommit_AppliesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.enf.Commit(ctx, includeState(true))
	require.NoError(t, err)
	assert.Equal(t, 7, res.Added)
	assert.Equal(t, Resolve(includeState(true)), f.installed(t))
	assert.Equal(t, includeState(true), f.enf.Current())

	f.backend.FailAt(1)
	res, err = f.enf.Commit(ctx, includeState(true))
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Zero(t, f.backend.Ops(), "re-applying the same state must not touch the host")
}

func TestCommit_AllOrNothingForEveryStep(t *testing.T) {
	from := includeState(false)
	to := State{
		KillSwitch: true,
		Zone:       "corp",
		Interface:  "tun0",
		Endpoints:  []zone.Endpoint{vpnEndpoint},
		SplitMode:  zone.SplitExclude,
		Routes:     []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")},
	}
	add, remove := DiffKeys(Resolve(from), Resolve(to))
	steps := len(add) + len(remove)
	require.Greater(t, steps, 4)

	for k := 1; k <= steps; k++ {
		t.Run(fmt.Sprintf("fail_at_%d", k), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			_, err := f.enf.Commit(ctx, from)
			require.NoError(t, err)
			before := f.installed(t)

			f.backend.FailAt(k)
			_, err = f.enf.Commit(ctx, to)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindEnforcementFailure))

			assert.Equal(t, before, f.installed(t))
			assert.Equal(t, from, f.enf.Current())
			assert.Equal(t, before, f.enf.Rules())
		})
	}
}

func TestCommit_RollbackFailureIsReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.enf.Commit(ctx, includeState(false))
	require.NoError(t, err)
	before := f.installed(t)

	// The 4th op fails, and so does the first undo after it.
	var calls int
	f.backend.FailWith(func(op string, r Rule) error {
		calls++
		if calls == 4 || calls == 5 {
			return errors.New(errors.KindEnforcementFailure, "netlink busy")
		}
		return nil
	})

	_, err = f.enf.Commit(ctx, State{
		KillSwitch: true, Zone: "corp", Interface: "tun0", SplitMode: zone.SplitExclude,
		Routes: []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")},
	})
	require.Error(t, err)
	assert.Equal(t, before, f.installed(t))
}

func TestCommit_CanceledContextRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.enf.Commit(ctx, includeState(true))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindEnforcementFailure))
	assert.Empty(t, f.installed(t))
	assert.True(t, f.enf.Current().IsBaseline())
}

func TestCommit_PublishesResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.enf.Commit(ctx, includeState(true))
	require.NoError(t, err)

	f.backend.FailAt(1)
	_, err = f.enf.Commit(ctx, includeState(false))
	require.Error(t, err)

	evs := f.sink.Query(events.Filter{Kinds: []events.Kind{events.KindEnforcement}})
	require.Len(t, evs, 2)
	assert.Equal(t, events.SeverityInfo, evs[0].Severity)
	assert.Equal(t, "applied", evs[0].Data.(events.EnforcementData).Result)
	assert.Equal(t, events.SeverityCritical, evs[1].Severity)
	assert.Equal(t, "rolled_back", evs[1].Data.(events.EnforcementData).Result)
}

func TestRevert_ReturnsToBaseline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.enf.Enforce(ctx, corpZone())
	require.NoError(t, err)
	require.NotEmpty(t, f.installed(t))

	require.NoError(t, f.enf.Revert(ctx))
	assert.Empty(t, f.installed(t))
	assert.Equal(t, State{}, f.enf.Current())

	var live State
	require.NoError(t, f.store.GetJSON(state.BucketEnforcement, liveKey, &live))
	assert.True(t, live.IsBaseline())
}

func TestRecover_ClearsStaleRules(t *testing.T) {
	f := newFixture(t)
	f.backend.Seed(Resolve(includeState(true))...)
	require.NoError(t, f.store.SetJSON(state.BucketEnforcement, liveKey, includeState(true)))

	n, err := f.enf.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Empty(t, f.installed(t))

	var live State
	require.NoError(t, f.store.GetJSON(state.BucketEnforcement, liveKey, &live))
	assert.True(t, live.IsBaseline())
}

func TestPolicy_PersistsAcrossReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	z := corpZone()

	assert.Equal(t, PolicyFromZone(z), f.enf.Policy(z))

	// Edit while disconnected: stored, nothing applied.
	res, err := f.enf.SetSplitTunnel(ctx, z, zone.SplitExclude, []string{"192.168.0.0/16"})
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Empty(t, f.installed(t))

	_, err = f.enf.Enforce(ctx, z)
	require.NoError(t, err)
	assert.Equal(t, zone.SplitExclude, f.enf.Current().SplitMode)

	// Edit while connected: applied immediately.
	_, err = f.enf.SetKillSwitch(ctx, z, false)
	require.NoError(t, err)
	assert.False(t, f.enf.Current().KillSwitch)

	require.NoError(t, f.enf.Revert(ctx))
	p := f.enf.Policy(z)
	assert.False(t, p.KillSwitch)
	assert.Equal(t, zone.SplitExclude, p.SplitMode)
	assert.Equal(t, []string{"192.168.0.0/16"}, p.Routes)
}

func TestSetPolicy_Validates(t *testing.T) {
	f := newFixture(t)
	_, err := f.enf.SetSplitTunnel(context.Background(), corpZone(), "sideways", []string{"nope"})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	noTunnel := corpZone()
	noTunnel.VPN.Interface = ""
	_, err = f.enf.SetKillSwitch(context.Background(), noTunnel, true)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestApplyKillSwitchAndSplitTunnel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.enf.ApplyKillSwitch(ctx, true, "")
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	_, err = f.enf.ApplyKillSwitch(ctx, true, "wg0")
	require.NoError(t, err)
	assert.Len(t, f.installed(t), 3)

	_, err = f.enf.ApplySplitTunnel(ctx, zone.SplitExclude, []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")})
	require.NoError(t, err)
	assert.Len(t, f.installed(t), 5)

	_, err = f.enf.ApplyKillSwitch(ctx, false, "")
	require.NoError(t, err)
	assert.Len(t, f.installed(t), 2) // loopback and the tunnel exclusion
}

func TestCommit_ConcurrentCommitsSerialize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	states := []State{includeState(true), includeState(false), {}}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(s State) {
			defer wg.Done()
			_, _ = f.enf.Commit(ctx, s)
		}(states[i%len(states)])
	}
	wg.Wait()

	assert.Equal(t, Resolve(f.enf.Current()), f.installed(t))
}

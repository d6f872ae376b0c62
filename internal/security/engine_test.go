package security

import (
	"context"
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
)

type fakeGeoDB struct {
	mu        sync.Mutex
	countries map[netip.Addr]string
	err       error
	calls     int
}

func (f *fakeGeoDB) Country(ip netip.Addr) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.countries[ip], nil
}

func (f *fakeGeoDB) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFetcher struct {
	mu      sync.Mutex
	entries map[string][]Entry
	errs    map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, feed Feed) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[feed.Name]; err != nil {
		return nil, err
	}
	return append([]Entry(nil), f.entries[feed.Name]...), nil
}

func newTestEngine(t *testing.T, mutate func(*Config), opts ...func(*Options)) (*Engine, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	cfg := Config{}
	if mutate != nil {
		mutate(&cfg)
	}
	o := Options{Clock: clk, Logger: logging.Discard(), Sink: events.NewSink(100, clk)}
	for _, fn := range opts {
		fn(&o)
	}
	return New(cfg, o), clk
}

func ev(src string) Event {
	return Event{Source: netip.MustParseAddr(src)}
}

func TestEvaluate_RateLimitScenario(t *testing.T) {
	e, clk := newTestEngine(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Enabled: true, Default: Limit{Max: 5, Window: 60 * time.Second}}
	})

	var got []Action
	for i := 0; i < 6; i++ {
		got = append(got, e.Evaluate(ev("203.0.113.5")).Action)
		clk.Advance(1500 * time.Millisecond)
	}

	assert.Equal(t, []Action{ActionAllow, ActionAllow, ActionAllow, ActionAllow, ActionAllow, ActionBlock}, got)
	last := e.Evaluate(ev("203.0.113.5"))
	assert.Equal(t, []Reason{ReasonRateLimit}, last.Reasons)
}

func TestEvaluate_RateLimitPerEndpoint(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{
			Enabled:   true,
			Default:   Limit{Max: 100, Window: time.Minute},
			Endpoints: map[string]Limit{"ssh": {Max: 1, Window: time.Minute}},
		}
	})

	sshEv := ev("203.0.113.5")
	sshEv.Endpoint = "ssh"
	assert.True(t, e.Evaluate(sshEv).Allowed())
	assert.False(t, e.Evaluate(sshEv).Allowed())

	// The default scope is tracked separately, and so are unknown endpoints.
	assert.True(t, e.Evaluate(ev("203.0.113.5")).Allowed())
	web := ev("203.0.113.5")
	web.Endpoint = "web"
	assert.True(t, e.Evaluate(web).Allowed())
}

func TestEvaluate_AllowListShortCircuits(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.AllowList = []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
		c.RateLimit = RateLimitConfig{Enabled: true, Default: Limit{Max: 1, Window: time.Minute}}
	})
	e.Block(netip.MustParseAddr("10.1.2.3"), time.Hour)

	for i := 0; i < 5; i++ {
		v := e.Evaluate(ev("10.1.2.3"))
		require.True(t, v.Allowed())
		assert.Equal(t, []Reason{ReasonAllowListed}, v.Reasons)
	}
}

func TestEvaluate_DynamicAllowList(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Enabled: true, Default: Limit{Max: 1, Window: time.Minute}}
	})
	e.Evaluate(ev("192.0.2.1"))
	require.False(t, e.Evaluate(ev("192.0.2.1")).Allowed())

	e.Allow(netip.MustParsePrefix("192.0.2.0/24"))
	assert.True(t, e.Evaluate(ev("192.0.2.1")).Allowed())
	assert.Len(t, e.AllowList(), 1)

	assert.True(t, e.Disallow(netip.MustParsePrefix("192.0.2.0/24")))
	assert.False(t, e.Disallow(netip.MustParsePrefix("192.0.2.0/24")))
	assert.False(t, e.Evaluate(ev("192.0.2.1")).Allowed())
}

func TestEvaluate_DenyListExpires(t *testing.T) {
	e, clk := newTestEngine(t, nil)
	ip := netip.MustParseAddr("192.0.2.50")

	e.Block(ip, 10*time.Minute)
	v := e.Evaluate(ev("192.0.2.50"))
	assert.Equal(t, ActionBlock, v.Action)
	assert.Equal(t, []Reason{ReasonDenylisted}, v.Reasons)
	assert.Len(t, e.Blocks(), 1)

	clk.Advance(10 * time.Minute)
	assert.True(t, e.Evaluate(ev("192.0.2.50")).Allowed())
	assert.Empty(t, e.Blocks())

	e.GC()
	assert.True(t, errors.IsKind(e.Unblock(ip), errors.KindNotFound))
}

func TestEvaluate_Unblock(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ip := netip.MustParseAddr("192.0.2.51")
	e.Block(ip, 0)

	require.NoError(t, e.Unblock(ip))
	assert.True(t, e.Evaluate(ev("192.0.2.51")).Allowed())
}

func TestBlock_SurvivesRestart(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	opts := state.DefaultOptions(":memory:")
	opts.CleanupInterval = 0
	opts.Clock = clk
	store, err := state.NewSQLiteStore(opts)
	require.NoError(t, err)
	defer store.Close()

	newEngine := func() *Engine {
		return New(Config{}, Options{Clock: clk, Logger: logging.Discard(), Store: store})
	}

	e := newEngine()
	short := netip.MustParseAddr("192.0.2.60")
	long := netip.MustParseAddr("192.0.2.61")
	gone := netip.MustParseAddr("192.0.2.62")
	e.Block(short, 5*time.Minute)
	e.Block(long, time.Hour)
	e.Block(gone, time.Hour)
	require.NoError(t, e.Unblock(gone))

	restarted := newEngine()
	assert.Equal(t, e.Blocks(), restarted.Blocks())
	assert.Equal(t, ActionBlock, restarted.Evaluate(ev("192.0.2.61")).Action)
	assert.True(t, restarted.Evaluate(ev("192.0.2.62")).Allowed())

	clk.Advance(10 * time.Minute)
	later := newEngine()
	require.Len(t, later.Blocks(), 1)
	assert.Equal(t, long, later.Blocks()[0].IP)
	assert.True(t, later.Evaluate(ev("192.0.2.60")).Allowed())
}

func TestEvaluate_KnockRequired(t *testing.T) {
	e, clk := newTestEngine(t, func(c *Config) {
		c.Knock = KnockConfig{Enabled: true, Sequence: []uint16{1000, 2000, 3000}, ProtectedPorts: []uint16{22}}
	})

	ssh := Event{Source: netip.MustParseAddr("198.51.100.9"), DstPort: 22}
	v := e.Evaluate(ssh)
	assert.Equal(t, []Reason{ReasonPortKnockRequired}, v.Reasons)

	// Unprotected ports are unaffected.
	web := Event{Source: ssh.Source, DstPort: 443}
	assert.True(t, e.Evaluate(web).Allowed())

	for _, p := range []uint16{1000, 2000, 3000} {
		e.Observe(Event{Source: ssh.Source, DstPort: p})
		clk.Advance(time.Second)
	}
	assert.True(t, e.Evaluate(ssh).Allowed())
	assert.Equal(t, KnockAuthorized, e.KnockState(ssh.Source).Phase)

	clk.Advance(DefaultKnockLease)
	assert.False(t, e.Evaluate(ssh).Allowed())
}

func TestEvaluate_KnockRequiredByZone(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Knock = KnockConfig{Enabled: true, Zones: []string{"wan"}}
	})

	v := e.Evaluate(Event{Source: netip.MustParseAddr("198.51.100.9"), Zone: "wan"})
	assert.Equal(t, []Reason{ReasonPortKnockRequired}, v.Reasons)
	assert.True(t, e.Evaluate(Event{Source: netip.MustParseAddr("192.168.1.9"), Zone: "lan"}).Allowed())
}

// warmGeo fills the geo cache the way the background lookup would.
func warmGeo(t *testing.T, e *Engine, ips ...string) {
	t.Helper()
	for _, ip := range ips {
		_, err := e.RefreshGeo(netip.MustParseAddr(ip))
		require.NoError(t, err)
	}
}

func TestEvaluate_GeoBlock(t *testing.T) {
	db := &fakeGeoDB{countries: map[netip.Addr]string{
		netip.MustParseAddr("203.0.113.1"): "KP",
		netip.MustParseAddr("203.0.113.2"): "DE",
	}}
	e, _ := newTestEngine(t, func(c *Config) {
		c.Geo = GeoConfig{Enabled: true, BlockedCountries: []string{"kp"}}
	}, func(o *Options) { o.GeoDB = db })
	warmGeo(t, e, "203.0.113.1", "203.0.113.2")

	v := e.Evaluate(ev("203.0.113.1"))
	assert.Equal(t, ActionBlock, v.Action)
	assert.Equal(t, []Reason{ReasonGeoIP}, v.Reasons)
	assert.Equal(t, "KP", v.Country)

	v = e.Evaluate(ev("203.0.113.2"))
	assert.True(t, v.Allowed())
	assert.Equal(t, "DE", v.Country)
	assert.Empty(t, v.Reasons)

	e.UnblockCountry("KP")
	assert.True(t, e.Evaluate(ev("203.0.113.1")).Allowed())
	e.BlockCountry("de")
	assert.Equal(t, []string{"DE"}, e.BlockedCountries())
}

// gatedGeoDB answers only after release is closed.
type gatedGeoDB struct {
	fakeGeoDB
	release chan struct{}
}

func (g *gatedGeoDB) Country(ip netip.Addr) (string, error) {
	<-g.release
	return g.fakeGeoDB.Country(ip)
}

func TestEvaluate_GeoMissDoesNotWaitForDatabase(t *testing.T) {
	src := netip.MustParseAddr("203.0.113.1")
	db := &gatedGeoDB{fakeGeoDB: fakeGeoDB{countries: map[netip.Addr]string{src: "KP"}}, release: make(chan struct{})}
	e, _ := newTestEngine(t, func(c *Config) {
		c.Geo = GeoConfig{Enabled: true, BlockedCountries: []string{"KP"}}
	}, func(o *Options) { o.GeoDB = db })

	done := make(chan Verdict, 1)
	go func() { done <- e.Evaluate(ev(src.String())) }()

	var v Verdict
	select {
	case v = <-done:
	case <-time.After(2 * time.Second):
		close(db.release)
		t.Fatal("Evaluate blocked on the geo database")
	}
	assert.True(t, v.Allowed())
	assert.Equal(t, []Reason{ReasonDegradedService}, v.Reasons)
	assert.Equal(t, []string{"geoip"}, v.Degraded)

	// A second miss while the first lookup is in flight does not query again.
	e.Evaluate(ev(src.String()))
	close(db.release)

	require.Eventually(t, func() bool {
		return e.Evaluate(ev(src.String())).Action == ActionBlock
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, db.Calls())
}

func TestEvaluate_GeoUnavailableIsPermissive(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.Geo = GeoConfig{Enabled: true, BlockedCountries: []string{"KP"}}
	})

	v := e.Evaluate(ev("203.0.113.1"))
	assert.True(t, v.Allowed())
	assert.Equal(t, []Reason{ReasonDegradedService}, v.Reasons)
	assert.Equal(t, []string{"geoip"}, v.Degraded)

	_, err := e.RefreshGeo(netip.MustParseAddr("203.0.113.1"))
	assert.True(t, errors.IsKind(err, errors.KindDegradedService))
}

func TestEvaluate_GeoLookupErrorIsPermissive(t *testing.T) {
	db := &fakeGeoDB{err: errors.New(errors.KindDegradedService, "corrupt database")}
	e, _ := newTestEngine(t, func(c *Config) {
		c.Geo = GeoConfig{Enabled: true, BlockedCountries: []string{"KP"}}
	}, func(o *Options) { o.GeoDB = db })

	v := e.Evaluate(ev("203.0.113.1"))
	assert.True(t, v.Allowed())
	assert.Equal(t, []Reason{ReasonDegradedService}, v.Reasons)

	// Failed lookups are not cached; the next event is still permissive.
	require.Eventually(t, func() bool { return db.Calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, e.Evaluate(ev("203.0.113.1")).Allowed())
}

func TestEvaluate_ReputationBlock(t *testing.T) {
	f := &fakeFetcher{entries: map[string][]Entry{
		"bad": {
			{Prefix: netip.MustParsePrefix("192.0.2.0/24"), Score: 90},
			{Prefix: netip.MustParsePrefix("198.51.100.7/32"), Score: 10},
		},
	}}
	e, _ := newTestEngine(t, func(c *Config) {
		c.Reputation = ReputationConfig{Enabled: true, Threshold: 50, Feeds: []Feed{{Name: "bad", URL: "http://feed.invalid"}}}
	}, func(o *Options) { o.Fetcher = f })

	require.NoError(t, e.RefreshReputation(context.Background()))

	v := e.Evaluate(ev("192.0.2.77"))
	assert.Equal(t, []Reason{ReasonReputation}, v.Reasons)
	assert.Contains(t, v.Detail, "bad")

	// Below threshold.
	assert.True(t, e.Evaluate(ev("198.51.100.7")).Allowed())
}

func TestEvaluate_ReputationNeverLoadedIsDegraded(t *testing.T) {
	f := &fakeFetcher{errs: map[string]error{"bad": errors.New(errors.KindNotFound, "gone")}}
	e, _ := newTestEngine(t, func(c *Config) {
		c.Reputation = ReputationConfig{Enabled: true, Feeds: []Feed{{Name: "bad", URL: "http://feed.invalid"}}}
	}, func(o *Options) { o.Fetcher = f })

	require.Error(t, e.RefreshReputation(context.Background()))
	v := e.Evaluate(ev("192.0.2.77"))
	assert.True(t, v.Allowed())
	assert.Equal(t, []Reason{ReasonDegradedService}, v.Reasons)
	assert.Equal(t, []string{"reputation"}, v.Degraded)
}

// The highest-priority failing check is the only reason reported.
func TestEvaluate_PriorityOrder(t *testing.T) {
	src := "203.0.113.66"
	db := &fakeGeoDB{countries: map[netip.Addr]string{netip.MustParseAddr(src): "KP"}}
	f := &fakeFetcher{entries: map[string][]Entry{"bad": {{Prefix: netip.MustParsePrefix(src + "/32"), Score: 100}}}}

	e, _ := newTestEngine(t, func(c *Config) {
		c.Knock = KnockConfig{Enabled: true, ProtectedPorts: []uint16{22}}
		c.Geo = GeoConfig{Enabled: true, BlockedCountries: []string{"KP"}}
		c.Reputation = ReputationConfig{Enabled: true, Feeds: []Feed{{Name: "bad"}}}
		c.RateLimit = RateLimitConfig{Enabled: true, Default: Limit{Max: 1, Window: time.Hour}}
	}, func(o *Options) {
		o.GeoDB = db
		o.Fetcher = f
	})
	require.NoError(t, e.RefreshReputation(context.Background()))
	warmGeo(t, e, src)

	// Mid-sequence in knocking, failing geo, reputation and (later) rate limit.
	e.RecordKnockAttempt(netip.MustParseAddr(src), 1000, time.Time{})
	protected := Event{Source: netip.MustParseAddr(src), DstPort: 22}
	assert.Equal(t, []Reason{ReasonPortKnockRequired}, e.Evaluate(protected).Reasons)

	plain := ev(src)
	assert.Equal(t, []Reason{ReasonGeoIP}, e.Evaluate(plain).Reasons)

	e.UnblockCountry("KP")
	assert.Equal(t, []Reason{ReasonReputation}, e.Evaluate(plain).Reasons)

	e.Block(netip.MustParseAddr(src), time.Minute)
	assert.Equal(t, []Reason{ReasonDenylisted}, e.Evaluate(protected).Reasons)
}

func TestEvaluate_BlockPublishesVerdict(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.Block(netip.MustParseAddr("192.0.2.9"), time.Minute)

	e.Evaluate(Event{Source: netip.MustParseAddr("192.0.2.9"), DstPort: 443, Protocol: "tcp"})
	e.Evaluate(ev("192.0.2.10"))

	got := e.sink.Query(events.Filter{Kinds: []events.Kind{events.KindVerdict}})
	require.Len(t, got, 1)
	assert.Equal(t, "192.0.2.9", got[0].Source)
	assert.Equal(t, "Denylisted", got[0].Reason)
	data := got[0].Data.(events.VerdictData)
	assert.Equal(t, uint16(443), data.DstPort)
}

func TestEvaluate_MappedAddressesNormalized(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	e.Block(netip.MustParseAddr("192.0.2.9"), time.Minute)

	v := e.Evaluate(ev("::ffff:192.0.2.9"))
	assert.Equal(t, ActionBlock, v.Action)
}

func TestEvaluate_InvalidSource(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	v := e.Evaluate(Event{})
	assert.Equal(t, ActionBlock, v.Action)
	assert.Len(t, v.Reasons, 1)
}

func TestEvaluate_ConcurrentSourcesIndependent(t *testing.T) {
	e, _ := newTestEngine(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{Enabled: true, Default: Limit{Max: 10, Window: time.Hour}}
	})

	var wg sync.WaitGroup
	allowed := make([]int, 8)
	for i := range allowed {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := netip.AddrFrom4([4]byte{198, 18, 0, byte(i)})
			for j := 0; j < 25; j++ {
				if e.Evaluate(Event{Source: src}).Allowed() {
					allowed[i]++
				}
			}
		}(i)
	}
	wg.Wait()

	for i, n := range allowed {
		assert.Equal(t, 10, n, "source %d", i)
	}
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.True(t, c.RateLimit.Enabled)
	assert.Equal(t, Limit{Max: 100, Window: 60 * time.Second}, c.RateLimit.Default)
	assert.Equal(t, []uint16{1000, 2000, 3000}, c.Knock.Sequence)
	assert.Equal(t, 10*time.Second, c.Knock.Timeout)
	assert.Equal(t, time.Hour, c.Reputation.Interval)
	assert.False(t, c.Geo.Enabled)
}

func TestNew_LeavesCallerFeedsUntouched(t *testing.T) {
	feeds := []Feed{{Name: "spamhaus", URL: "https://example.test/drop.txt"}}
	cfg := Config{Reputation: ReputationConfig{Enabled: true, Feeds: feeds}}

	e := New(cfg, Options{Logger: logging.Discard(), Fetcher: &fakeFetcher{}})

	assert.Zero(t, feeds[0].Score, "caller's slice must not receive defaults")
	assert.Equal(t, DefaultFeedScore, e.cfg.Reputation.Feeds[0].Score)

	feeds[0].URL = "https://changed.test"
	assert.Equal(t, "https://example.test/drop.txt", e.cfg.Reputation.Feeds[0].URL)
}

package security

import (
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
	"golang.org/x/sync/singleflight"

	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/metrics"
)

var (
	// ErrGeoUnavailable marks lookups made without a usable database.
	ErrGeoUnavailable = errors.New(errors.KindDegradedService, "geoip database unavailable")
	// ErrGeoPending marks a cache miss whose lookup is running in the
	// background.
	ErrGeoPending = errors.New(errors.KindDegradedService, "geoip lookup pending")
)

// GeoDB resolves addresses to ISO 3166-1 alpha-2 country codes. An empty
// code with a nil error means the address is not in the database.
type GeoDB interface {
	Country(ip netip.Addr) (string, error)
}

// MaxMindDB is a GeoDB backed by a MaxMind country database.
type MaxMindDB struct {
	mu     sync.RWMutex
	reader *geoip2.Reader
	path   string
}

// OpenMaxMind opens the database at path.
func OpenMaxMind(path string) (*MaxMindDB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, errors.KindDegradedService, "geoip database not found at %s", path)
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindDegradedService, "failed to open geoip database")
	}
	return &MaxMindDB{reader: reader, path: path}, nil
}

// Country implements GeoDB.
func (m *MaxMindDB) Country(ip netip.Addr) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.reader == nil {
		return "", ErrGeoUnavailable
	}
	record, err := m.reader.Country(net.IP(ip.Unmap().AsSlice()))
	if err != nil {
		return "", errors.Wrapf(err, errors.KindDegradedService, "lookup failed for %s", ip)
	}
	return record.Country.IsoCode, nil
}

// Reload reopens the database, e.g. after an update on disk.
func (m *MaxMindDB) Reload() error {
	reader, err := geoip2.Open(m.path)
	if err != nil {
		return errors.Wrap(err, errors.KindDegradedService, "failed to reload geoip database")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader != nil {
		m.reader.Close()
	}
	m.reader = reader
	return nil
}

// Close releases the database.
func (m *MaxMindDB) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader == nil {
		return nil
	}
	err := m.reader.Close()
	m.reader = nil
	return err
}

// GeoDecision is a cached country resolution.
type GeoDecision struct {
	IP      netip.Addr `json:"ip"`
	Country string     `json:"country"`
	Expires time.Time  `json:"expires"`
}

// geoCache maps addresses to countries with a TTL. Concurrent misses for
// the same address collapse into one database query.
type geoCache struct {
	db    GeoDB
	ttl   time.Duration
	clock clock.Clock

	mu    sync.RWMutex
	cache map[netip.Addr]GeoDecision
	group singleflight.Group
}

func newGeoCache(db GeoDB, ttl time.Duration, clk clock.Clock) *geoCache {
	return &geoCache{
		db:    db,
		ttl:   ttl,
		clock: clk,
		cache: make(map[netip.Addr]GeoDecision),
	}
}

// fresh returns the cached decision if it has not expired.
func (g *geoCache) fresh(ip netip.Addr) (GeoDecision, bool) {
	g.mu.RLock()
	d, ok := g.cache[ip]
	g.mu.RUnlock()
	if !ok || !g.clock.Now().Before(d.Expires) {
		return GeoDecision{}, false
	}
	return d, true
}

// resolve serves from cache or refreshes.
func (g *geoCache) resolve(ip netip.Addr) (GeoDecision, error) {
	if d, ok := g.fresh(ip); ok {
		metrics.Get().GeoLookups.WithLabelValues("hit").Inc()
		return d, nil
	}
	return g.refresh(ip)
}

// lookup is resolve for the evaluation path: it never waits on the
// database. A miss starts a background refresh and returns ErrGeoPending.
func (g *geoCache) lookup(ip netip.Addr) (GeoDecision, error) {
	if d, ok := g.fresh(ip); ok {
		metrics.Get().GeoLookups.WithLabelValues("hit").Inc()
		return d, nil
	}
	if g.db == nil {
		metrics.Get().GeoLookups.WithLabelValues("unavailable").Inc()
		return GeoDecision{}, ErrGeoUnavailable
	}
	g.group.DoChan(ip.String(), func() (any, error) { return g.query(ip) })
	metrics.Get().GeoLookups.WithLabelValues("pending").Inc()
	return GeoDecision{}, ErrGeoPending
}

// refresh queries the database and stores the result. Failures are not
// cached, so a recovered database is used on the next lookup.
func (g *geoCache) refresh(ip netip.Addr) (GeoDecision, error) {
	if g.db == nil {
		metrics.Get().GeoLookups.WithLabelValues("unavailable").Inc()
		return GeoDecision{}, ErrGeoUnavailable
	}

	v, err, _ := g.group.Do(ip.String(), func() (any, error) { return g.query(ip) })
	if err != nil {
		if errors.GetKind(err) == errors.KindUnknown {
			err = errors.Wrap(err, errors.KindDegradedService, "geoip lookup failed")
		}
		return GeoDecision{}, err
	}
	return v.(GeoDecision), nil
}

// query runs one database lookup and caches a successful answer. Callers
// collapse concurrent queries for one address through g.group.
func (g *geoCache) query(ip netip.Addr) (GeoDecision, error) {
	country, err := g.db.Country(ip)
	if err != nil {
		metrics.Get().GeoLookups.WithLabelValues("error").Inc()
		return GeoDecision{}, err
	}
	d := GeoDecision{IP: ip, Country: country, Expires: g.clock.Now().Add(g.ttl)}
	g.mu.Lock()
	g.cache[ip] = d
	g.mu.Unlock()
	metrics.Get().GeoLookups.WithLabelValues("miss").Inc()
	return d, nil
}

// sweep drops expired decisions.
func (g *geoCache) sweep() int {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for ip, d := range g.cache {
		if !now.Before(d.Expires) {
			delete(g.cache, ip)
			removed++
		}
	}
	return removed
}

func (g *geoCache) size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cache)
}

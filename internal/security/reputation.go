package security

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"grimm.is/hostguard/internal/brand"
	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/events"
	"grimm.is/hostguard/internal/logging"
	"grimm.is/hostguard/internal/metrics"
	"grimm.is/hostguard/internal/state"
)

// maxFeedSize bounds a single feed download.
const maxFeedSize = 32 << 20

// Entry is one reputation record.
type Entry struct {
	Prefix  netip.Prefix `json:"prefix"`
	Score   int          `json:"score"`
	Feed    string       `json:"feed"`
	Updated time.Time    `json:"updated"`
}

// FeedStatus reports the refresh history of a feed.
type FeedStatus struct {
	Name        string    `json:"name"`
	Entries     int       `json:"entries"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Fetcher downloads and parses one feed.
type Fetcher interface {
	Fetch(ctx context.Context, feed Feed) ([]Entry, error)
}

// KVStore persists reputation tables and temporary blocks.
type KVStore interface {
	GetJSON(bucket, key string, v any) error
	SetJSON(bucket, key string, v any) error
	SetJSONWithTTL(bucket, key string, v any, ttl time.Duration) error
	Delete(bucket, key string) error
	List(bucket string) (map[string][]byte, error)
}

// feedTable is an immutable per-feed index.
type feedTable struct {
	updated time.Time
	entries []Entry // sorted by prefix
	hosts   map[netip.Addr]Entry
	nets    []Entry // sorted longest prefix first
}

func newFeedTable(entries []Entry, updated time.Time) *feedTable {
	t := &feedTable{
		updated: updated,
		entries: entries,
		hosts:   make(map[netip.Addr]Entry),
	}
	for _, e := range entries {
		if e.Prefix.IsSingleIP() {
			t.hosts[e.Prefix.Addr()] = e
			continue
		}
		t.nets = append(t.nets, e)
	}
	slices.SortStableFunc(t.nets, func(a, b Entry) int {
		return cmp.Compare(b.Prefix.Bits(), a.Prefix.Bits())
	})
	return t
}

func (t *feedTable) lookup(ip netip.Addr) (Entry, bool) {
	if e, ok := t.hosts[ip]; ok {
		return e, true
	}
	for _, e := range t.nets {
		if e.Prefix.Contains(ip) {
			return e, true
		}
	}
	return Entry{}, false
}

// repSnapshot is replaced wholesale on refresh; readers never see a
// partially merged table.
type repSnapshot struct {
	feeds map[string]*feedTable
}

type persistedFeed struct {
	Feed    string    `json:"feed"`
	Updated time.Time `json:"updated"`
	Entries []Entry   `json:"entries"`
}

// Reputation holds the last-known-good entries of every feed. A failed
// fetch keeps the feed's previous entries untouched.
type Reputation struct {
	feeds   []Feed
	timeout time.Duration
	retry   RetryConfig
	fetcher Fetcher
	store   KVStore
	clock   clock.Clock
	logger  *logging.Logger
	sink    *events.Sink

	snap      atomic.Pointer[repSnapshot]
	refreshMu sync.Mutex

	statusMu sync.Mutex
	status   map[string]*FeedStatus
}

func newReputation(cfg ReputationConfig, fetcher Fetcher, store KVStore, clk clock.Clock, logger *logging.Logger, sink *events.Sink) *Reputation {
	r := &Reputation{
		feeds:   slices.Clone(cfg.Feeds),
		timeout: cfg.Timeout,
		retry:   DefaultRetryConfig(),
		fetcher: fetcher,
		store:   store,
		clock:   clk,
		logger:  logger,
		sink:    sink,
		status:  make(map[string]*FeedStatus),
	}
	for _, f := range r.feeds {
		r.status[f.Name] = &FeedStatus{Name: f.Name}
	}
	r.snap.Store(&repSnapshot{feeds: map[string]*feedTable{}})
	return r
}

// Load restores persisted feed tables.
func (r *Reputation) Load() error {
	if r.store == nil {
		return nil
	}
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	next := r.cloneSnapshot()
	var errs []error
	for _, f := range r.feeds {
		var p persistedFeed
		if err := r.store.GetJSON(state.BucketReputation, f.Name, &p); err != nil {
			if !errors.Is(err, state.ErrNotFound) {
				errs = append(errs, fmt.Errorf("feed %s: %w", f.Name, err))
			}
			continue
		}
		next.feeds[f.Name] = newFeedTable(p.Entries, p.Updated)
		r.setStatus(f.Name, func(s *FeedStatus) {
			s.Entries = len(p.Entries)
			s.LastSuccess = p.Updated
		})
		metrics.Get().ReputationEntries.WithLabelValues(f.Name).Set(float64(len(p.Entries)))
	}
	r.snap.Store(next)
	return errors.Join(errs...)
}

// Refresh fetches every feed. Successful feeds replace their table,
// failed feeds keep theirs. The returned error joins per-feed failures.
func (r *Reputation) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	next := r.cloneSnapshot()
	var errs []error

	for _, f := range r.feeds {
		now := r.clock.Now()
		fctx, cancel := context.WithTimeout(ctx, r.timeout)
		entries, err := retryWithResult(fctx, r.retry, func() ([]Entry, error) {
			return r.fetcher.Fetch(fctx, f)
		})
		cancel()

		if err != nil {
			err = errors.Wrapf(err, errors.KindTransientIO, "feed %s", f.Name)
			errs = append(errs, err)
			r.logger.Warn("reputation feed refresh failed, keeping previous entries", "feed", f.Name, "error", err)
			metrics.Get().ReputationErrors.WithLabelValues(f.Name).Inc()
			r.setStatus(f.Name, func(s *FeedStatus) {
				s.LastAttempt = now
				s.LastError = err.Error()
			})
			r.sink.Emit(events.KindReputation, events.SeverityWarning, "security", f.Name,
				"feed refresh failed", events.ReputationData{Feed: f.Name, Entries: r.feedSize(next, f.Name), Error: err.Error()})
			continue
		}

		for i := range entries {
			entries[i].Feed = f.Name
			entries[i].Updated = now
		}
		next.feeds[f.Name] = newFeedTable(entries, now)
		if r.store != nil {
			if err := r.store.SetJSON(state.BucketReputation, f.Name, persistedFeed{Feed: f.Name, Updated: now, Entries: entries}); err != nil {
				r.logger.Warn("failed to persist reputation feed", "feed", f.Name, "error", err)
			}
		}
		r.setStatus(f.Name, func(s *FeedStatus) {
			s.Entries = len(entries)
			s.LastAttempt = now
			s.LastSuccess = now
			s.LastError = ""
		})
		metrics.Get().ReputationEntries.WithLabelValues(f.Name).Set(float64(len(entries)))
		r.logger.Info("reputation feed refreshed", "feed", f.Name, "entries", len(entries))
		r.sink.Emit(events.KindReputation, events.SeverityInfo, "security", f.Name,
			"feed refreshed", events.ReputationData{Feed: f.Name, Entries: len(entries)})
	}

	r.snap.Store(next)
	return errors.Join(errs...)
}

func (r *Reputation) cloneSnapshot() *repSnapshot {
	cur := r.snap.Load()
	next := &repSnapshot{feeds: make(map[string]*feedTable, len(r.feeds))}
	for _, f := range r.feeds {
		if t, ok := cur.feeds[f.Name]; ok {
			next.feeds[f.Name] = t
		}
	}
	return next
}

func (r *Reputation) feedSize(s *repSnapshot, name string) int {
	if t, ok := s.feeds[name]; ok {
		return len(t.entries)
	}
	return 0
}

func (r *Reputation) setStatus(name string, fn func(*FeedStatus)) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	s, ok := r.status[name]
	if !ok {
		s = &FeedStatus{Name: name}
		r.status[name] = s
	}
	fn(s)
}

// Lookup returns the highest-scoring entry covering ip across feeds.
func (r *Reputation) Lookup(ip netip.Addr) (Entry, bool) {
	ip = ip.Unmap()
	snap := r.snap.Load()

	var best Entry
	found := false
	for _, t := range snap.feeds {
		e, ok := t.lookup(ip)
		if !ok {
			continue
		}
		if !found || e.Score > best.Score || (e.Score == best.Score && e.Feed < best.Feed) {
			best = e
			found = true
		}
	}
	return best, found
}

// Entries returns the entries of one feed, sorted by prefix.
func (r *Reputation) Entries(feed string) []Entry {
	t, ok := r.snap.Load().feeds[feed]
	if !ok {
		return nil
	}
	return slices.Clone(t.entries)
}

// Status returns per-feed refresh status, sorted by name.
func (r *Reputation) Status() []FeedStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	out := make([]FeedStatus, 0, len(r.status))
	for _, s := range r.status {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b FeedStatus) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Degraded reports whether feeds are configured but none has ever loaded.
func (r *Reputation) Degraded() bool {
	return len(r.feeds) > 0 && len(r.snap.Load().feeds) == 0
}

// HTTPFetcher downloads plain-text feeds over HTTP.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with the given per-request timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch implements Fetcher.
func (h *HTTPFetcher) Fetch(ctx context.Context, feed Feed) ([]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "invalid feed url")
	}
	req.Header.Set("User-Agent", brand.UserAgent())

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindTransientIO, "http get failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Errorf(errors.KindTransientIO, "http status %d", resp.StatusCode)
	default:
		return nil, errors.Errorf(errors.KindNotFound, "http status %d", resp.StatusCode)
	}

	return ParseFeed(io.LimitReader(resp.Body, maxFeedSize), feed)
}

// ParseFeed reads one IP or CIDR per line. Blank lines and lines starting
// with '#' or ';' are skipped, trailing comments are stripped, and an
// optional integer second column overrides the feed's default score.
// A feed with no valid entry is an error.
func ParseFeed(r io.Reader, feed Feed) ([]Entry, error) {
	byPrefix := make(map[netip.Prefix]int)
	lines := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if i := strings.IndexAny(line, "#;"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		lines++

		prefix, ok := parsePrefix(fields[0])
		if !ok {
			continue
		}
		score := feed.Score
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil && n >= 0 {
				score = n
			}
		}
		if cur, ok := byPrefix[prefix]; !ok || score > cur {
			byPrefix[prefix] = score
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, errors.KindTransientIO, "read feed")
	}
	if len(byPrefix) == 0 {
		return nil, errors.Errorf(errors.KindTransientIO, "feed %s has no valid entries (%d lines)", feed.Name, lines)
	}

	entries := make([]Entry, 0, len(byPrefix))
	for p, s := range byPrefix {
		entries = append(entries, Entry{Prefix: p, Score: s, Feed: feed.Name})
	}
	slices.SortFunc(entries, func(a, b Entry) int { return comparePrefix(a.Prefix, b.Prefix) })
	return entries, nil
}

func parsePrefix(s string) (netip.Prefix, bool) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, false
		}
		p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()).Masked()
		return p, p.IsValid()
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, false
	}
	a = a.Unmap()
	return netip.PrefixFrom(a, a.BitLen()), true
}

func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return cmp.Compare(a.Bits(), b.Bits())
}

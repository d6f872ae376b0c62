package events

import (
	"sync"

	"github.com/google/uuid"

	"grimm.is/hostguard/internal/clock"
	"grimm.is/hostguard/internal/metrics"
)

// DefaultCapacity is the number of events retained when none is configured.
const DefaultCapacity = 1000

// Sink is the append-only alert log. Publishing never blocks: the bounded
// log is the durable record and live subscribers are served best-effort.
type Sink struct {
	mu      sync.Mutex
	entries []Event
	size    int
	head    int
	count   int
	seq     uint64

	subs map[*Subscription]struct{}

	published uint64
	dropped   uint64

	clock clock.Clock
}

// Subscription is a live feed of events. Read from C until it is closed.
type Subscription struct {
	C <-chan Event

	ch     chan Event
	kinds  map[Kind]bool
	sink   *Sink
	closed bool
}

// Filter selects events from the log. Zero values match everything.
type Filter struct {
	Kinds  []Kind
	Since  uint64 // only events with Seq > Since
	Source string
	Limit  int // most recent N matches
}

// Stats reports sink counters.
type Stats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Retained    int    `json:"retained"`
	Capacity    int    `json:"capacity"`
	Subscribers int    `json:"subscribers"`
	LastSeq     uint64 `json:"last_seq"`
}

// NewSink creates a sink retaining at most capacity events.
func NewSink(capacity int, clk clock.Clock) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Sink{
		entries: make([]Event, capacity),
		size:    capacity,
		subs:    make(map[*Subscription]struct{}),
		clock:   clock.OrReal(clk),
	}
}

// Publish appends e to the log and fans it out to matching subscribers.
// It returns the stored event with ID, Seq and Timestamp filled in.
// A nil Sink discards the event.
func (s *Sink) Publish(e Event) Event {
	if s == nil {
		return e
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}

	s.mu.Lock()
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}
	s.seq++
	e.Seq = s.seq

	s.entries[s.head] = e
	s.head = (s.head + 1) % s.size
	if s.count < s.size {
		s.count++
	}
	s.published++

	var dropped uint64
	for sub := range s.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			dropped++
		}
	}
	s.dropped += dropped
	s.mu.Unlock()

	m := metrics.Get()
	m.AlertsPublished.WithLabelValues(string(e.Kind)).Inc()
	if dropped > 0 {
		m.AlertsDropped.Add(float64(dropped))
	}
	return e
}

// Emit is shorthand for Publish.
func (s *Sink) Emit(kind Kind, sev Severity, component, source, reason string, data any) Event {
	return s.Publish(Event{
		Kind:      kind,
		Severity:  sev,
		Component: component,
		Source:    source,
		Reason:    reason,
		Data:      data,
	})
}

// Subscribe returns a live subscription for the given kinds, or for all
// kinds when none are given. Events are dropped for this subscriber while
// its buffer is full.
func (s *Sink) Subscribe(bufSize int, kinds ...Kind) *Subscription {
	_, sub := s.Replay(^uint64(0), bufSize, kinds...)
	return sub
}

// Replay atomically returns the retained events newer than since and a
// subscription that starts right after them, so nothing is missed or
// duplicated between the backlog and the live feed.
func (s *Sink) Replay(since uint64, bufSize int, kinds ...Kind) ([]Event, *Subscription) {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Event, bufSize)
	sub := &Subscription{C: ch, ch: ch, sink: s}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var backlog []Event
	if since != ^uint64(0) {
		backlog = s.match(Filter{Kinds: kinds, Since: since})
	}
	s.subs[sub] = struct{}{}
	return backlog, sub
}

// Close detaches the subscription and closes its channel. Safe to call twice.
func (sub *Subscription) Close() {
	s := sub.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(s.subs, sub)
	close(sub.ch)
}

func (sub *Subscription) wants(k Kind) bool {
	return sub.kinds == nil || sub.kinds[k]
}

// Query returns retained events matching f, oldest first.
func (s *Sink) Query(f Filter) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match(f)
}

// Recent returns the last n retained events, oldest first.
func (s *Sink) Recent(n int) []Event {
	return s.Query(Filter{Limit: n})
}

// Stats returns publish/drop counters.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Published:   s.published,
		Dropped:     s.dropped,
		Retained:    s.count,
		Capacity:    s.size,
		Subscribers: len(s.subs),
		LastSeq:     s.seq,
	}
}

// match must be called with s.mu held.
func (s *Sink) match(f Filter) []Event {
	var kinds map[Kind]bool
	if len(f.Kinds) > 0 {
		kinds = make(map[Kind]bool, len(f.Kinds))
		for _, k := range f.Kinds {
			kinds[k] = true
		}
	}

	start := (s.head - s.count + s.size) % s.size
	out := make([]Event, 0)
	for i := 0; i < s.count; i++ {
		e := s.entries[(start+i)%s.size]
		if e.Seq <= f.Since {
			continue
		}
		if kinds != nil && !kinds[e.Kind] {
			continue
		}
		if f.Source != "" && e.Source != f.Source {
			continue
		}
		out = append(out, e)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

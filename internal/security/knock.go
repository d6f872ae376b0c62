package security

import (
	"net/netip"
	"slices"
	"sync"
	"time"
)

// KnockPhase is the automaton state of a source.
type KnockPhase string

const (
	KnockIdle        KnockPhase = "idle"
	KnockProgressing KnockPhase = "progressing"
	KnockAuthorized  KnockPhase = "authorized"
)

// KnockState is a point-in-time view of a source's knock automaton.
type KnockState struct {
	Phase           KnockPhase `json:"phase"`
	Progress        int        `json:"progress"` // ports matched so far
	LastKnock       time.Time  `json:"last_knock,omitempty"`
	AuthorizedUntil time.Time  `json:"authorized_until,omitempty"`
}

type knockEntry struct {
	mu    sync.Mutex
	state KnockState
}

// knockTracker holds one automaton per source. Each entry has its own
// lock so sources advance independently.
type knockTracker struct {
	sequence []uint16
	timeout  time.Duration
	lease    time.Duration

	mu      sync.RWMutex
	entries map[netip.Addr]*knockEntry
}

func newKnockTracker(cfg KnockConfig) *knockTracker {
	return &knockTracker{
		sequence: slices.Clone(cfg.Sequence),
		timeout:  cfg.Timeout,
		lease:    cfg.Lease,
		entries:  make(map[netip.Addr]*knockEntry),
	}
}

func (k *knockTracker) inSequence(port uint16) bool {
	return slices.Contains(k.sequence, port)
}

func (k *knockTracker) entry(src netip.Addr, create bool) *knockEntry {
	k.mu.RLock()
	e, ok := k.entries[src]
	k.mu.RUnlock()
	if ok || !create {
		return e
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok = k.entries[src]; !ok {
		e = &knockEntry{state: KnockState{Phase: KnockIdle}}
		k.entries[src] = e
	}
	return e
}

// record advances or resets the automaton for src.
func (k *knockTracker) record(src netip.Addr, port uint16, ts time.Time) KnockState {
	e := k.entry(src, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	s := k.expire(e.state, ts)

	switch s.Phase {
	case KnockAuthorized:
		// Knocks during a lease neither extend nor revoke it.
		return s
	case KnockProgressing:
		if k.sequence[s.Progress] == port {
			s.Progress++
			s.LastKnock = ts
			break
		}
		// Mismatch resets; the port may itself open a new attempt.
		s = KnockState{Phase: KnockIdle}
		fallthrough
	case KnockIdle:
		if k.sequence[0] == port {
			s = KnockState{Phase: KnockProgressing, Progress: 1, LastKnock: ts}
		}
	}

	if s.Phase == KnockProgressing && s.Progress == len(k.sequence) {
		s = KnockState{
			Phase:           KnockAuthorized,
			Progress:        len(k.sequence),
			LastKnock:       ts,
			AuthorizedUntil: ts.Add(k.lease),
		}
	}

	e.state = s
	return s
}

// state returns the current state of src as of now.
func (k *knockTracker) state(src netip.Addr, now time.Time) KnockState {
	e := k.entry(src, false)
	if e == nil {
		return KnockState{Phase: KnockIdle}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = k.expire(e.state, now)
	return e.state
}

// expire applies lease expiry and inter-knock timeout as of now.
func (k *knockTracker) expire(s KnockState, now time.Time) KnockState {
	switch s.Phase {
	case KnockAuthorized:
		if !now.Before(s.AuthorizedUntil) {
			return KnockState{Phase: KnockIdle}
		}
	case KnockProgressing:
		if now.Sub(s.LastKnock) > k.timeout {
			return KnockState{Phase: KnockIdle}
		}
	}
	return s
}

// gc drops idle and expired automata.
func (k *knockTracker) gc(now time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	removed := 0
	for src, e := range k.entries {
		e.mu.Lock()
		e.state = k.expire(e.state, now)
		idle := e.state.Phase == KnockIdle
		e.mu.Unlock()
		if idle {
			delete(k.entries, src)
			removed++
		}
	}
	return removed
}

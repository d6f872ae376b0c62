package firewall

import (
	"context"
	"slices"
	"sync"

	"grimm.is/hostguard/internal/errors"
)

// Backend is the host firewall facility. Implementations keep installed
// rules ordered by priority and identify them by their tag.
type Backend interface {
	// Installed returns the hostguard rules currently present, in chain order.
	Installed(ctx context.Context) ([]Rule, error)
	// Add installs r at the position its priority dictates.
	Add(ctx context.Context, r Rule) error
	// Remove deletes the installed rule with r's key.
	Remove(ctx context.Context, r Rule) error
	// Clear removes every hostguard rule and the chain holding them.
	Clear(ctx context.Context) error
	Name() string
}

// MemoryBackend is an in-process Backend. It is used by tests and by
// `check -plan`, and supports failure injection.
type MemoryBackend struct {
	mu     sync.Mutex
	rules  []Rule
	ops    int
	failAt int
	failFn func(op string, r Rule) error
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Name implements Backend.
func (m *MemoryBackend) Name() string { return "memory" }

// FailAt makes the k-th mutation from now (1-based) fail. Zero disarms.
func (m *MemoryBackend) FailAt(k int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = 0
	m.failAt = k
}

// FailWith installs a hook consulted before every mutation.
func (m *MemoryBackend) FailWith(fn func(op string, r Rule) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFn = fn
}

// Ops returns the number of mutations attempted since the last FailAt.
func (m *MemoryBackend) Ops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ops
}

// Seed installs rules directly, bypassing failure injection.
func (m *MemoryBackend) Seed(rules ...Rule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rules...)
	SortRules(m.rules)
}

func (m *MemoryBackend) check(op string, r Rule) error {
	m.ops++
	if m.failAt > 0 && m.ops == m.failAt {
		return errors.Errorf(errors.KindEnforcementFailure, "injected failure on %s #%d", op, m.ops)
	}
	if m.failFn != nil {
		return m.failFn(op, r)
	}
	return nil
}

// Installed implements Backend.
func (m *MemoryBackend) Installed(context.Context) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rules), nil
}

// Add implements Backend.
func (m *MemoryBackend) Add(ctx context.Context, r Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.check("add", r); err != nil {
		return err
	}
	key := r.Key()
	if slices.ContainsFunc(m.rules, func(x Rule) bool { return x.Key() == key }) {
		return nil
	}
	m.rules = append(m.rules, r)
	SortRules(m.rules)
	return nil
}

// Remove implements Backend.
func (m *MemoryBackend) Remove(ctx context.Context, r Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.check("remove", r); err != nil {
		return err
	}
	key := r.Key()
	i := slices.IndexFunc(m.rules, func(x Rule) bool { return x.Key() == key })
	if i < 0 {
		return errors.Errorf(errors.KindNotFound, "rule %q not installed", key)
	}
	m.rules = slices.Delete(m.rules, i, i+1)
	return nil
}

// Clear implements Backend.
func (m *MemoryBackend) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = nil
	return nil
}
